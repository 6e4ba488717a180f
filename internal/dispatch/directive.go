package dispatch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kmorrow/drover/internal/gateway"
	"github.com/kmorrow/drover/internal/taskstore"
)

// RoleSpec holds the launch parameters for one worker role, loaded from the
// roles file.
type RoleSpec struct {
	// Instructions is the freeform preamble given to every worker of this
	// role.
	Instructions string `yaml:"instructions"`
	// Params are role-specific launch parameters passed through to the
	// gateway unchanged.
	Params map[string]string `yaml:"params"`
}

// rolesFile is the on-disk shape of roles.yaml.
type rolesFile struct {
	Roles map[string]RoleSpec `yaml:"roles"`
	// Default applies to any role without its own entry.
	Default RoleSpec `yaml:"default"`
}

// DirectiveBuilder turns a dispatchable task signal into a fully formed
// spawn directive using the role definitions.
type DirectiveBuilder struct {
	roles       map[string]RoleSpec
	defaultRole RoleSpec
}

// NewDirectiveBuilder creates a builder with no role definitions; every
// role uses built-in defaults.
func NewDirectiveBuilder() *DirectiveBuilder {
	return &DirectiveBuilder{roles: make(map[string]RoleSpec)}
}

// LoadRoles reads role definitions from a YAML file. A missing file is not
// an error; the builder simply falls back to defaults.
func LoadRoles(path string) (*DirectiveBuilder, error) {
	b := NewDirectiveBuilder()
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}

	var rf rolesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse roles file %s: %w", path, err)
	}

	if rf.Roles != nil {
		b.roles = rf.Roles
	}
	b.defaultRole = rf.Default
	return b, nil
}

// Build creates the spawn directive for a dispatchable task.
func (b *DirectiveBuilder) Build(sig taskstore.Signal) gateway.Directive {
	spec, ok := b.roles[sig.Role]
	if !ok {
		spec = b.defaultRole
	}

	instructions := spec.Instructions
	if instructions == "" {
		instructions = fmt.Sprintf("Complete the task assigned to the %s role and report completion when done.", sig.Role)
	}

	return gateway.Directive{
		Role:         sig.Role,
		TaskID:       sig.TaskID,
		Title:        sig.Title,
		Priority:     sig.Priority,
		Tag:          sig.Tag,
		Instructions: instructions,
		Params:       spec.Params,
		Label:        fmt.Sprintf("drover/%s/%s", sig.Role, sig.TaskID),
	}
}
