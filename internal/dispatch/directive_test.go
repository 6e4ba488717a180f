package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kmorrow/drover/internal/taskstore"
)

const rolesYAML = `roles:
  backend:
    instructions: "Implement backend tasks."
    params:
      model: fast
default:
  instructions: "General-purpose worker."
`

func TestLoadRolesAndBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(rolesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := LoadRoles(path)
	if err != nil {
		t.Fatalf("load roles: %v", err)
	}

	d := b.Build(taskstore.Signal{TaskID: "T1", Role: "backend", Title: "wire the api", Priority: "high", Tag: "api"})
	if d.Instructions != "Implement backend tasks." {
		t.Errorf("instructions = %q", d.Instructions)
	}
	if d.Params["model"] != "fast" {
		t.Errorf("params = %v", d.Params)
	}
	if d.Label != "drover/backend/T1" {
		t.Errorf("label = %q", d.Label)
	}
	if d.Title != "wire the api" || d.Priority != "high" || d.Tag != "api" {
		t.Errorf("signal fields not carried through: %+v", d)
	}
}

func TestBuildFallsBackToDefaultRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(rolesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := LoadRoles(path)
	if err != nil {
		t.Fatalf("load roles: %v", err)
	}

	d := b.Build(taskstore.Signal{TaskID: "T2", Role: "qa"})
	if d.Instructions != "General-purpose worker." {
		t.Errorf("expected default instructions, got %q", d.Instructions)
	}
}

func TestLoadRolesMissingFile(t *testing.T) {
	b, err := LoadRoles(filepath.Join(t.TempDir(), "no-such.yaml"))
	if err != nil {
		t.Fatalf("missing roles file must not error: %v", err)
	}

	d := b.Build(taskstore.Signal{TaskID: "T3", Role: "docs"})
	if d.Instructions == "" {
		t.Error("expected built-in fallback instructions")
	}
}

func TestLoadRolesMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte("roles: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRoles(path); err == nil {
		t.Error("expected parse error")
	}
}
