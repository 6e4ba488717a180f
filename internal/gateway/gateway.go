// Package gateway provides the client façade over the external execution
// gateway that launches and enumerates worker sessions. The coordinator
// treats a session as an opaque remote process: it can ask for one to be
// spawned and it can ask which ones are still alive, nothing more.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/kmorrow/drover/pkg/models"
)

// ErrUnavailable indicates a transient gateway failure (network error,
// timeout, remote overload). Callers retry these.
var ErrUnavailable = errors.New("gateway unavailable")

// ErrRejected indicates the gateway refused the directive itself. The same
// directive will be refused again, so callers must not retry it.
var ErrRejected = errors.New("gateway rejected directive")

// IsUnavailable reports whether err is a transient gateway failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected reports whether err is a permanent directive rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Directive is the instruction payload handed to the gateway when spawning
// a worker session. Title, Priority and Tag come from the task snapshot;
// Instructions and Params come from the role definition.
type Directive struct {
	Role         string            `json:"role"`
	TaskID       string            `json:"task_id"`
	Title        string            `json:"title"`
	Priority     string            `json:"priority,omitempty"`
	Tag          string            `json:"tag,omitempty"`
	Instructions string            `json:"instructions"`
	Params       map[string]string `json:"params,omitempty"`
	// Label is a caller-supplied observability label. It is never used as
	// a primary key.
	Label string `json:"label"`
}

// SessionSnapshot is one live session as reported by the gateway.
type SessionSnapshot struct {
	Handle string              `json:"session_handle"`
	Usage  models.UsageMetrics `json:"usage"`
}

// Client is the two-call façade the coordinator needs from the gateway.
//
// ListSessions is best-effort: a failure means "unknown", never "all
// sessions gone". Callers must not mutate state on a failed listing.
type Client interface {
	Spawn(ctx context.Context, d Directive) (string, error)
	ListSessions(ctx context.Context) ([]SessionSnapshot, error)
}

// validateDirective checks the fields every gateway implementation needs.
func validateDirective(d Directive) error {
	if d.Role == "" {
		return fmt.Errorf("%w: directive missing role", ErrRejected)
	}
	if d.TaskID == "" {
		return fmt.Errorf("%w: directive missing task id", ErrRejected)
	}
	return nil
}
