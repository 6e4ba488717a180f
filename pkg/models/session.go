package models

import "time"

// SessionState represents the lifecycle state of a worker session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	SessionOrphaned  SessionState = "orphaned"
)

// Terminal reports whether the state is a terminal one.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionOrphaned
}

// UsageMetrics is an opaque resource-usage snapshot reported by the gateway.
// The coordinator stores and surfaces it but never acts on it.
type UsageMetrics struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// SessionEntry is the registry's record of one launched worker session.
// Task fields are denormalized at spawn time so the session's history
// survives later task mutations.
type SessionEntry struct {
	// Handle is the gateway-issued session identifier and the primary key.
	Handle string `json:"handle"`
	// CorrelationID is generated before the spawn call so a failed spawn
	// can still be matched to its originating dispatch.
	CorrelationID string `json:"correlation_id"`

	Role         string `json:"role"`
	TaskID       string `json:"task_id"`
	TaskTitle    string `json:"task_title"`
	TaskPriority string `json:"task_priority"`
	TaskTag      string `json:"task_tag"`

	SpawnedAt        time.Time    `json:"spawned_at"`
	State            SessionState `json:"state"`
	CompletedAt      *time.Time   `json:"completed_at"`
	LastReconciledAt time.Time    `json:"last_reconciled_at"`
	Usage            UsageMetrics `json:"usage"`
}
