// Package events defines the coordinator's activity events and the emitter
// they flow through. Events are the only observability surface the core
// exposes; nothing outside the core should poll the registry directly.
package events

import "time"

// Type represents the type of coordinator event.
type Type string

const (
	// EventDispatchAttempted is emitted for every dispatchable signal the
	// dispatcher processes, whether or not it is admitted.
	EventDispatchAttempted Type = "dispatch_attempted"
	// EventDispatchSucceeded indicates a spawn completed and the session
	// is registered as active.
	EventDispatchSucceeded Type = "dispatch_succeeded"
	// EventDispatchBlocked indicates a task was moved to the blocked lane
	// after dispatch failed terminally.
	EventDispatchBlocked Type = "dispatch_blocked"
	// EventSpawnRetry indicates a transient gateway failure that will be
	// retried.
	EventSpawnRetry Type = "spawn_retry"
	// EventOrphanDetected indicates an active session vanished from the
	// gateway without a completion report and was marked failed.
	EventOrphanDetected Type = "orphan_detected"
	// EventStuckSession is an informational warning about a session that
	// has been running past the stuck threshold. No state changes.
	EventStuckSession Type = "stuck_session"
	// EventSessionCompleted indicates an explicit completion report was
	// accepted for a session.
	EventSessionCompleted Type = "session_completed"
)

// Event represents a single coordinator activity event.
type Event struct {
	// Type is the kind of event.
	Type Type
	// Role is the worker role involved, if applicable.
	Role string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// SessionHandle is the gateway session handle, if one exists yet.
	SessionHandle string
	// Reason carries a machine-readable explanation for rejections,
	// blocks, and warnings.
	Reason string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
