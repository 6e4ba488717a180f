// Package models contains the shared data types used across drover packages.
package models

import "time"

// Lane represents which lane of the task store a task currently sits in.
// The coordinator only ever writes LaneClaimed and LaneBlocked; the other
// lanes belong to the external store (and whatever humans do to it).
type Lane string

const (
	// LaneQueued means the task is dispatchable.
	LaneQueued Lane = "queued"
	// LaneClaimed means the coordinator has claimed the task for a session.
	LaneClaimed Lane = "claimed"
	// LaneBlocked means dispatch was abandoned after exhausting retries.
	// Only an external requeue moves a task out of this lane.
	LaneBlocked Lane = "blocked"
	// LaneDone is a terminal lane managed outside the coordinator.
	LaneDone Lane = "done"
)

// Task is the coordinator's view of an externally owned task. Priority and
// Tag are copied into spawn directives but never interpreted here.
type Task struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Title       string    `json:"title"`
	Priority    string    `json:"priority"`
	Tag         string    `json:"tag"`
	Lane        Lane      `json:"lane"`
	BlockReason string    `json:"block_reason"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
