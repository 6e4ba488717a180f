// Package taskstore provides the coordinator's view of the external task
// store: claim a task before dispatching it, block it when dispatch fails
// terminally, and a stream of dispatchable signals. A reference SQLite
// implementation lives alongside the interface.
package taskstore

import (
	"context"
	"errors"
)

// ErrConflict indicates a claim raced with another writer: the task is no
// longer in the queued lane. Duplicate dispatchable signals land here and
// are deliberately harmless.
var ErrConflict = errors.New("task not in queued lane")

// ErrNotFound indicates the task does not exist.
var ErrNotFound = errors.New("task not found")

// Signal announces that a task is dispatchable. It carries the snapshot the
// dispatcher needs to make an admission decision and build a directive.
type Signal struct {
	TaskID   string
	Role     string
	Title    string
	Priority string
	Tag      string
}

// Store is what the dispatcher needs from the external task store. Claim
// must be atomic: exactly one caller wins a queued task.
type Store interface {
	Claim(ctx context.Context, taskID string) error
	Block(ctx context.Context, taskID, reason string) error
}
