// Package registry maintains the authoritative in-process record of every
// worker session the coordinator has launched, backed by a durable per-entry
// snapshot so a restart can resume reconciling pre-existing sessions.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kmorrow/drover/pkg/models"
)

// ErrDuplicateHandle indicates a Register call for a handle that already
// exists. This is a programming-invariant violation, not an operational
// condition, and is never retried.
var ErrDuplicateHandle = errors.New("session handle already registered")

// ErrNotFound indicates the handle has never been registered.
var ErrNotFound = errors.New("session not found")

// ErrTerminalConflict indicates two different terminal classifications
// raced for the same handle. The first terminal write wins; the losing
// caller receives this error and should log it, nothing more.
var ErrTerminalConflict = errors.New("conflicting terminal state")

// Store persists individual registry entries. Every mutation writes exactly
// one entry; the registry never rewrites the whole snapshot.
type Store interface {
	SaveEntry(e *models.SessionEntry) error
	LoadAll() ([]models.SessionEntry, error)
}

// persistence retry parameters. A durability failure is fatal to the
// mutation attempt, so we try hard before giving up.
const (
	persistAttempts = 3
	persistBackoff  = 200 * time.Millisecond
)

// Registry is the single shared mutable resource between the dispatcher's
// event loop and the reconciler's timer loop. All read-modify-write
// operations hold the mutex so registration is atomic with respect to
// reconciliation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*models.SessionEntry
	byTask  map[string]string // taskID -> handle of most recent session
	store   Store
}

// New creates a Registry persisting through the given store.
func New(store Store) *Registry {
	return &Registry{
		entries: make(map[string]*models.SessionEntry),
		byTask:  make(map[string]string),
		store:   store,
	}
}

// Load replays the durable snapshot into memory. Call once at startup,
// before any mutation.
func (r *Registry) Load() error {
	entries, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load registry snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range entries {
		e := entries[i]
		r.entries[e.Handle] = &e
		r.byTask[e.TaskID] = e.Handle
	}
	return nil
}

// Register inserts a fresh session entry and persists it before returning.
func (r *Registry) Register(entry models.SessionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[entry.Handle]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, entry.Handle)
	}
	if entry.State == "" {
		entry.State = models.SessionActive
	}

	if err := r.persist(&entry); err != nil {
		return err
	}

	r.entries[entry.Handle] = &entry
	r.byTask[entry.TaskID] = entry.Handle
	return nil
}

// MarkTerminal transitions a session to a terminal state. It is idempotent:
// repeating the same terminal state is a no-op. A different terminal state
// loses to the existing one (sessions are never resurrected) and the caller
// gets ErrTerminalConflict. The returned bool reports whether this call
// actually changed the entry.
func (r *Registry) MarkTerminal(handle string, state models.SessionState, completedAt time.Time) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("%q is not a terminal state", state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[handle]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}

	if entry.State.Terminal() {
		if entry.State == state {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s already %s, refusing %s", ErrTerminalConflict, handle, entry.State, state)
	}

	updated := *entry
	updated.State = state
	updated.CompletedAt = &completedAt

	if err := r.persist(&updated); err != nil {
		return false, err
	}

	*entry = updated
	return true, nil
}

// RefreshUsage updates the usage snapshot and reconciliation timestamp for
// a session the gateway still reports live.
func (r *Registry) RefreshUsage(handle string, usage models.UsageMetrics, reconciledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, handle)
	}

	updated := *entry
	updated.Usage = usage
	updated.LastReconciledAt = reconciledAt

	if err := r.persist(&updated); err != nil {
		return err
	}

	*entry = updated
	return nil
}

// Get returns a copy of the entry for the given handle.
func (r *Registry) Get(handle string) (models.SessionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[handle]
	if !ok {
		return models.SessionEntry{}, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return *entry, nil
}

// GetByTask returns the most recent session entry for the given task.
func (r *Registry) GetByTask(taskID string) (models.SessionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.byTask[taskID]
	if !ok {
		return models.SessionEntry{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return *r.entries[handle], nil
}

// ListActive returns copies of all entries in the active state.
func (r *Registry) ListActive() []models.SessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SessionEntry
	for _, e := range r.entries {
		if e.State == models.SessionActive {
			out = append(out, *e)
		}
	}
	return out
}

// ListAll returns copies of every entry, terminal ones included.
func (r *Registry) ListAll() []models.SessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SessionEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// ActiveCount returns the number of active sessions across all roles.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.entries {
		if e.State == models.SessionActive {
			count++
		}
	}
	return count
}

// ActiveCountForRole returns the number of active sessions for one role.
func (r *Registry) ActiveCountForRole(role string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, e := range r.entries {
		if e.State == models.SessionActive && e.Role == role {
			count++
		}
	}
	return count
}

// IsRoleBusy reports whether the role already has an active session.
func (r *Registry) IsRoleBusy(role string) bool {
	return r.ActiveCountForRole(role) > 0
}

// persist writes one entry through the store, retrying with backoff.
// Callers hold the write lock and must not apply the in-memory mutation
// unless this returns nil: a state change that isn't durable yet must not
// become visible.
func (r *Registry) persist(e *models.SessionEntry) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = r.store.SaveEntry(e)
		if err == nil {
			return nil
		}
		log.Printf("[registry] persist %s failed (attempt %d/%d): %v", e.Handle, attempt, persistAttempts, err)
		if attempt < persistAttempts {
			time.Sleep(persistBackoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("persist entry %s: %w", e.Handle, err)
}
