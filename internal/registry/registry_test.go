package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kmorrow/drover/pkg/models"
)

// memStore is an in-memory Store for tests. failNext makes the next
// SaveEntry calls fail to exercise durability handling.
type memStore struct {
	mu       sync.Mutex
	saved    map[string]models.SessionEntry
	saves    int
	failNext int
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]models.SessionEntry)}
}

func (m *memStore) SaveEntry(e *models.SessionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failNext > 0 {
		m.failNext--
		return errors.New("disk full")
	}
	m.saved[e.Handle] = *e
	return nil
}

func (m *memStore) LoadAll() ([]models.SessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SessionEntry
	for _, e := range m.saved {
		out = append(out, e)
	}
	return out, nil
}

func activeEntry(handle, role, taskID string) models.SessionEntry {
	return models.SessionEntry{
		Handle:        handle,
		CorrelationID: "corr-" + handle,
		Role:          role,
		TaskID:        taskID,
		SpawnedAt:     time.Now(),
		State:         models.SessionActive,
	}
}

func TestRegisterAndGet(t *testing.T) {
	store := newMemStore()
	reg := New(store)

	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Get("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Role != "backend" || got.State != models.SessionActive {
		t.Errorf("unexpected entry: %+v", got)
	}

	if _, ok := store.saved["s1"]; !ok {
		t.Error("expected entry persisted on register")
	}
}

func TestRegisterDuplicateHandle(t *testing.T) {
	reg := New(newMemStore())

	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := reg.Register(activeEntry("s1", "qa", "t2"))
	if !errors.Is(err, ErrDuplicateHandle) {
		t.Errorf("expected ErrDuplicateHandle, got %v", err)
	}
}

func TestMarkTerminalIdempotent(t *testing.T) {
	reg := New(newMemStore())
	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	at := time.Now()
	changed, err := reg.MarkTerminal("s1", models.SessionCompleted, at)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !changed {
		t.Error("expected first mark to change the entry")
	}

	before, _ := reg.Get("s1")

	changed, err = reg.MarkTerminal("s1", models.SessionCompleted, at)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if changed {
		t.Error("expected repeated mark to be a no-op")
	}

	after, _ := reg.Get("s1")
	if before.State != after.State || !before.CompletedAt.Equal(*after.CompletedAt) {
		t.Errorf("repeated mark changed observable state: %+v vs %+v", before, after)
	}
}

func TestMarkTerminalFirstWriteWins(t *testing.T) {
	reg := New(newMemStore())
	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	t1 := time.Now()
	if _, err := reg.MarkTerminal("s1", models.SessionCompleted, t1); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	// Later, conflicting classification must lose.
	t2 := t1.Add(time.Minute)
	changed, err := reg.MarkTerminal("s1", models.SessionFailed, t2)
	if !errors.Is(err, ErrTerminalConflict) {
		t.Errorf("expected ErrTerminalConflict, got %v", err)
	}
	if changed {
		t.Error("conflicting mark must not change the entry")
	}

	got, _ := reg.Get("s1")
	if got.State != models.SessionCompleted {
		t.Errorf("expected state completed, got %s", got.State)
	}
	if !got.CompletedAt.Equal(t1) {
		t.Errorf("expected completedAt %v, got %v", t1, got.CompletedAt)
	}
}

func TestMarkTerminalUnknownHandle(t *testing.T) {
	reg := New(newMemStore())
	_, err := reg.MarkTerminal("nope", models.SessionFailed, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkTerminalRejectsNonTerminalState(t *testing.T) {
	reg := New(newMemStore())
	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.MarkTerminal("s1", models.SessionActive, time.Now()); err == nil {
		t.Error("expected error for non-terminal state")
	}
}

func TestRoleAccounting(t *testing.T) {
	reg := New(newMemStore())

	if reg.IsRoleBusy("backend") {
		t.Error("fresh registry should have no busy roles")
	}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.Register(activeEntry("s1", "backend", "t1")))
	must(reg.Register(activeEntry("s2", "qa", "t2")))
	must(reg.Register(activeEntry("s3", "docs", "t3")))

	if got := reg.ActiveCountForRole("backend"); got != 1 {
		t.Errorf("expected 1 active backend session, got %d", got)
	}
	if !reg.IsRoleBusy("backend") {
		t.Error("backend should be busy")
	}
	if got := reg.ActiveCount(); got != 3 {
		t.Errorf("expected 3 active sessions, got %d", got)
	}
	if got := len(reg.ListActive()); got != 3 {
		t.Errorf("expected 3 listed, got %d", got)
	}

	if _, err := reg.MarkTerminal("s1", models.SessionCompleted, time.Now()); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if reg.IsRoleBusy("backend") {
		t.Error("backend should be free after terminal transition")
	}
	if got := reg.ActiveCount(); got != 2 {
		t.Errorf("expected 2 active sessions, got %d", got)
	}
}

func TestGetByTask(t *testing.T) {
	reg := New(newMemStore())
	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.GetByTask("t1")
	if err != nil {
		t.Fatalf("get by task: %v", err)
	}
	if got.Handle != "s1" {
		t.Errorf("expected handle s1, got %s", got.Handle)
	}

	if _, err := reg.GetByTask("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPersistFailureDoesNotMutate(t *testing.T) {
	store := newMemStore()
	reg := New(store)

	// Exceed the internal retry budget so the mutation fails outright.
	store.failNext = persistAttempts
	err := reg.Register(activeEntry("s1", "backend", "t1"))
	if err == nil {
		t.Fatal("expected register to fail when persistence fails")
	}

	if _, err := reg.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Error("failed register must not leave an in-memory entry")
	}
	if reg.IsRoleBusy("backend") {
		t.Error("failed register must not mark the role busy")
	}
}

func TestPersistRetriesTransientFailure(t *testing.T) {
	store := newMemStore()
	reg := New(store)

	store.failNext = 1
	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("expected retry to absorb one failure: %v", err)
	}
	if _, ok := store.saved["s1"]; !ok {
		t.Error("entry should be persisted after retry")
	}
}

func TestLoadReplaysSnapshot(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.MarkTerminal("s1", models.SessionFailed, time.Now()); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	// A second registry over the same store sees the same state.
	reg2 := New(store)
	if err := reg2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := reg2.Get("s1")
	if err != nil {
		t.Fatalf("get after load: %v", err)
	}
	if got.State != models.SessionFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
}

func TestRefreshUsage(t *testing.T) {
	reg := New(newMemStore())
	if err := reg.Register(activeEntry("s1", "backend", "t1")); err != nil {
		t.Fatalf("register: %v", err)
	}

	at := time.Now()
	usage := models.UsageMetrics{InputTokens: 100, OutputTokens: 40}
	if err := reg.RefreshUsage("s1", usage, at); err != nil {
		t.Fatalf("refresh usage: %v", err)
	}

	got, _ := reg.Get("s1")
	if got.Usage != usage {
		t.Errorf("expected usage %+v, got %+v", usage, got.Usage)
	}
	if !got.LastReconciledAt.Equal(at) {
		t.Errorf("expected lastReconciledAt %v, got %v", at, got.LastReconciledAt)
	}
}
