package spawn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmorrow/drover/internal/events"
	"github.com/kmorrow/drover/internal/gateway"
	"github.com/kmorrow/drover/internal/registry"
	"github.com/kmorrow/drover/pkg/models"
)

// fakeGateway is a scriptable gateway with a concurrency fence: it fails
// the test's expectations if two spawn calls ever overlap.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []gateway.Directive
	errs     []error // per-call errors, nil means success
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	handleN  atomic.Int32
}

func (f *fakeGateway) Spawn(ctx context.Context, d gateway.Directive) (string, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	// Hold the call open briefly so overlap would be observable.
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d)
	idx := len(f.calls) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	return "sess-" + string(rune('a'+f.handleN.Add(1)-1)), nil
}

func (f *fakeGateway) ListSessions(ctx context.Context) ([]gateway.SessionSnapshot, error) {
	return nil, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGateway) taskOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, d := range f.calls {
		out[i] = d.TaskID
	}
	return out
}

type nopRegistryStore struct{}

func (nopRegistryStore) SaveEntry(e *models.SessionEntry) error   { return nil }
func (nopRegistryStore) LoadAll() ([]models.SessionEntry, error) { return nil, nil }

func newTestQueue(gw gateway.Client, cfg Config) (*Queue, *registry.Registry) {
	reg := registry.New(nopRegistryStore{})
	return NewQueue(gw, reg, events.NewEmitter(64), cfg), reg
}

func fastConfig() Config {
	return Config{
		InterSpawnDelay: time.Millisecond,
		MaxRetries:      3,
		RetryBackoff:    time.Millisecond,
	}
}

func waitResult(t *testing.T, q *Queue) Result {
	t.Helper()
	select {
	case res := <-q.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for spawn result")
		return Result{}
	}
}

func TestQueueSpawnSuccessRegistersSession(t *testing.T) {
	gw := &fakeGateway{}
	q, reg := newTestQueue(gw, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(Request{
		CorrelationID: "corr-1",
		Role:          "backend",
		TaskID:        "t1",
		Directive:     gateway.Directive{Role: "backend", TaskID: "t1", Title: "do the thing"},
	})

	res := waitResult(t, q)
	if res.Err != nil {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Handle == "" {
		t.Fatal("expected a session handle")
	}

	entry, err := reg.Get(res.Handle)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if entry.State != models.SessionActive || entry.TaskID != "t1" || entry.CorrelationID != "corr-1" {
		t.Errorf("unexpected registry entry: %+v", entry)
	}
}

func TestQueueNeverOverlapsSpawnCalls(t *testing.T) {
	gw := &fakeGateway{}
	q, _ := newTestQueue(gw, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	for i := 0; i < 6; i++ {
		q.Enqueue(Request{
			CorrelationID: "corr",
			Role:          "backend",
			TaskID:        "t",
			Directive:     gateway.Directive{Role: "backend", TaskID: "t", Title: "x"},
		})
	}
	for i := 0; i < 6; i++ {
		waitResult(t, q)
	}

	if max := gw.maxSeen.Load(); max > 1 {
		t.Errorf("observed %d concurrent spawn calls, want at most 1", max)
	}
	if got := gw.callCount(); got != 6 {
		t.Errorf("expected 6 spawn calls, got %d", got)
	}
}

func TestQueueRejectedIsNotRetried(t *testing.T) {
	gw := &fakeGateway{errs: []error{gateway.ErrRejected}}
	q, _ := newTestQueue(gw, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(Request{
		CorrelationID: "corr-1",
		Role:          "backend",
		TaskID:        "t1",
		Directive:     gateway.Directive{Role: "backend", TaskID: "t1", Title: "x"},
	})

	res := waitResult(t, q)
	if !gateway.IsRejected(res.Err) {
		t.Fatalf("expected rejection, got %v", res.Err)
	}
	if res.Reason != "gateway_rejected" {
		t.Errorf("expected reason gateway_rejected, got %q", res.Reason)
	}

	// Give the loop a chance to misbehave, then confirm one call total.
	time.Sleep(20 * time.Millisecond)
	if got := gw.callCount(); got != 1 {
		t.Errorf("rejected directive retried: %d calls", got)
	}
}

func TestQueueRetriesUnavailableThenSucceeds(t *testing.T) {
	gw := &fakeGateway{errs: []error{gateway.ErrUnavailable, gateway.ErrUnavailable, nil}}
	q, _ := newTestQueue(gw, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(Request{
		CorrelationID: "corr-1",
		Role:          "backend",
		TaskID:        "t1",
		Directive:     gateway.Directive{Role: "backend", TaskID: "t1", Title: "x"},
	})

	res := waitResult(t, q)
	if res.Err != nil {
		t.Fatalf("expected eventual success, got %v", res.Err)
	}
	if res.Request.Attempt != 3 {
		t.Errorf("expected success on attempt 3, got %d", res.Request.Attempt)
	}
	if got := gw.callCount(); got != 3 {
		t.Errorf("expected 3 spawn calls, got %d", got)
	}
}

func TestQueueRetryExhaustionIsTerminal(t *testing.T) {
	gw := &fakeGateway{errs: []error{
		gateway.ErrUnavailable, gateway.ErrUnavailable, gateway.ErrUnavailable,
		gateway.ErrUnavailable, gateway.ErrUnavailable,
	}}
	q, _ := newTestQueue(gw, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(Request{
		CorrelationID: "corr-1",
		Role:          "backend",
		TaskID:        "t1",
		Directive:     gateway.Directive{Role: "backend", TaskID: "t1", Title: "x"},
	})

	res := waitResult(t, q)
	if !errors.Is(res.Err, gateway.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", res.Err)
	}
	if res.Reason != "retries_exhausted" {
		t.Errorf("expected reason retries_exhausted, got %q", res.Reason)
	}

	// MaxRetries is the total attempt budget; no further spawns happen
	// without an external requeue.
	time.Sleep(20 * time.Millisecond)
	if got := gw.callCount(); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
}

func TestQueueBackoffDoesNotHoldUpFreshRequests(t *testing.T) {
	gw := &fakeGateway{errs: []error{gateway.ErrUnavailable}}
	q, _ := newTestQueue(gw, Config{
		InterSpawnDelay: time.Millisecond,
		MaxRetries:      2,
		RetryBackoff:    200 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(Request{CorrelationID: "c1", Role: "backend", TaskID: "t1",
		Directive: gateway.Directive{Role: "backend", TaskID: "t1", Title: "flaky"}})

	// Wait for t1's first attempt to fail, then hand the queue fresh work
	// inside t1's backoff window.
	deadline := time.Now().Add(2 * time.Second)
	for gw.callCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Enqueue(Request{CorrelationID: "c2", Role: "qa", TaskID: "t2",
		Directive: gateway.Directive{Role: "qa", TaskID: "t2", Title: "fresh"}})

	first := waitResult(t, q)
	second := waitResult(t, q)

	if first.Request.TaskID != "t2" {
		t.Errorf("fresh request should finish before the backed-off retry, got %s first", first.Request.TaskID)
	}
	if second.Request.TaskID != "t1" || second.Request.Attempt != 2 {
		t.Errorf("expected t1 retry to finish second on attempt 2, got %+v", second.Request)
	}
	if order := gw.taskOrder(); len(order) != 3 || order[0] != "t1" || order[1] != "t2" || order[2] != "t1" {
		t.Errorf("spawn order = %v, want [t1 t2 t1]", order)
	}
}

func TestQueueFIFO(t *testing.T) {
	gw := &fakeGateway{}
	q, _ := newTestQueue(gw, fastConfig())

	q.Enqueue(Request{CorrelationID: "c1", Role: "backend", TaskID: "t1",
		Directive: gateway.Directive{Role: "backend", TaskID: "t1", Title: "first"}})
	q.Enqueue(Request{CorrelationID: "c2", Role: "qa", TaskID: "t2",
		Directive: gateway.Directive{Role: "qa", TaskID: "t2", Title: "second"}})

	if got := q.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	first := waitResult(t, q)
	second := waitResult(t, q)
	if first.Request.TaskID != "t1" || second.Request.TaskID != "t2" {
		t.Errorf("results out of order: %s then %s", first.Request.TaskID, second.Request.TaskID)
	}
}
