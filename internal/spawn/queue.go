// Package spawn serializes gateway spawn calls. Many dispatch decisions can
// land at once; this queue guarantees the gateway only ever sees one spawn
// in flight, with a minimum delay between calls.
package spawn

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kmorrow/drover/internal/events"
	"github.com/kmorrow/drover/internal/gateway"
	"github.com/kmorrow/drover/internal/registry"
	"github.com/kmorrow/drover/pkg/models"
)

// Request is one pending spawn. Attempt is 1-based; a request re-enqueued
// after a transient failure keeps its correlation ID.
type Request struct {
	CorrelationID string
	Role          string
	TaskID        string
	Directive     gateway.Directive
	Attempt       int
}

// Result is reported for every request that leaves the queue, either with a
// registered session handle or with a terminal failure reason.
type Result struct {
	Request Request
	Handle  string
	Err     error
	// Reason is a machine-readable failure reason for terminal failures.
	Reason string
}

// Config contains the queue's tunables.
type Config struct {
	// InterSpawnDelay is the minimum pause between consecutive spawn calls.
	InterSpawnDelay time.Duration
	// MaxRetries is the number of attempts before a transient failure
	// becomes terminal.
	MaxRetries int
	// RetryBackoff is the base delay before a retried request runs again.
	// The delay grows linearly with the attempt number.
	RetryBackoff time.Duration
}

// Queue is a multiple-producer, single-consumer spawn pipeline. Enqueue
// never blocks; the worker loop started by Run is the only place a gateway
// spawn call happens.
type Queue struct {
	gw      gateway.Client
	reg     *registry.Registry
	emitter *events.Emitter
	cfg     Config

	mu      sync.Mutex
	pending []Request
	wake    chan struct{}

	results chan Result
}

// NewQueue creates a spawn queue. Results must be drained by exactly one
// consumer (the dispatcher).
func NewQueue(gw gateway.Client, reg *registry.Registry, emitter *events.Emitter, cfg Config) *Queue {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.InterSpawnDelay <= 0 {
		cfg.InterSpawnDelay = 3 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	return &Queue{
		gw:      gw,
		reg:     reg,
		emitter: emitter,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		results: make(chan Result, 64),
	}
}

// Enqueue appends a request to the tail of the queue and returns
// immediately. The queue is unbounded; admission control happens earlier,
// at the dispatcher.
func (q *Queue) Enqueue(req Request) {
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	depth := len(q.pending)
	q.mu.Unlock()

	log.Printf("[spawn] enqueued task %s for role %s (attempt %d, depth %d)", req.TaskID, req.Role, req.Attempt, depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Results returns the channel of spawn outcomes.
func (q *Queue) Results() <-chan Result {
	return q.results
}

// Depth returns the number of requests waiting in the queue.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains the queue until ctx is canceled. It is the single
// serialization point for gateway spawn calls: no two spawns ever overlap,
// and consecutive spawns are separated by at least InterSpawnDelay.
func (q *Queue) Run(ctx context.Context) {
	for {
		req, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		q.process(ctx, req)

		if !sleep(ctx, q.cfg.InterSpawnDelay) {
			return
		}
	}
}

// pop removes and returns the head of the queue.
func (q *Queue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Request{}, false
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	return req, true
}

// process runs one spawn attempt and either registers the session, retries,
// or reports a terminal failure.
func (q *Queue) process(ctx context.Context, req Request) {
	handle, err := q.gw.Spawn(ctx, req.Directive)
	if err == nil {
		q.register(req, handle)
		return
	}

	if gateway.IsRejected(err) {
		// A rejected directive stays rejected; retrying it is pointless.
		log.Printf("[spawn] gateway rejected directive for task %s: %v", req.TaskID, err)
		q.report(Result{Request: req, Err: err, Reason: "gateway_rejected"})
		return
	}

	// Everything else is treated as transient, including errors the
	// gateway client could not classify.
	if req.Attempt < q.cfg.MaxRetries {
		retry := req
		retry.Attempt++
		backoff := q.cfg.RetryBackoff * time.Duration(req.Attempt)
		log.Printf("[spawn] gateway unavailable for task %s (attempt %d/%d), retrying in %s: %v",
			req.TaskID, req.Attempt, q.cfg.MaxRetries, backoff, err)
		q.emitter.Emit(events.Event{
			Type:   events.EventSpawnRetry,
			Role:   req.Role,
			TaskID: req.TaskID,
			Reason: err.Error(),
		})
		// Re-enqueue at the tail once the backoff elapses. Requests that
		// arrive in the meantime run first instead of waiting behind it.
		go func() {
			if sleep(ctx, backoff) {
				q.Enqueue(retry)
			}
		}()
		return
	}

	log.Printf("[spawn] task %s exhausted %d attempts: %v", req.TaskID, req.Attempt, err)
	q.report(Result{Request: req, Err: err, Reason: "retries_exhausted"})
}

// register records the freshly spawned session in the registry and reports
// success.
func (q *Queue) register(req Request, handle string) {
	now := time.Now()
	entry := models.SessionEntry{
		Handle:        handle,
		CorrelationID: req.CorrelationID,
		Role:          req.Role,
		TaskID:        req.TaskID,
		TaskTitle:     req.Directive.Title,
		TaskPriority:  req.Directive.Priority,
		TaskTag:       req.Directive.Tag,
		SpawnedAt:     now,
		State:         models.SessionActive,
	}

	if err := q.reg.Register(entry); err != nil {
		// A duplicate handle means the gateway reused an identifier we
		// still track. The session is running either way, so surface the
		// anomaly loudly but do not fail the dispatch.
		log.Printf("[spawn] SEVERE: register session %s for task %s: %v", handle, req.TaskID, err)
	}

	q.report(Result{Request: req, Handle: handle})
}

// report delivers a result to the dispatcher without wedging the worker if
// the consumer is gone.
func (q *Queue) report(res Result) {
	select {
	case q.results <- res:
	case <-time.After(5 * time.Second):
		log.Printf("[spawn] WARNING: result channel full, dropping result for task %s", res.Request.TaskID)
	}
}

// sleep waits for d unless ctx is canceled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
