// Package dispatch contains the coordinator's decision engine. The
// dispatcher is the only component allowed to decide "dispatch now" or "not
// yet": it reacts to dispatchable-task signals, gates them against the
// session registry, and hands admitted tasks to the spawn queue.
package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kmorrow/drover/internal/events"
	"github.com/kmorrow/drover/internal/registry"
	"github.com/kmorrow/drover/internal/spawn"
	"github.com/kmorrow/drover/internal/taskstore"
	"github.com/kmorrow/drover/pkg/models"
)

// Config contains the dispatcher's tunables.
type Config struct {
	// MaxConcurrent is the global ceiling on active sessions across all
	// roles.
	MaxConcurrent int
}

// Dispatcher runs a single event loop over dispatchable signals and spawn
// results. Admission is deliberately greedy and local: one active session
// per role plus the global ceiling, nothing fancier. A role can only be
// busy with one task, so the next dispatchable task for it is picked up on
// the very next signal after the role frees.
type Dispatcher struct {
	reg     *registry.Registry
	store   taskstore.Store
	queue   *spawn.Queue
	emitter *events.Emitter
	builder *DirectiveBuilder
	cfg     Config

	signals <-chan taskstore.Signal

	// pendingByRole counts dispatches that are claimed and enqueued but
	// have no spawn result yet. The registry only learns about a session
	// once its spawn succeeds, so admission must count these too or a
	// burst of signals for one role would all pass the gates while the
	// first spawn is still in flight. Only touched on the Run goroutine.
	pendingByRole map[string]int
	pendingTotal  int
}

// New creates a Dispatcher.
func New(reg *registry.Registry, store taskstore.Store, queue *spawn.Queue, emitter *events.Emitter, builder *DirectiveBuilder, signals <-chan taskstore.Signal, cfg Config) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 4
	}
	if builder == nil {
		builder = NewDirectiveBuilder()
	}
	return &Dispatcher{
		reg:           reg,
		store:         store,
		queue:         queue,
		emitter:       emitter,
		builder:       builder,
		cfg:           cfg,
		signals:       signals,
		pendingByRole: make(map[string]int),
	}
}

// Run consumes signals and spawn results until ctx is canceled. All task
// and registry mutations driven by external events happen on this one
// goroutine; the registry's own locking covers the reconciler running
// beside it.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-d.signals:
			if !ok {
				return
			}
			d.handleSignal(ctx, sig)
		case res, ok := <-d.queue.Results():
			if !ok {
				return
			}
			d.handleResult(ctx, res)
		}
	}
}

// handleSignal applies the admission policy to one dispatchable task.
func (d *Dispatcher) handleSignal(ctx context.Context, sig taskstore.Signal) {
	if d.reg.IsRoleBusy(sig.Role) || d.pendingByRole[sig.Role] > 0 {
		debugLog("[dispatch] reject task %s: role %s busy", sig.TaskID, sig.Role)
		d.emitter.Emit(events.Event{
			Type:   events.EventDispatchAttempted,
			Role:   sig.Role,
			TaskID: sig.TaskID,
			Reason: "role_busy",
		})
		return
	}

	if active := d.reg.ActiveCount() + d.pendingTotal; active >= d.cfg.MaxConcurrent {
		debugLog("[dispatch] reject task %s: %d active or in-flight sessions at global ceiling %d", sig.TaskID, active, d.cfg.MaxConcurrent)
		d.emitter.Emit(events.Event{
			Type:   events.EventDispatchAttempted,
			Role:   sig.Role,
			TaskID: sig.TaskID,
			Reason: "at_global_ceiling",
		})
		return
	}

	// Claim before enqueueing: once the task leaves the queued lane a
	// duplicate signal is a no-op, and a failed claim means nothing was
	// handed to the gateway.
	if err := d.store.Claim(ctx, sig.TaskID); err != nil {
		if errors.Is(err, taskstore.ErrConflict) {
			debugLog("[dispatch] task %s already claimed, ignoring duplicate signal", sig.TaskID)
			return
		}
		log.Printf("[dispatch] claim task %s failed, will retry on next signal: %v", sig.TaskID, err)
		return
	}

	req := spawn.Request{
		CorrelationID: uuid.New().String(),
		Role:          sig.Role,
		TaskID:        sig.TaskID,
		Directive:     d.builder.Build(sig),
		Attempt:       1,
	}

	debugLog("[dispatch] admitted task %s for role %s (correlation %s)", sig.TaskID, sig.Role, req.CorrelationID)
	d.emitter.Emit(events.Event{
		Type:   events.EventDispatchAttempted,
		Role:   sig.Role,
		TaskID: sig.TaskID,
		Reason: "admitted",
	})
	d.pendingByRole[sig.Role]++
	d.pendingTotal++
	d.queue.Enqueue(req)
}

// release retires one pending dispatch for the role once its spawn result
// arrives. A successful spawn is already registered by then, so the
// registry takes over the counting exactly as the pending entry retires.
func (d *Dispatcher) release(role string) {
	if d.pendingByRole[role] > 0 {
		d.pendingByRole[role]--
		if d.pendingByRole[role] == 0 {
			delete(d.pendingByRole, role)
		}
	}
	if d.pendingTotal > 0 {
		d.pendingTotal--
	}
}

// handleResult reacts to one spawn outcome from the queue.
func (d *Dispatcher) handleResult(ctx context.Context, res spawn.Result) {
	d.release(res.Request.Role)

	if res.Err == nil {
		// The task is already claimed; nothing to change. The event is
		// purely for observability.
		debugLog("[dispatch] task %s running as session %s", res.Request.TaskID, res.Handle)
		d.emitter.Emit(events.Event{
			Type:          events.EventDispatchSucceeded,
			Role:          res.Request.Role,
			TaskID:        res.Request.TaskID,
			SessionHandle: res.Handle,
		})
		return
	}

	log.Printf("[dispatch] task %s failed terminally (%s): %v", res.Request.TaskID, res.Reason, res.Err)
	if err := d.store.Block(ctx, res.Request.TaskID, res.Reason); err != nil {
		// The block itself failed; the task stays claimed and a human
		// will find it via status. Surface loudly.
		log.Printf("[dispatch] SEVERE: block task %s: %v", res.Request.TaskID, err)
	}
	d.emitter.Emit(events.Event{
		Type:   events.EventDispatchBlocked,
		Role:   res.Request.Role,
		TaskID: res.Request.TaskID,
		Reason: res.Reason,
	})
}

// ReportComplete accepts an explicit external completion report for a
// session. It may be called from any goroutine at any time; the registry's
// first-terminal-write rule resolves races with orphan detection, so a
// report that arrives first always wins and one that arrives after an
// orphan classification never resurrects the session.
func (d *Dispatcher) ReportComplete(handle string) {
	now := time.Now()

	changed, err := d.reg.MarkTerminal(handle, models.SessionCompleted, now)
	if err != nil {
		log.Printf("[dispatch] completion report for %s not applied: %v", handle, err)
		return
	}
	if !changed {
		return
	}

	entry, getErr := d.reg.Get(handle)
	if getErr != nil {
		entry = models.SessionEntry{Handle: handle}
	}

	debugLog("[dispatch] session %s reported complete", handle)
	d.emitter.Emit(events.Event{
		Type:          events.EventSessionCompleted,
		Role:          entry.Role,
		TaskID:        entry.TaskID,
		SessionHandle: handle,
		Timestamp:     now,
	})
}
