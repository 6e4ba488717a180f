// Package reconcile cross-references the session registry against the
// gateway's reported state. The gateway never pushes completion, so this
// periodic sweep is how the coordinator learns that a session ended without
// an explicit report.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/kmorrow/drover/internal/events"
	"github.com/kmorrow/drover/internal/gateway"
	"github.com/kmorrow/drover/internal/registry"
	"github.com/kmorrow/drover/pkg/models"
)

// Config contains the reconciler's tunables. These are configuration, not
// constants: the right values depend on how much the gateway lags.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// MissThreshold is the number of consecutive successful sweeps an
	// active session must be absent from before it is classified as an
	// orphan. A single miss can be gateway lag; the default is 2.
	MissThreshold int
	// StuckAfter is how long a session may stay active, even while still
	// reported live, before a stuck-session warning is emitted.
	StuckAfter time.Duration
}

// Reconciler runs the periodic sweep. It is the only component allowed to
// classify a silently vanished session, and it classifies it as failed: the
// coordinator cannot tell "finished but never reported" from "crashed", so
// disappearance without a signal is conservatively treated as failure. An
// explicit completion report that lands first wins via the registry's
// first-terminal-write rule.
type Reconciler struct {
	gw      gateway.Client
	reg     *registry.Registry
	emitter *events.Emitter
	cfg     Config

	// misses counts consecutive sweeps each active handle was absent from.
	// Only touched by the sweep loop.
	misses map[string]int
	// warned tracks sessions that already produced a stuck warning.
	warned map[string]bool
}

// New creates a Reconciler.
func New(gw gateway.Client, reg *registry.Registry, emitter *events.Emitter, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MissThreshold < 1 {
		cfg.MissThreshold = 2
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 15 * time.Minute
	}
	return &Reconciler{
		gw:      gw,
		reg:     reg,
		emitter: emitter,
		cfg:     cfg,
		misses:  make(map[string]int),
		warned:  make(map[string]bool),
	}
}

// Run sweeps on a fixed interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep performs one reconciliation cycle.
func (r *Reconciler) sweep(ctx context.Context) {
	snapshots, err := r.gw.ListSessions(ctx)
	if err != nil {
		// No answer means unknown, not "all sessions gone". Skip the
		// whole cycle; speculative terminal writes on a failed poll are
		// exactly the bug this guard prevents.
		log.Printf("[reconcile] list sessions failed, skipping cycle: %v", err)
		return
	}

	now := time.Now()

	live := make(map[string]gateway.SessionSnapshot, len(snapshots))
	for _, s := range snapshots {
		live[s.Handle] = s
	}

	active := r.reg.ListActive()
	for _, entry := range active {
		snap, ok := live[entry.Handle]
		if ok {
			delete(r.misses, entry.Handle)
			if err := r.reg.RefreshUsage(entry.Handle, snap.Usage, now); err != nil {
				log.Printf("[reconcile] refresh usage for %s: %v", entry.Handle, err)
			}
			r.checkStuck(entry, now)
			continue
		}

		r.misses[entry.Handle]++
		if r.misses[entry.Handle] < r.cfg.MissThreshold {
			log.Printf("[reconcile] session %s absent from listing (%d/%d misses)",
				entry.Handle, r.misses[entry.Handle], r.cfg.MissThreshold)
			continue
		}

		r.orphan(entry, now)
	}

	// Forget bookkeeping for handles that are no longer active.
	activeSet := make(map[string]bool, len(active))
	for _, entry := range active {
		activeSet[entry.Handle] = true
	}
	for handle := range r.misses {
		if !activeSet[handle] {
			delete(r.misses, handle)
		}
	}
	for handle := range r.warned {
		if !activeSet[handle] {
			delete(r.warned, handle)
		}
	}
}

// orphan marks a vanished session failed and emits exactly one
// orphan-detected event for it.
func (r *Reconciler) orphan(entry models.SessionEntry, now time.Time) {
	delete(r.misses, entry.Handle)
	delete(r.warned, entry.Handle)

	changed, err := r.reg.MarkTerminal(entry.Handle, models.SessionFailed, now)
	if err != nil {
		// A completion report raced us and won. That is the designed
		// outcome, not a problem.
		log.Printf("[reconcile] session %s already terminal: %v", entry.Handle, err)
		return
	}
	if !changed {
		return
	}

	log.Printf("[reconcile] session %s for task %s vanished without a report, marked failed",
		entry.Handle, entry.TaskID)
	r.emitter.Emit(events.Event{
		Type:          events.EventOrphanDetected,
		Role:          entry.Role,
		TaskID:        entry.TaskID,
		SessionHandle: entry.Handle,
		Reason:        "absent_from_gateway",
		Timestamp:     now,
	})
}

// checkStuck emits a one-time informational warning for sessions running
// past the stuck threshold. State is never altered here.
func (r *Reconciler) checkStuck(entry models.SessionEntry, now time.Time) {
	if r.warned[entry.Handle] {
		return
	}
	if now.Sub(entry.SpawnedAt) < r.cfg.StuckAfter {
		return
	}

	r.warned[entry.Handle] = true
	log.Printf("[reconcile] session %s for task %s still running after %s",
		entry.Handle, entry.TaskID, now.Sub(entry.SpawnedAt).Round(time.Second))
	r.emitter.Emit(events.Event{
		Type:          events.EventStuckSession,
		Role:          entry.Role,
		TaskID:        entry.TaskID,
		SessionHandle: entry.Handle,
		Reason:        "exceeded_stuck_threshold",
		Timestamp:     now,
	})
}
