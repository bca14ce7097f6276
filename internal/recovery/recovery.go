// Package recovery implements startup reconciliation and the timeout
// sweeper for stuck COMPLETING sessions (spec.md §4.5). Grounded on
// original_source/services/charging_service.py's init_redis_data,
// startup_state_sync, check_and_recover_timeout_completing_sessions, and
// force_sync_engine_pile_states.
package recovery

import (
	"context"
	"log"
	"time"

	"github.com/aj9599/ev-dispatch/internal/billing"
	"github.com/aj9599/ev-dispatch/internal/cache"
	"github.com/aj9599/ev-dispatch/internal/engine"
	"github.com/aj9599/ev-dispatch/internal/model"
	"github.com/aj9599/ev-dispatch/internal/store"
)

// Recovery owns startup reconciliation and the periodic timeout sweep.
type Recovery struct {
	store  *store.Store
	cache  *cache.Cache
	engine *engine.Engine
	tariff billing.Tariff

	completingTimeout time.Duration
	sweepInterval     time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(st *store.Store, c *cache.Cache, eng *engine.Engine, tariff billing.Tariff, completingTimeout, sweepInterval time.Duration) *Recovery {
	return &Recovery{store: st, cache: c, engine: eng, tariff: tariff, completingTimeout: completingTimeout, sweepInterval: sweepInterval}
}

// Startup runs once at process start (spec.md §4.5): clears the
// non-durable station waiting lists (they never survive a restart),
// registers every persisted pile into the engine, and force-finalizes any
// session stuck in COMPLETING from a prior crash.
func (r *Recovery) Startup(ctx context.Context) error {
	log.Println("🔄 running startup reconciliation...")

	if err := r.cache.ClearWaiting(ctx); err != nil {
		return err
	}

	piles, err := r.store.LoadPiles(ctx)
	if err != nil {
		return err
	}
	for _, p := range piles {
		if p.Status == model.PileOffline {
			log.Printf("⚠️  pile %s is offline, not registering with the dispatch engine", p.ID)
			continue
		}
		// A pile persisted as BUSY did not survive the restart with its
		// in-flight request intact (the engine's queues are not durable),
		// so it comes back IDLE rather than wedged BUSY forever.
		status := p.Status
		if status == model.PileBusy || status == model.PilePaused {
			status = model.PileIdle
		}
		r.engine.RegisterPile(model.Pile{ID: p.ID, Type: p.Type, MaxKW: p.MaxKW, Status: status,
			LifetimeCount: p.LifetimeCount, LifetimeKWh: p.LifetimeKWh, LifetimeFees: p.LifetimeFees})
		_ = r.cache.SetPileStatus(ctx, p.ID, status, "")
	}

	if err := r.finalizeStaleCompleting(ctx, time.Time{}); err != nil {
		return err
	}
	log.Println("✅ startup reconciliation complete")
	return nil
}

// finalizeStaleCompleting force-completes every COMPLETING session whose
// start time is older than cutoff (zero cutoff means "all of them",
// matching startup's unconditional sweep).
func (r *Recovery) finalizeStaleCompleting(ctx context.Context, cutoff time.Time) error {
	sessions, err := r.store.ListSessionsByStatus(ctx, model.StatusCompleting)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if !cutoff.IsZero() && sess.HasStartTime && sess.StartTime.After(cutoff) {
			continue
		}
		r.forceComplete(ctx, sess)
	}
	return nil
}

func (r *Recovery) forceComplete(ctx context.Context, sess model.Session) {
	end := time.Now().UTC()
	start := sess.StartTime
	if !sess.HasStartTime {
		start = end
	}
	chargingFee, serviceFee, totalFee := billing.SegmentedFee(r.tariff, start, end, sess.ActualKWh)

	ok, err := r.store.Finalize(ctx, sess.ID, model.StatusCompleting, model.StatusCompleted,
		sess.ActualKWh, sess.DurationHours, chargingFee, serviceFee, totalFee, end, false)
	if err != nil {
		log.Printf("⚠️  force-complete finalize failed for %s: %v", sess.ID, err)
		return
	}
	if !ok {
		return
	}

	if sess.PileID != "" {
		if err := r.store.UpdatePileLifetimeStats(ctx, sess.PileID, sess.ActualKWh, totalFee); err != nil {
			log.Printf("⚠️  pile lifetime stats update failed during force-complete: %v", err)
		}
		r.engine.EndCharging(sess.PileID)
		_ = r.cache.SetPileStatus(ctx, sess.PileID, model.PileIdle, "")
	}
	_ = r.cache.DeleteSessionStatus(ctx, sess.ID)
	_ = r.cache.Unlock(ctx, cache.CompletingGuardKey(sess.ID))
	log.Printf("✅ force-completed stale session %s", sess.ID)
}

// Start launches the periodic timeout sweep under the distributed
// `timeout_check_lock` guard, so only one process instance runs it at a
// time.
func (r *Recovery) Start(ctx context.Context) {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop(ctx)
}

func (r *Recovery) loop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepTimeouts(ctx); err != nil {
				log.Printf("⚠️  timeout sweep failed: %v", err)
			}
		}
	}
}

// Stop signals the sweep loop to exit and waits up to timeout.
func (r *Recovery) Stop(timeout time.Duration) {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(timeout):
	}
}

// SweepTimeouts finds COMPLETING sessions that have sat past
// completingTimeout and force-completes them, guarded by a 15s NX+TTL
// lock so overlapping sweeps never double-process (spec.md §5).
func (r *Recovery) SweepTimeouts(ctx context.Context) error {
	won, err := r.cache.TryLock(ctx, cache.TimeoutCheckLockKey(), 15*time.Second)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	defer func() { _ = r.cache.Unlock(ctx, cache.TimeoutCheckLockKey()) }()

	cutoff := time.Now().UTC().Add(-r.completingTimeout)
	return r.finalizeStaleCompleting(ctx, cutoff)
}

// SyncPileStates reconciles the engine's view of pile occupancy against
// the store's CHARGING sessions, freeing any pile the engine thinks is
// BUSY but that no longer has a claiming session (spec.md §4.5).
func (r *Recovery) SyncPileStates(ctx context.Context) error {
	snapshot := r.engine.Snapshot()
	charging, err := r.store.ListSessionsByStatus(ctx, model.StatusCharging)
	if err != nil {
		return err
	}
	claimed := make(map[string]bool, len(charging))
	for _, sess := range charging {
		claimed[sess.PileID] = true
	}

	for id, p := range snapshot {
		switch {
		case p.Status == model.PileBusy && !claimed[id]:
			log.Printf("🔧 pile %s is BUSY in the engine with no claiming session, forcing idle", id)
			r.engine.EndCharging(id)
			_ = r.cache.SetPileStatus(ctx, id, model.PileIdle, "")
		case p.Status == model.PileIdle:
			_ = r.cache.SetPileStatus(ctx, id, model.PileIdle, "")
		}
	}
	return nil
}
