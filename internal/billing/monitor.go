package billing

import (
	"context"
	"log"
	"time"

	"github.com/aj9599/ev-dispatch/internal/apperr"
	"github.com/aj9599/ev-dispatch/internal/cache"
	"github.com/aj9599/ev-dispatch/internal/engine"
	"github.com/aj9599/ev-dispatch/internal/model"
	"github.com/aj9599/ev-dispatch/internal/store"
)

// EndChargingFunc signals the engine to end charging on a pile; the caller
// (the monitor) has already claimed the completion-once guard.
type EndChargingFunc func(pileID string)

// Monitor periodically scans CHARGING sessions, advances their progress,
// and claims the completion-once guard the moment a session reaches its
// requested energy (grounded on
// original_source/services/charging_service.py:507 monitor_charging_progress).
type Monitor struct {
	store  *store.Store
	cache  *cache.Cache
	engine *engine.Engine
	end    EndChargingFunc

	speedFactor float64
	interval    time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewMonitor(st *store.Store, c *cache.Cache, eng *engine.Engine, end EndChargingFunc, speedFactor float64, interval time.Duration) *Monitor {
	return &Monitor{store: st, cache: c, engine: eng, end: end, speedFactor: speedFactor, interval: interval}
}

// Start launches the periodic scan loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				log.Printf("⚠️  progress monitor tick failed: %v", err)
			}
		}
	}
}

// Stop signals the loop to exit and waits up to timeout.
func (m *Monitor) Stop(timeout time.Duration) {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-time.After(timeout):
	}
}

// Tick runs one scan pass synchronously; exported so tests can drive it
// deterministically without the ticker.
func (m *Monitor) Tick(ctx context.Context) error {
	sessions, err := m.store.ListSessionsByStatus(ctx, model.StatusCharging)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "list charging sessions", err)
	}

	for _, sess := range sessions {
		if !sess.HasStartTime {
			continue
		}
		pile, ok := m.engine.Pile(sess.PileID)
		if !ok {
			continue
		}

		elapsedHours := time.Since(sess.StartTime).Hours() * m.speedFactor
		if elapsedHours < 0 {
			elapsedHours = 0
		}
		potential := elapsedHours * pile.MaxKW
		actual := round4(potential)
		if actual > sess.RequestedKWh {
			actual = sess.RequestedKWh
		}

		if actual > sess.ActualKWh {
			if err := m.store.UpdateProgress(ctx, sess.ID, actual, round4(elapsedHours)); err != nil {
				log.Printf("⚠️  progress write failed for session %s: %v", sess.ID, err)
				continue
			}
			_ = m.cache.SetSessionStatus(ctx, sess.ID, map[string]interface{}{
				"actual_kwh":      actual,
				"duration_hours":  round4(elapsedHours),
			})
		}

		if actual >= sess.RequestedKWh {
			m.claimCompletion(ctx, sess, pile.ID)
		}
	}
	return nil
}

// claimCompletion takes the per-session completion-once guard (spec.md §5,
// 30s TTL) and, only on a genuine win, asks the engine to end charging.
// Losing the race is expected under concurrent ticks and is not an error.
func (m *Monitor) claimCompletion(ctx context.Context, sess model.Session, pileID string) {
	won, err := m.cache.TryLock(ctx, cache.CompletingGuardKey(sess.ID), 30*time.Second)
	if err != nil {
		log.Printf("⚠️  completion guard check failed for session %s: %v", sess.ID, err)
		return
	}
	if !won {
		return
	}

	ok, err := m.store.CompareAndSetStatus(ctx, sess.ID, model.StatusCharging, model.StatusCompleting)
	if err != nil || !ok {
		if err != nil {
			log.Printf("⚠️  mark-completing failed for session %s: %v", sess.ID, err)
		}
		return
	}

	log.Printf("✅ session %s reached requested energy, ending charging on pile %s", sess.ID, pileID)
	m.end(pileID)
}
