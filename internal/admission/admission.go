// Package admission implements station admission (spec.md §4.3): the
// capacity-checked entry into per-mode waiting lists, and the promoter
// that moves exactly one waiting request per mode per tick into the
// engine's typed queue. Grounded on
// original_source/services/charging_service.py:254 submit_charging_request
// (capacity check + rpush) and :347 process_station_waiting_area_to_engine
// (lpop + status re-check + enqueue).
package admission

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

// PromotedFunc is invoked after a request is successfully handed to the
// engine, so the orchestrator can fire its own notifications.
type PromotedFunc func(sess model.Session, queueNo string)

// Admission owns the station waiting area: admission capacity checks and
// the promotion loop that drains it into the engine.
type Admission struct {
	cache  *cache.Cache
	store  *store.Store
	engine *engine.Engine
	onPromoted PromotedFunc

	capacity int
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(c *cache.Cache, st *store.Store, eng *engine.Engine, capacity int, interval time.Duration, onPromoted PromotedFunc) *Admission {
	return &Admission{cache: c, store: st, engine: eng, capacity: capacity, interval: interval, onPromoted: onPromoted}
}

// Submit admits a new request into the station waiting area, rejecting it
// if the combined waiting lists are already at capacity (spec.md §4.3
// invariant). The session row must already exist in STATION_WAITING.
func (a *Admission) Submit(ctx context.Context, sess model.Session) error {
	n, err := a.cache.CombinedWaitingLen(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "check waiting area capacity", err)
	}
	if int(n) >= a.capacity {
		return apperr.Admissionf("waiting area is at capacity (%d)", a.capacity)
	}

	entry := model.StationWaitingEntry{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		Mode:         sess.Mode,
		RequestedKWh: sess.RequestedKWh,
		CreatedAt:    sess.CreatedAt,
	}
	if err := a.cache.PushWaiting(ctx, entry); err != nil {
		return apperr.Wrap(apperr.Transient, "push to waiting area", err)
	}
	if err := a.cache.SetSessionStatus(ctx, sess.ID, map[string]interface{}{
		"status":        string(model.StatusStationWaiting),
		"user_id":       sess.UserID,
		"mode":          string(sess.Mode),
		"requested_kwh": sess.RequestedKWh,
		"queue_number":  "",
	}); err != nil {
		return apperr.Wrap(apperr.Transient, "write session status cache", err)
	}
	return nil
}

// Start launches the periodic promotion loop.
func (a *Admission) Start(ctx context.Context) {
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.loop(ctx)
}

func (a *Admission) loop(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits up to timeout.
func (a *Admission) Stop(timeout time.Duration) {
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	select {
	case <-a.doneCh:
	case <-time.After(timeout):
	}
}

// Tick promotes exactly one waiting request per mode, if present, matching
// the original's "one lpop per mode per pass" shape rather than draining
// a whole list in one tick.
func (a *Admission) Tick(ctx context.Context) {
	for _, mode := range []model.PileType{model.PileFast, model.PileTrickle} {
		if err := a.promoteOne(ctx, mode); err != nil {
			log.Printf("⚠️  admission promotion failed for mode %s: %v", mode, err)
		}
	}
}

func (a *Admission) promoteOne(ctx context.Context, mode model.PileType) error {
	entry, ok, err := a.cache.PopWaiting(ctx, mode)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "pop waiting entry", err)
	}
	if !ok {
		return nil
	}

	sess, found, err := a.store.GetSession(ctx, entry.SessionID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "load session for promotion", err)
	}
	if !found || sess.Status != model.StatusStationWaiting {
		// Session was cancelled or otherwise moved on while waiting;
		// this is expected under concurrent cancellation, not an error.
		return nil
	}

	queueNo := a.engine.GenerateQueueNumber(mode)
	a.engine.Enqueue(model.ChargeRequest{
		ReqID:       sess.ID,
		QueueNo:     queueNo,
		UserID:      sess.UserID,
		PileType:    mode,
		KWh:         sess.RequestedKWh,
		GeneratedAt: sess.CreatedAt,
	})

	ok, err = a.store.CompareAndSetStatus(ctx, sess.ID, model.StatusStationWaiting, model.StatusEngineQueued)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "mark session engine-queued", err)
	}
	if !ok {
		return nil
	}
	sess.Status = model.StatusEngineQueued
	sess.QueueNumber = queueNo

	if err := a.cache.SetSessionStatus(ctx, sess.ID, map[string]interface{}{
		"status":       string(model.StatusEngineQueued),
		"queue_number": queueNo,
	}); err != nil {
		log.Printf("⚠️  session status cache write failed for %s: %v", sess.ID, err)
	}

	if a.onPromoted != nil {
		a.onPromoted(sess, queueNo)
	}
	return nil
}
