// Package engine implements the in-memory dispatch engine (spec.md §4.1):
// typed FIFO queues, a pile registry, and a shortest-finish-time assignment
// loop, all guarded by one coarse lock. The engine never touches the
// durable store or the cache; it only emits events for the orchestrator
// to react to.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aj9599/ev-dispatch/internal/apperr"
	"github.com/aj9599/ev-dispatch/internal/model"
)

const eventBufferCapacity = 100

// Clock abstracts time.Now so tests can run with a virtual clock without
// sleeping real seconds; production code uses realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Engine owns the pile registry and typed queues under a single lock, per
// spec.md §4.1 and §9 ("Coarse engine lock vs per-pile locks").
type Engine struct {
	mu     sync.Mutex
	clock  Clock
	piles  map[string]*model.Pile
	queues map[model.PileType][]model.ChargeRequest

	counters map[counterKey]int

	events    []model.Event
	eventSeq  uint64

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

type counterKey struct {
	date string
	kind model.PileType
}

// New creates an engine with the given dispatch loop interval.
func New(interval time.Duration) *Engine {
	return &Engine{
		clock:    realClock{},
		piles:    make(map[string]*model.Pile),
		queues:   map[model.PileType][]model.ChargeRequest{model.PileFast: nil, model.PileTrickle: nil},
		counters: make(map[counterKey]int),
		interval: interval,
	}
}

// SetClock overrides the engine's clock; used by tests only.
func (e *Engine) SetClock(c Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = c
}

// GenerateQueueNumber returns the next unique queue number for a pile type,
// of the form <L><YYYYMMDD><NNNNNN> (spec.md §6).
func (e *Engine) GenerateQueueNumber(pt model.PileType) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generateQueueNumberLocked(pt)
}

func (e *Engine) generateQueueNumberLocked(pt model.PileType) string {
	date := e.clock.Now().Format("20060102")
	key := counterKey{date: date, kind: pt}
	e.counters[key]++
	return fmt.Sprintf("%s%s%06d", pt.TypeLetter(), date, e.counters[key])
}

// RegisterPile adds a pile to the registry. Re-registering the same id
// silently replaces it (deterministic, last-write-wins).
func (e *Engine) RegisterPile(p model.Pile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := p
	e.piles[p.ID] = &cp
}

// Enqueue appends req to its typed queue and emits a queue_update event.
func (e *Engine) Enqueue(req model.ChargeRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[req.PileType] = append(e.queues[req.PileType], req)
	e.pushEventLocked(model.EventQueueUpdate, model.QueueUpdatePayload{PileType: req.PileType})
}

// PeekWaiting returns a read-only snapshot of the head of a typed queue.
// n <= 0 returns the whole queue.
func (e *Engine) PeekWaiting(pt model.PileType, n int) []model.ChargeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[pt]
	if n <= 0 || n > len(q) {
		n = len(q)
	}
	out := make([]model.ChargeRequest, n)
	copy(out, q[:n])
	return out
}

// QueuePosition returns the 1-based position of reqID in its typed queue,
// or 0 if not present. Supplements spec.md's "Query user status" operation
// with the position info the original system surfaced (SPEC_FULL.md §4).
func (e *Engine) QueuePosition(pt model.PileType, reqID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.queues[pt] {
		if r.ReqID == reqID {
			return i + 1
		}
	}
	return 0
}

// Snapshot returns a point-in-time copy of all registered piles, keyed by id.
func (e *Engine) Snapshot() map[string]model.Pile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]model.Pile, len(e.piles))
	for id, p := range e.piles {
		out[id] = p.Clone()
	}
	return out
}

// Pile returns a copy of a single pile, or false if unknown.
func (e *Engine) Pile(id string) (model.Pile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.piles[id]
	if !ok {
		return model.Pile{}, false
	}
	return p.Clone(), true
}

func (e *Engine) pushEventLocked(t model.EventType, payload interface{}) {
	e.eventSeq++
	ev := model.Event{Seq: e.eventSeq, Type: t, Payload: payload}
	e.events = append(e.events, ev)
	if len(e.events) > eventBufferCapacity {
		e.events = e.events[len(e.events)-eventBufferCapacity:]
	}
}

// PopEvents drains and returns the event buffer in FIFO order.
func (e *Engine) PopEvents() []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return nil
	}
	out := e.events
	e.events = nil
	return out
}

// eta computes the shortest-finish-time cost function from spec.md §4.1.
// Only IDLE piles are passed in, so the max(0, ...) term is always zero;
// the formula keeps that term so a future extension (queued-under-pile
// assignment) can reuse the same cost function unchanged.
func eta(p model.Pile, req model.ChargeRequest, now time.Time) float64 {
	var remaining float64
	if p.HasEstimate {
		if d := p.EstimatedEnd.Sub(now).Seconds(); d > 0 {
			remaining = d
		}
	}
	thisJob := req.KWh / p.MaxKW * 3600
	return remaining + thisJob
}

// AssignNext runs the shortest-finish-time algorithm for one pile type and,
// on success, atomically binds the head request to the winning idle pile.
func (e *Engine) AssignNext(pt model.PileType) (*model.DispatchResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queues[pt]
	if len(q) == 0 {
		return nil, false
	}
	req := q[0]

	var candidates []*model.Pile
	for _, p := range e.piles {
		if p.Type == pt && p.Status == model.PileIdle {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	now := e.clock.Now()
	sort.Slice(candidates, func(i, j int) bool {
		ei, ej := eta(*candidates[i], req, now), eta(*candidates[j], req, now)
		if ei != ej {
			return ei < ej
		}
		return candidates[i].ID < candidates[j].ID
	})
	chosen := candidates[0]

	e.queues[pt] = q[1:]

	finish := now.Add(time.Duration(req.KWh / chosen.MaxKW * float64(time.Hour)))
	chosen.Status = model.PileBusy
	chosen.CurrentReqID = req.ReqID
	chosen.EstimatedEnd = finish
	chosen.HasEstimate = true

	result := &model.DispatchResult{
		ReqID:        req.ReqID,
		PileID:       chosen.ID,
		QueueNo:      req.QueueNo,
		StartTime:    now,
		EstimatedEnd: finish,
	}
	e.pushEventLocked(model.EventDispatch, model.DispatchPayload{
		ReqID: result.ReqID, PileID: result.PileID, QueueNo: result.QueueNo,
		StartTime: result.StartTime, EstimatedEnd: result.EstimatedEnd,
	})
	return result, true
}

// MarkFault transitions a pile to FAULT. If it was BUSY, the in-flight
// request is rebuilt with a fresh queue number and re-enqueued at the tail
// of its typed queue (spec.md §4.1 "Fault semantics"); remainingKWh lets
// the caller decide whether the re-enqueued job should still draw energy.
func (e *Engine) MarkFault(pileID string, remainingKWh float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.piles[pileID]
	if !ok {
		return apperr.Validationf("unknown pile %q", pileID)
	}

	wasBusy := p.Status == model.PileBusy
	reqID := p.CurrentReqID
	userID := ""
	ptype := p.Type

	p.Status = model.PileFault
	p.CurrentReqID = ""
	p.HasEstimate = false
	e.pushEventLocked(model.EventPileFault, model.PileFaultPayload{PileID: pileID})

	if wasBusy && reqID != "" {
		newReq := model.ChargeRequest{
			ReqID:       reqID,
			QueueNo:     e.generateQueueNumberLocked(ptype),
			UserID:      userID,
			PileType:    ptype,
			KWh:         remainingKWh,
			GeneratedAt: e.clock.Now(),
		}
		e.queues[ptype] = append(e.queues[ptype], newReq)
	}
	return nil
}

// RecoverPile transitions a pile back to IDLE.
func (e *Engine) RecoverPile(pileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.piles[pileID]
	if !ok {
		return apperr.Validationf("unknown pile %q", pileID)
	}
	p.Status = model.PileIdle
	p.CurrentReqID = ""
	p.HasEstimate = false
	e.pushEventLocked(model.EventPileRecover, model.PileRecoverPayload{PileID: pileID})
	return nil
}

// Pause transitions a BUSY pile to PAUSED.
func (e *Engine) Pause(pileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.piles[pileID]
	if !ok {
		return apperr.Validationf("unknown pile %q", pileID)
	}
	if p.Status != model.PileBusy {
		return apperr.New(apperr.Inconsistency, "pile not BUSY")
	}
	p.Status = model.PilePaused
	e.pushEventLocked(model.EventChargingPaused, model.ChargingPausedPayload{PileID: pileID})
	return nil
}

// EndCharging transitions a BUSY/PAUSED pile back to IDLE, clearing its
// current request, and emits charging_end carrying the cleared req id. A
// pile that isn't active is a no-op (idempotent replay safety, spec §8).
func (e *Engine) EndCharging(pileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.piles[pileID]
	if !ok {
		return
	}
	if p.Status != model.PileBusy && p.Status != model.PilePaused {
		return
	}
	reqID := p.CurrentReqID
	p.Status = model.PileIdle
	p.CurrentReqID = ""
	p.HasEstimate = false
	e.pushEventLocked(model.EventChargingEnd, model.ChargingEndPayload{ReqID: reqID, PileID: pileID})
}

// Offline administratively takes a pile out of service, clearing any
// current request without re-enqueuing it (unlike MarkFault, this is an
// operator action on a healthy pile, not a hardware failure).
func (e *Engine) Offline(pileID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.piles[pileID]
	if !ok {
		return apperr.Validationf("unknown pile %q", pileID)
	}
	p.Status = model.PileOffline
	p.CurrentReqID = ""
	p.HasEstimate = false
	return nil
}

// StartLoop starts the dispatch loop's worker goroutine. Idempotent.
func (e *Engine) StartLoop() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	interval := e.interval
	e.mu.Unlock()

	go e.loop(interval)
}

func (e *Engine) loop(interval time.Duration) {
	defer close(e.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			for _, pt := range []model.PileType{model.PileFast, model.PileTrickle} {
				e.AssignNext(pt)
			}
		}
	}
}

// StopLoop signals the dispatch loop to stop and waits up to timeout for
// it to exit.
func (e *Engine) StopLoop(timeout time.Duration) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	done := e.doneCh
	e.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Tick runs one assignment pass synchronously for both pile types; used by
// tests that want deterministic control over dispatch without the ticker.
func (e *Engine) Tick() {
	for _, pt := range []model.PileType{model.PileFast, model.PileTrickle} {
		e.AssignNext(pt)
	}
}
