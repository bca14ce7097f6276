// Package model holds the data types shared across the dispatch core:
// piles, charge requests, sessions, and the station waiting entries that
// precede them.
package model

import "time"

// PileType identifies the charging mode a pile serves.
type PileType string

const (
	PileFast    PileType = "FAST"
	PileTrickle PileType = "TRICKLE"
)

// TypeLetter returns the single-letter code used in queue numbers.
func (t PileType) TypeLetter() string {
	if t == PileFast {
		return "F"
	}
	return "T"
}

// PileStatus is the operational status of a physical charging pile.
type PileStatus string

const (
	PileIdle    PileStatus = "IDLE"
	PileBusy    PileStatus = "BUSY"
	PileFault   PileStatus = "FAULT"
	PilePaused  PileStatus = "PAUSED"
	PileOffline PileStatus = "OFFLINE"
)

// Pile is a physical charging point owned by the dispatch engine.
type Pile struct {
	ID            string
	Type          PileType
	MaxKW         float64
	Status        PileStatus
	CurrentReqID  string // empty unless Status is BUSY or PAUSED
	EstimatedEnd  time.Time
	HasEstimate   bool
	LifetimeCount int
	LifetimeKWh   float64
	LifetimeFees  float64
}

// Clone returns a value copy safe to hand to callers outside the engine lock.
func (p Pile) Clone() Pile { return p }

// ChargeRequest is an immutable unit of work in the engine's typed queues.
type ChargeRequest struct {
	ReqID       string // session id
	QueueNo     string
	UserID      string
	PileType    PileType
	KWh         float64
	GeneratedAt time.Time
}

// DispatchResult is returned by the assignment algorithm on a successful bind.
type DispatchResult struct {
	ReqID        string
	PileID       string
	QueueNo      string
	StartTime    time.Time
	EstimatedEnd time.Time
}

// SessionStatus is the sum type driving the session state machine (spec §3).
type SessionStatus string

const (
	StatusStationWaiting           SessionStatus = "STATION_WAITING"
	StatusEngineQueued             SessionStatus = "ENGINE_QUEUED"
	StatusCancellingAfterDispatch  SessionStatus = "CANCELLING_AFTER_DISPATCH"
	StatusCharging                 SessionStatus = "CHARGING"
	StatusCompleting               SessionStatus = "COMPLETING"
	StatusCompleted                SessionStatus = "COMPLETED"
	StatusCancelled                SessionStatus = "CANCELLED"
	StatusFaultCompleted           SessionStatus = "FAULT_COMPLETED"
)

// Terminal reports whether status is one that never mutates again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFaultCompleted:
		return true
	default:
		return false
	}
}

// Session is the durable record owned by the orchestrator (spec §3, §4.2).
type Session struct {
	ID             string
	UserID         string
	PileID         string // empty when unassigned
	QueueNumber    string // empty until promotion
	Mode           PileType
	RequestedKWh   float64
	ActualKWh      float64
	DurationHours  float64
	StartTime      time.Time
	HasStartTime   bool
	EndTime        time.Time
	HasEndTime     bool
	Status         SessionStatus
	ChargingFee    float64
	ServiceFee     float64
	TotalFee       float64
	CreatedAt      time.Time
}

// StationWaitingEntry is a lightweight record held in the per-mode waiting lists.
type StationWaitingEntry struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Mode         PileType  `json:"mode"`
	RequestedKWh float64   `json:"requested_kwh"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event is the engine's internal notification envelope, drained by the orchestrator.
type EventType string

const (
	EventQueueUpdate     EventType = "queue_update"
	EventDispatch        EventType = "dispatch"
	EventPileFault       EventType = "pile_fault"
	EventPileRecover     EventType = "pile_recover"
	EventChargingPaused  EventType = "charging_paused"
	EventChargingEnd     EventType = "charging_end"
)

// Event carries a typed payload produced under the engine lock with a
// monotonically increasing sequence number, so the orchestrator can drain
// and process strictly in production order.
type Event struct {
	Seq     uint64
	Type    EventType
	Payload interface{}
}

// DispatchPayload is the payload of an EventDispatch event.
type DispatchPayload struct {
	ReqID        string
	PileID       string
	QueueNo      string
	StartTime    time.Time
	EstimatedEnd time.Time
}

// ChargingEndPayload is the payload of an EventChargingEnd event. ReqID may
// be empty when the engine could only identify the pile (pile-initiated end).
type ChargingEndPayload struct {
	ReqID  string
	PileID string
}

// PileFaultPayload is the payload of an EventPileFault event.
type PileFaultPayload struct {
	PileID string
}

// PileRecoverPayload is the payload of an EventPileRecover event.
type PileRecoverPayload struct {
	PileID string
}

// ChargingPausedPayload is the payload of an EventChargingPaused event.
type ChargingPausedPayload struct {
	PileID string
}

// QueueUpdatePayload is the payload of an EventQueueUpdate event.
type QueueUpdatePayload struct {
	PileType PileType
}

// OutboundEventType enumerates the notifier-facing event types of spec §6.
type OutboundEventType string

const (
	OutRequestSubmittedStation  OutboundEventType = "request_submitted_station"
	OutRequestQueuedEngine      OutboundEventType = "request_queued_engine"
	OutChargingStarted          OutboundEventType = "charging_started"
	OutChargingEnded            OutboundEventType = "charging_ended"
	OutChargingPaused           OutboundEventType = "charging_paused"
	OutSessionFaultStopped      OutboundEventType = "session_fault_stopped"
	OutRequestCancelled         OutboundEventType = "request_cancelled"
	OutChargingCompletedRecover OutboundEventType = "charging_completed_recovery"
	OutStatusUpdate             OutboundEventType = "status_update"
)

// OutboundEvent is the envelope published to the external notifier (spec §6).
type OutboundEvent struct {
	Type         OutboundEventType `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	TargetUserID string            `json:"target_user_id,omitempty"`
	Payload      interface{}       `json:"payload"`
}
