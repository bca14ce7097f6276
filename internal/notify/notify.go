// Package notify implements the outbound event envelope and the
// in-process fan-out to websocket clients described in spec.md §6: every
// published event is enqueued to every currently connected client, with
// the broadcast_lock-debounced system status snapshot (SPEC_FULL.md §4)
// assembled via internal/orchestrator and delivered on its own ticker
// rather than on every event. Grounded on the registry-under-mutex idiom
// already used for the engine's pile map, and on the teacher's
// per-connection guarded-write pattern in
// services/loxone/websocket.go's safeWriteMessage.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aj9599/ev-dispatch/internal/cache"
	"github.com/aj9599/ev-dispatch/internal/model"
)

// client is one connected websocket subscriber. Writes are serialized per
// connection; a bounded outbox prevents one slow reader from blocking the
// hub's broadcast loop.
type client struct {
	conn   *websocket.Conn
	writeMu sync.Mutex
	outbox chan []byte
	done   chan struct{}
}

func (c *client) send(payload []byte) {
	select {
	case c.outbox <- payload:
	default:
		log.Printf("⚠️  websocket client outbox full, dropping event")
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbox:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteMessage(websocket.TextMessage, payload)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Hub fans outbound events out to every connected websocket client and
// implements orchestrator.Notifier.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	cache *cache.Cache
}

func NewHub(c *cache.Cache) *Hub {
	return &Hub{clients: make(map[*client]struct{}), cache: c}
}

// Register adds a new websocket connection to the broadcast set and
// starts its write pump; the caller owns the connection's read loop (or
// lack of one, since this is a push-only channel) and must call the
// returned unregister func on disconnect.
func (h *Hub) Register(conn *websocket.Conn) (unregister func()) {
	c := &client{conn: conn, outbox: make(chan []byte, 32), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()

	return func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.done)
		conn.Close()
	}
}

// ClientCount reports how many clients are currently registered.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish implements orchestrator.Notifier: marshal once, fan out to
// every connected client's bounded outbox.
func (h *Hub) Publish(ev model.OutboundEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("⚠️  failed to marshal outbound event %s: %v", ev.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.send(payload)
	}
}

// SnapshotFunc produces the periodic system-wide status payload; bound to
// orchestrator.Orchestrator.SystemStatusSnapshot by the caller in main.
type SnapshotFunc func(ctx context.Context) (map[string]interface{}, error)

// Broadcaster debounces the status_update event on its own ticker rather
// than on every state change, per spec.md §5's broadcast_lock (1s).
type Broadcaster struct {
	hub      *Hub
	cache    *cache.Cache
	snapshot SnapshotFunc
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewBroadcaster(hub *Hub, c *cache.Cache, snapshot SnapshotFunc, interval time.Duration) *Broadcaster {
	return &Broadcaster{hub: hub, cache: c, snapshot: snapshot, interval: interval}
}

func (b *Broadcaster) Start(ctx context.Context) {
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.loop(ctx)
}

func (b *Broadcaster) loop(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

func (b *Broadcaster) Stop(timeout time.Duration) {
	if b.stopCh == nil {
		return
	}
	close(b.stopCh)
	select {
	case <-b.doneCh:
	case <-time.After(timeout):
	}
}

// Tick takes the distributed broadcast_lock and, on winning, assembles and
// publishes one status_update event. Losing the lock is a silent no-op:
// another process instance is already broadcasting this tick.
func (b *Broadcaster) Tick(ctx context.Context) {
	won, err := b.cache.TryLock(ctx, cache.BroadcastLockKey(), time.Second)
	if err != nil {
		log.Printf("⚠️  broadcast lock acquisition failed: %v", err)
		return
	}
	if !won {
		return
	}

	payload, err := b.snapshot(ctx)
	if err != nil {
		log.Printf("⚠️  system status snapshot failed: %v", err)
		return
	}
	b.hub.Publish(model.OutboundEvent{Type: model.OutStatusUpdate, Timestamp: time.Now().UTC(), Payload: payload})
}
