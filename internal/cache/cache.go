// Package cache wraps the fast key/value cache (spec.md §5, §6): station
// waiting lists as ordered sequences, session/pile status as hashes, and
// NX+TTL locks. Command shapes mirror the original system's
// redis_client.rpush/lpop/hset/set(nx=True) usage.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aj9599/ev-dispatch/internal/model"
)

// Cache is a thin typed wrapper over a redis client.
type Cache struct {
	rdb *redis.Client
}

func New(addr string) *Cache {
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

// ---- station_waiting_area:<mode> ----

func waitingKey(mode model.PileType) string {
	return fmt.Sprintf("station_waiting_area:%s", mode)
}

// PushWaiting appends an entry to the tail of a mode's waiting list.
func (c *Cache) PushWaiting(ctx context.Context, e model.StationWaitingEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, waitingKey(e.Mode), b).Err()
}

// PopWaiting pops the head of a mode's waiting list, or ok=false if empty.
func (c *Cache) PopWaiting(ctx context.Context, mode model.PileType) (model.StationWaitingEntry, bool, error) {
	res, err := c.rdb.LPop(ctx, waitingKey(mode)).Result()
	if err == redis.Nil {
		return model.StationWaitingEntry{}, false, nil
	}
	if err != nil {
		return model.StationWaitingEntry{}, false, err
	}
	var e model.StationWaitingEntry
	if err := json.Unmarshal([]byte(res), &e); err != nil {
		return model.StationWaitingEntry{}, false, err
	}
	return e, true, nil
}

// UpdateWaitingAmount finds the waiting entry for sessionID within mode's
// list and rewrites its requested energy in place, matching the original's
// lrange-then-lset update pattern. Reports whether an entry was found.
func (c *Cache) UpdateWaitingAmount(ctx context.Context, mode model.PileType, sessionID string, newKWh float64) (bool, error) {
	key := waitingKey(mode)
	items, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for i, raw := range items {
		var e model.StationWaitingEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.SessionID != sessionID {
			continue
		}
		e.RequestedKWh = newKWh
		b, err := json.Marshal(e)
		if err != nil {
			return false, err
		}
		if err := c.rdb.LSet(ctx, key, int64(i), b).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RemoveWaiting finds and removes the waiting entry for sessionID from
// mode's list (used on cancellation while still STATION_WAITING), matching
// the original's lrange-then-lrem pattern. Reports whether an entry was
// found and removed.
func (c *Cache) RemoveWaiting(ctx context.Context, mode model.PileType, sessionID string) (bool, error) {
	key := waitingKey(mode)
	items, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, raw := range items {
		var e model.StationWaitingEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.SessionID != sessionID {
			continue
		}
		if err := c.rdb.LRem(ctx, key, 1, raw).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// WaitingLen returns the length of a single mode's waiting list.
func (c *Cache) WaitingLen(ctx context.Context, mode model.PileType) (int64, error) {
	return c.rdb.LLen(ctx, waitingKey(mode)).Result()
}

// CombinedWaitingLen returns the combined size across both modes, for
// capacity enforcement (spec.md §4.3, §5 invariant 3).
func (c *Cache) CombinedWaitingLen(ctx context.Context) (int64, error) {
	fast, err := c.WaitingLen(ctx, model.PileFast)
	if err != nil {
		return 0, err
	}
	trickle, err := c.WaitingLen(ctx, model.PileTrickle)
	if err != nil {
		return 0, err
	}
	return fast + trickle, nil
}

// ClearWaiting empties both station waiting lists; used at startup since
// they are not durable (spec.md §4.5 step 3).
func (c *Cache) ClearWaiting(ctx context.Context) error {
	if err := c.rdb.Del(ctx, waitingKey(model.PileFast)).Err(); err != nil {
		return err
	}
	return c.rdb.Del(ctx, waitingKey(model.PileTrickle)).Err()
}

// ---- session_status:<session_id> ----

func sessionKey(id string) string { return fmt.Sprintf("session_status:%s", id) }

// SetSessionStatus writes (or overwrites) the live-attribute hash for a session.
func (c *Cache) SetSessionStatus(ctx context.Context, sessionID string, fields map[string]interface{}) error {
	return c.rdb.HSet(ctx, sessionKey(sessionID), fields).Err()
}

// DeleteSessionStatus removes the hash, as required on terminal transition.
func (c *Cache) DeleteSessionStatus(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// GetSessionStatus reads the live-attribute hash for a session.
func (c *Cache) GetSessionStatus(ctx context.Context, sessionID string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
}

// ---- pile_status:<pile_id> ----

func pileKey(id string) string { return fmt.Sprintf("pile_status:%s", id) }

// SetPileStatus writes the pile's cache-facing status hash.
func (c *Cache) SetPileStatus(ctx context.Context, pileID string, status model.PileStatus, sessionID string) error {
	return c.rdb.HSet(ctx, pileKey(pileID), map[string]interface{}{
		"status":                    string(status),
		"current_charging_session_id": sessionID,
	}).Err()
}

// ---- NX+TTL locks ----

// TryLock attempts to atomically set key with NX semantics and a TTL. It
// reports whether this caller won the lock.
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// Unlock releases a previously acquired lock key.
func (c *Cache) Unlock(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Exists reports whether key is currently set (used to check guards/markers
// without taking them).
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Lock key helpers (spec.md §5).

func TimeoutCheckLockKey() string { return "timeout_check_lock" }
func BroadcastLockKey() string    { return "broadcast_lock" }
func CompletingGuardKey(sessionID string) string { return fmt.Sprintf("completing:%s", sessionID) }
func ForceCompleteMarkerKey(sessionID string) string { return fmt.Sprintf("force_complete:%s", sessionID) }
