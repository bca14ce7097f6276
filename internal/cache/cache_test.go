package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aj9599/ev-dispatch/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb)
}

func TestPushPopWaitingFIFO(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "r1", Mode: model.PileFast}))
	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "r2", Mode: model.PileFast}))

	e1, ok, err := c.PopWaiting(ctx, model.PileFast)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", e1.SessionID)

	e2, ok, err := c.PopWaiting(ctx, model.PileFast)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", e2.SessionID)

	_, ok, err = c.PopWaiting(ctx, model.PileFast)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCombinedWaitingLen(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "r1", Mode: model.PileFast}))
	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "r2", Mode: model.PileTrickle}))

	n, err := c.CombinedWaitingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.ClearWaiting(ctx))
	n, err = c.CombinedWaitingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSessionStatusSetGetDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetSessionStatus(ctx, "s1", map[string]interface{}{
		"status": "CHARGING",
		"kwh":    "3.5",
	}))

	got, err := c.GetSessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CHARGING", got["status"])
	assert.Equal(t, "3.5", got["kwh"])

	require.NoError(t, c.DeleteSessionStatus(ctx, "s1"))
	got, err = c.GetSessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTryLockIsExclusive(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := CompletingGuardKey("s1")

	won, err := c.TryLock(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, won)

	wonAgain, err := c.TryLock(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, wonAgain)

	require.NoError(t, c.Unlock(ctx, key))

	wonAfterUnlock, err := c.TryLock(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, wonAfterUnlock)
}

func TestRemoveWaitingFindsAndRemoves(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "r1", Mode: model.PileFast}))
	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "r2", Mode: model.PileFast}))

	removed, err := c.RemoveWaiting(ctx, model.PileFast, "r1")
	require.NoError(t, err)
	assert.True(t, removed)

	n, err := c.WaitingLen(ctx, model.PileFast)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err = c.RemoveWaiting(ctx, model.PileFast, "nonexistent")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestUpdateWaitingAmountRewritesEntry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "r1", Mode: model.PileFast, RequestedKWh: 5}))

	found, err := c.UpdateWaitingAmount(ctx, model.PileFast, "r1", 12)
	require.NoError(t, err)
	assert.True(t, found)

	e, ok, err := c.PopWaiting(ctx, model.PileFast)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.0, e.RequestedKWh)
}

func TestPileStatusRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetPileStatus(ctx, "A", model.PileBusy, "s1"))
	got, err := c.GetSessionStatus(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, got)

	exists, err := c.Exists(ctx, pileKey("A"))
	require.NoError(t, err)
	assert.True(t, exists)
}
