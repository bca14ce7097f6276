package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aj9599/ev-dispatch/internal/billing"
	"github.com/aj9599/ev-dispatch/internal/cache"
	"github.com/aj9599/ev-dispatch/internal/engine"
	"github.com/aj9599/ev-dispatch/internal/model"
	"github.com/aj9599/ev-dispatch/internal/store"
)

func newRecoveryHarness(t *testing.T) (*store.Store, *cache.Cache, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "t.db"), 4, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	eng := engine.New(100 * time.Millisecond)
	return st, c, eng
}

func testTariff() billing.Tariff {
	return billing.Tariff{Peak: 1.2, Normal: 0.8, Valley: 0.4, Service: 0.3}
}

func TestStartupClearsWaitingListsAndRegistersPiles(t *testing.T) {
	st, c, eng := newRecoveryHarness(t)
	ctx := context.Background()

	require.NoError(t, c.PushWaiting(ctx, model.StationWaitingEntry{SessionID: "stale", Mode: model.PileFast}))
	require.NoError(t, st.UpsertPile(ctx, model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileIdle}))
	require.NoError(t, st.UpsertPile(ctx, model.Pile{ID: "B", Type: model.PileFast, MaxKW: 30, Status: model.PileOffline}))
	require.NoError(t, st.UpsertPile(ctx, model.Pile{ID: "C", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy}))

	r := New(st, c, eng, testTariff(), time.Minute, time.Hour)
	require.NoError(t, r.Startup(ctx))

	n, err := c.CombinedWaitingLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, ok := eng.Pile("B")
	assert.False(t, ok, "offline pile must not be registered with the engine")

	pc, ok := eng.Pile("C")
	require.True(t, ok)
	assert.Equal(t, model.PileIdle, pc.Status, "a pile persisted BUSY comes back IDLE since its in-flight job did not survive")

	pa, ok := eng.Pile("A")
	require.True(t, ok)
	assert.Equal(t, model.PileIdle, pa.Status)
}

func TestStartupFinalizesLeftoverCompletingSessions(t *testing.T) {
	st, c, eng := newRecoveryHarness(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertPile(ctx, model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy}))
	eng.RegisterPile(model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy, CurrentReqID: "s1"})

	start := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "s1", UserID: "u1", PileID: "A", Mode: model.PileFast,
		RequestedKWh: 10, ActualKWh: 10, Status: model.StatusCompleting,
		StartTime: start, HasStartTime: true, CreatedAt: start,
	}))
	require.NoError(t, c.SetSessionStatus(ctx, "s1", map[string]interface{}{"status": "COMPLETING"}))
	won, err := c.TryLock(ctx, cache.CompletingGuardKey("s1"), 30*time.Second)
	require.NoError(t, err)
	require.True(t, won)

	r := New(st, c, eng, testTariff(), time.Minute, time.Hour)
	require.NoError(t, r.Startup(ctx))

	got, found, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.True(t, got.TotalFee > 0)

	status, err := c.GetSessionStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, status)

	locked, err := c.Exists(ctx, cache.CompletingGuardKey("s1"))
	require.NoError(t, err)
	assert.False(t, locked, "the completing guard must be released once force-completed")

	p, ok := eng.Pile("A")
	require.True(t, ok)
	assert.Equal(t, model.PileIdle, p.Status)
}

func TestSweepTimeoutsOnlyFinalizesSessionsOlderThanCutoff(t *testing.T) {
	st, c, eng := newRecoveryHarness(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC().Add(-1 * time.Second)

	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "old", UserID: "u1", Mode: model.PileFast, RequestedKWh: 10, ActualKWh: 10,
		Status: model.StatusCompleting, StartTime: old, HasStartTime: true, CreatedAt: old,
	}))
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "recent", UserID: "u2", Mode: model.PileFast, RequestedKWh: 10, ActualKWh: 1,
		Status: model.StatusCompleting, StartTime: recent, HasStartTime: true, CreatedAt: recent,
	}))

	r := New(st, c, eng, testTariff(), time.Minute, time.Hour)
	require.NoError(t, r.SweepTimeouts(ctx))

	oldSess, _, err := st.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, oldSess.Status)

	recentSess, _, err := st.GetSession(ctx, "recent")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleting, recentSess.Status, "a session still within the completing timeout window is left alone")
}

func TestSweepTimeoutsIsExclusiveAcrossOverlappingCalls(t *testing.T) {
	st, c, eng := newRecoveryHarness(t)
	ctx := context.Background()

	r := New(st, c, eng, testTariff(), time.Minute, time.Hour)

	won, err := c.TryLock(ctx, cache.TimeoutCheckLockKey(), 15*time.Second)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, r.SweepTimeouts(ctx), "a sweep that loses the lock race is a silent no-op, not an error")
}

func TestSyncPileStatesFreesUnclaimedBusyPile(t *testing.T) {
	st, c, eng := newRecoveryHarness(t)
	ctx := context.Background()

	eng.RegisterPile(model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy, CurrentReqID: "phantom"})
	eng.RegisterPile(model.Pile{ID: "B", Type: model.PileFast, MaxKW: 30, Status: model.PileIdle})

	r := New(st, c, eng, testTariff(), time.Minute, time.Hour)
	require.NoError(t, r.SyncPileStates(ctx))

	p, ok := eng.Pile("A")
	require.True(t, ok)
	assert.Equal(t, model.PileIdle, p.Status, "a pile BUSY with no claiming CHARGING session must be freed")
}

func TestSyncPileStatesLeavesClaimedBusyPileAlone(t *testing.T) {
	st, c, eng := newRecoveryHarness(t)
	ctx := context.Background()

	eng.RegisterPile(model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy, CurrentReqID: "s1"})
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "s1", UserID: "u1", PileID: "A", Mode: model.PileFast,
		RequestedKWh: 10, Status: model.StatusCharging, CreatedAt: time.Now().UTC(),
	}))

	r := New(st, c, eng, testTariff(), time.Minute, time.Hour)
	require.NoError(t, r.SyncPileStates(ctx))

	p, ok := eng.Pile("A")
	require.True(t, ok)
	assert.Equal(t, model.PileBusy, p.Status)
}
