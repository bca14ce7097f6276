package billing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aj9599/ev-dispatch/internal/cache"
	"github.com/aj9599/ev-dispatch/internal/engine"
	"github.com/aj9599/ev-dispatch/internal/model"
	"github.com/aj9599/ev-dispatch/internal/store"
)

func newMonitorHarness(t *testing.T) (*store.Store, *cache.Cache, *engine.Engine) {
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

func TestMonitorTickAdvancesProgress(t *testing.T) {
	st, c, eng := newMonitorHarness(t)
	ctx := context.Background()

	eng.RegisterPile(model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy, CurrentReqID: "s1"})
	startTime := time.Now().UTC().Add(-6 * time.Minute) // 0.1h * 30kW = 3kWh
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "s1", UserID: "u1", PileID: "A", Mode: model.PileFast,
		RequestedKWh: 10, Status: model.StatusCharging,
		StartTime: startTime, HasStartTime: true, CreatedAt: startTime,
	}))

	var ended []string
	mon := NewMonitor(st, c, eng, func(pileID string) { ended = append(ended, pileID) }, 1.0, time.Second)

	require.NoError(t, mon.Tick(ctx))

	got, _, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got.ActualKWh, 0.2)
	assert.Empty(t, ended)
}

func TestMonitorTickClaimsCompletionOnce(t *testing.T) {
	st, c, eng := newMonitorHarness(t)
	ctx := context.Background()

	eng.RegisterPile(model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy, CurrentReqID: "s1"})
	startTime := time.Now().UTC().Add(-1 * time.Hour) // 30kWh potential >> requested
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "s1", UserID: "u1", PileID: "A", Mode: model.PileFast,
		RequestedKWh: 5, Status: model.StatusCharging,
		StartTime: startTime, HasStartTime: true, CreatedAt: startTime,
	}))

	var ended []string
	mon := NewMonitor(st, c, eng, func(pileID string) { ended = append(ended, pileID) }, 1.0, time.Second)

	require.NoError(t, mon.Tick(ctx))
	require.Len(t, ended, 1)
	assert.Equal(t, "A", ended[0])

	got, _, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleting, got.Status)

	// A second tick must not re-trigger completion: the guard is held and
	// the session is no longer CHARGING so it won't even be scanned.
	ended = nil
	require.NoError(t, mon.Tick(ctx))
	assert.Empty(t, ended)
}

func TestMonitorTickSkipsSessionsWithoutStartTime(t *testing.T) {
	st, c, eng := newMonitorHarness(t)
	ctx := context.Background()

	eng.RegisterPile(model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy, CurrentReqID: "s1"})
	require.NoError(t, st.CreateSession(ctx, model.Session{
		ID: "s1", UserID: "u1", PileID: "A", Mode: model.PileFast,
		RequestedKWh: 5, Status: model.StatusCharging, CreatedAt: time.Now().UTC(),
	}))

	mon := NewMonitor(st, c, eng, func(string) {}, 1.0, time.Second)
	require.NoError(t, mon.Tick(ctx))

	got, _, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.ActualKWh)
}
