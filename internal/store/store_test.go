package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aj9599/ev-dispatch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), 4, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndLoadPiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPile(ctx, model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileIdle}))
	require.NoError(t, s.UpsertPile(ctx, model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileBusy}))

	piles, err := s.LoadPiles(ctx)
	require.NoError(t, err)
	require.Len(t, piles, 1)
	assert.Equal(t, model.PileBusy, piles[0].Status)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := model.Session{
		ID: "s1", UserID: "u1", Mode: model.PileFast, RequestedKWh: 10,
		Status: model.StatusStationWaiting, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, ok, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, model.StatusStationWaiting, got.Status)
	assert.False(t, got.HasStartTime)
}

func TestCompareAndSetStatusRejectsStaleExpectation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := model.Session{ID: "s1", UserID: "u1", Mode: model.PileFast, Status: model.StatusStationWaiting, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateSession(ctx, sess))

	ok, err := s.CompareAndSetStatus(ctx, "s1", model.StatusStationWaiting, model.StatusEngineQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second attempt expects the now-stale status and must no-op.
	ok, err = s.CompareAndSetStatus(ctx, "s1", model.StatusStationWaiting, model.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, _ := s.GetSession(ctx, "s1")
	assert.Equal(t, model.StatusEngineQueued, got.Status)
}

func TestAssignPileRequiresEngineQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := model.Session{ID: "s1", UserID: "u1", Mode: model.PileFast, Status: model.StatusEngineQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateSession(ctx, sess))

	ok, err := s.AssignPile(ctx, "s1", "A", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, _ := s.GetSession(ctx, "s1")
	assert.Equal(t, model.StatusCharging, got.Status)
	assert.Equal(t, "A", got.PileID)
	assert.True(t, got.HasStartTime)

	// Already CHARGING: a second assignment attempt must no-op.
	ok, err = s.AssignPile(ctx, "s1", "B", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinalizeWritesTerminalRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := model.Session{ID: "s1", UserID: "u1", Mode: model.PileFast, Status: model.StatusCompleting, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateSession(ctx, sess))

	ok, err := s.Finalize(ctx, "s1", model.StatusCompleting, model.StatusCompleted,
		9.5, 1.2, 6.5, 0.8, 7.3, time.Now().UTC(), false)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, _ := s.GetSession(ctx, "s1")
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 9.5, got.ActualKWh)
	assert.Equal(t, 7.3, got.TotalFee)
	assert.True(t, got.HasEndTime)
}

func TestActiveSessionForUserExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, model.Session{
		ID: "s1", UserID: "u1", Mode: model.PileFast, Status: model.StatusCompleted, CreatedAt: time.Now().UTC(),
	}))
	_, ok, err := s.ActiveSessionForUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateSession(ctx, model.Session{
		ID: "s2", UserID: "u1", Mode: model.PileFast, Status: model.StatusCharging, CreatedAt: time.Now().UTC(),
	}))
	active, ok, err := s.ActiveSessionForUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s2", active.ID)
}

func TestUpdatePileLifetimeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertPile(ctx, model.Pile{ID: "A", Type: model.PileFast, MaxKW: 30, Status: model.PileIdle}))
	require.NoError(t, s.UpdatePileLifetimeStats(ctx, "A", 5.0, 3.5))
	require.NoError(t, s.UpdatePileLifetimeStats(ctx, "A", 2.0, 1.5))

	piles, err := s.LoadPiles(ctx)
	require.NoError(t, err)
	require.Len(t, piles, 1)
	assert.Equal(t, 2, piles[0].LifetimeCount)
	assert.InDelta(t, 7.0, piles[0].LifetimeKWh, 0.0001)
	assert.InDelta(t, 5.0, piles[0].LifetimeFees, 0.0001)
}
