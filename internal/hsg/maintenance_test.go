package hsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/scrypster/openmemory/internal/storage/sqlite"
	"github.com/scrypster/openmemory/pkg/types"
)

func newTestMaintenance(t *testing.T, cfg MaintenanceConfig) (*Maintenance, *sqlite.Store, *CoactivationBuffer) {
	t.Helper()
	store, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coact := NewCoactivationBuffer()
	m := NewMaintenance(store, store, coact, cfg, zap.NewNop())
	return m, store, coact
}

func seedMemory(t *testing.T, store *sqlite.Store, id, userID string, lastSeenAgo time.Duration, salience float64) {
	t.Helper()
	now := types.NowMillis()
	seen := now - lastSeenAgo.Milliseconds()
	require.NoError(t, store.InsertMemory(context.Background(), &types.Memory{
		ID:            id,
		UserID:        userID,
		Content:       "maintenance test memory " + id,
		Simhash:       "00000000000000" + id[:2],
		PrimarySector: types.SectorSemantic,
		CreatedAt:     seen,
		UpdatedAt:     seen,
		LastSeenAt:    seen,
		Salience:      salience,
		DecayLambda:   0.015,
		Version:       1,
	}))
}

func TestRunDecayReducesStaleSalience(t *testing.T) {
	m, store, _ := newTestMaintenance(t, MaintenanceConfig{DecayChunksPerSecond: 1000})
	ctx := context.Background()

	seedMemory(t, store, "m1stale", "u1", 240*time.Hour, 0.8)

	require.NoError(t, m.RunDecay(ctx))

	got, err := store.GetMemory(ctx, "m1stale", "u1")
	require.NoError(t, err)
	assert.Less(t, got.Salience, 0.8)
	assert.Greater(t, got.Salience, 0.0)
}

func TestRunDecaySkipsFreshMemories(t *testing.T) {
	m, store, _ := newTestMaintenance(t, MaintenanceConfig{DecayChunksPerSecond: 1000})
	ctx := context.Background()

	seedMemory(t, store, "m1fresh", "u1", 0, 0.8)

	require.NoError(t, m.RunDecay(ctx))

	got, err := store.GetMemory(ctx, "m1fresh", "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.Salience, 1e-9)
}

func TestRunDecayRecordsStat(t *testing.T) {
	m, store, _ := newTestMaintenance(t, MaintenanceConfig{DecayChunksPerSecond: 1000})
	ctx := context.Background()

	seedMemory(t, store, "m1decay", "u1", 240*time.Hour, 0.8)
	require.NoError(t, m.RunDecay(ctx))

	stats, err := store.GetStats(ctx, 0)
	require.NoError(t, err)
	found := false
	for _, s := range stats {
		if s.Type == "decay" && s.Count > 0 {
			found = true
		}
	}
	assert.True(t, found, "decay stat not recorded")
}

func TestFlushCoactivationsCreatesSymmetricEdges(t *testing.T) {
	m, store, coact := newTestMaintenance(t, MaintenanceConfig{WaypointTau: time.Hour})
	ctx := context.Background()

	seedMemory(t, store, "m1pair", "u1", 0, 0.5)
	seedMemory(t, store, "m2pair", "u1", 0, 0.5)
	coact.Push("m1pair", "m2pair", "u1")

	require.NoError(t, m.FlushCoactivations(ctx))

	out, err := store.GetWaypointsBySrc(ctx, "m1pair", "u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m2pair", out[0].DstID)
	// w = 0, tf close to 1: new weight near 0.1
	assert.InDelta(t, 0.1, out[0].Weight, 0.01)

	back, err := store.GetWaypointsBySrc(ctx, "m2pair", "u1")
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "m1pair", back[0].DstID)
}

func TestFlushCoactivationsStrengthensExistingEdge(t *testing.T) {
	m, store, coact := newTestMaintenance(t, MaintenanceConfig{WaypointTau: time.Hour})
	ctx := context.Background()

	seedMemory(t, store, "m1grow", "u1", 0, 0.5)
	seedMemory(t, store, "m2grow", "u1", 0, 0.5)

	coact.Push("m1grow", "m2grow", "u1")
	require.NoError(t, m.FlushCoactivations(ctx))
	coact.Push("m1grow", "m2grow", "u1")
	require.NoError(t, m.FlushCoactivations(ctx))

	out, err := store.GetWaypointsBySrc(ctx, "m1grow", "u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Greater(t, out[0].Weight, 0.1)
	assert.LessOrEqual(t, out[0].Weight, 1.0)
}

func TestFlushCoactivationsSkipsMissingMemories(t *testing.T) {
	m, store, coact := newTestMaintenance(t, MaintenanceConfig{})
	ctx := context.Background()

	seedMemory(t, store, "m1half", "u1", 0, 0.5)
	coact.Push("m1half", "ghost", "u1")

	require.NoError(t, m.FlushCoactivations(ctx))

	out, err := store.GetWaypointsBySrc(ctx, "m1half", "u1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunPruneRemovesOrphanVectors(t *testing.T) {
	m, store, _ := newTestMaintenance(t, MaintenanceConfig{})
	ctx := context.Background()

	seedMemory(t, store, "m1kept", "u1", 0, 0.5)
	v := make([]float32, 8)
	v[0] = 1
	require.NoError(t, store.StoreVector(ctx, &types.Vector{
		ID: "m1kept", Sector: types.SectorSemantic, UserID: "u1", V: v, Dim: 8,
	}))
	require.NoError(t, store.StoreVector(ctx, &types.Vector{
		ID: "orphaned", Sector: types.SectorSemantic, UserID: "u1", V: v, Dim: 8,
	}))

	require.NoError(t, m.RunPrune(ctx))

	kept, err := store.GetVectorsByID(ctx, "m1kept", "u1")
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	gone, err := store.GetVectorsByID(ctx, "orphaned", "u1")
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestRunPruneRemovesWeakWaypoints(t *testing.T) {
	m, store, _ := newTestMaintenance(t, MaintenanceConfig{WaypointPruneThreshold: 0.05})
	ctx := context.Background()

	now := types.NowMillis()
	require.NoError(t, store.UpsertWaypoint(ctx, &types.Waypoint{
		SrcID: "a", DstID: "b", UserID: "u1", Weight: 0.01, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertWaypoint(ctx, &types.Waypoint{
		SrcID: "a", DstID: "c", UserID: "u1", Weight: 0.5, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, m.RunPrune(ctx))

	out, err := store.GetWaypointsBySrc(ctx, "a", "u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c", out[0].DstID)
}

func TestMaintenanceStartStop(t *testing.T) {
	opt := goleak.IgnoreCurrent()

	// The store is closed before verification so database/sql pool goroutines
	// wind down along with the maintenance loops.
	store, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	coact := NewCoactivationBuffer()
	m := NewMaintenance(store, store, coact, MaintenanceConfig{
		DecayInterval: 10 * time.Millisecond,
		FlushInterval: 5 * time.Millisecond,
		PruneInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	ctx := context.Background()

	seedMemory(t, store, "m1loop", "u1", 240*time.Hour, 0.8)
	seedMemory(t, store, "m2loop", "u1", 0, 0.5)
	coact.Push("m1loop", "m2loop", "u1")

	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	got, err := store.GetMemory(ctx, "m1loop", "u1")
	require.NoError(t, err)
	assert.Less(t, got.Salience, 0.8)

	require.NoError(t, store.Close())
	goleak.VerifyNone(t, opt)
}

func TestRunDecayRatioCapsPerPass(t *testing.T) {
	m, store, _ := newTestMaintenance(t, MaintenanceConfig{
		DecayChunksPerSecond: 1000,
		DecayChunk:           4,
		DecayRatio:           0.5,
	})
	ctx := context.Background()

	ids := []string{"r1", "r2", "r3", "r4"}
	for _, id := range ids {
		seedMemory(t, store, id, "u1", 240*time.Hour, 0.8)
	}

	require.NoError(t, m.RunDecay(ctx))

	decayed := 0
	for _, id := range ids {
		got, err := store.GetMemory(ctx, id, "u1")
		require.NoError(t, err)
		if got.Salience < 0.8 {
			decayed++
		}
	}
	assert.Equal(t, 2, decayed, "half the page should decay per pass")
}
