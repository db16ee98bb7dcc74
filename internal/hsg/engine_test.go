package hsg

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/openmemory/internal/classifier"
	"github.com/scrypster/openmemory/internal/dynamics"
	"github.com/scrypster/openmemory/internal/embedder"
	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/internal/storage/sqlite"
	"github.com/scrypster/openmemory/pkg/types"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if cfg.VecDim == 0 {
		cfg.VecDim = 64
	}
	svc := embedder.NewService(embedder.ServiceConfig{
		Dim:     cfg.VecDim,
		Backoff: time.Millisecond,
	})
	eng := New(store, store, classifier.New(), svc, cfg, zap.NewNop())
	return eng, store
}

func TestAddStoresMemoryAndVectors(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "remember that the staging database password rotates monthly", "u1", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	assert.True(t, res.PrimarySector.Valid())
	assert.False(t, res.Deduplicated)

	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, res.Content, got.Content)
	assert.Equal(t, 1, got.Version)
	assert.InDelta(t, 0.5, got.Salience, 1e-9)
	assert.NotEmpty(t, got.Simhash)
	assert.NotEmpty(t, got.MeanVec)

	vecs, err := store.GetVectorsByID(ctx, res.ID, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, vecs)
	found := false
	for _, v := range vecs {
		if v.Sector == res.PrimarySector {
			found = true
			assert.Len(t, v.V, 64)
		}
	}
	assert.True(t, found, "primary-sector vector missing")
}

func TestAddRejectsEmptyContent(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	_, err := eng.Add(context.Background(), "", "u1", nil, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAddDeduplicatesIdenticalContent(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	first, err := eng.Add(ctx, "the deploy pipeline runs at midnight utc", "u1", nil, nil)
	require.NoError(t, err)

	second, err := eng.Add(ctx, "the deploy pipeline runs at midnight utc", "u1", nil, nil)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.GetMemory(ctx, first.ID, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got.Salience, 1e-9)
}

func TestAddDedupIsTenantScoped(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	a, err := eng.Add(ctx, "shared knowledge both tenants hold", "u1", nil, nil)
	require.NoError(t, err)
	b, err := eng.Add(ctx, "shared knowledge both tenants hold", "u2", nil, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, b.Deduplicated)
}

func TestAddTruncatesToSummaryMaxLength(t *testing.T) {
	eng, _ := newTestEngine(t, Config{SummaryMaxLength: 20})
	res, err := eng.Add(context.Background(), "this content is far longer than twenty characters", "u1", nil, nil)
	require.NoError(t, err)
	assert.Len(t, res.Content, 20)
}

func TestAddTagsFromMetadata(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "tagged note about kubernetes upgrades", "u1",
		map[string]any{"tags": []any{"infra", "k8s"}}, nil)
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"infra", "k8s"}, got.Tags)
}

func TestAddSegmentRotation(t *testing.T) {
	eng, store := newTestEngine(t, Config{SegSize: 2})
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, text := range []string{"first note", "second note", "third note"} {
		res, err := eng.Add(ctx, text, "u1", nil, nil)
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	third, err := store.GetMemory(ctx, ids[2], "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, third.Segment)

	first, err := store.GetMemory(ctx, ids[0], "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, first.Segment)
}

func TestQueryReturnsRelevantFirst(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Add(ctx, "the postgres connection pool is capped at fifty", "u1", nil, nil)
	require.NoError(t, err)
	_, err = eng.Add(ctx, "grandma's lasagna needs fresh basil and ricotta", "u1", nil, nil)
	require.NoError(t, err)

	results, err := eng.Query(ctx, "u1", "postgres connection pool size", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Memory.Content, "postgres")
	assert.Greater(t, results[0].Score, 0.0)
}

func TestQueryRejectsEmptyText(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	_, err := eng.Query(context.Background(), "u1", "", 5, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestQueryTenantIsolation(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Add(ctx, "secret belonging to tenant one", "u1", nil, nil)
	require.NoError(t, err)

	results, err := eng.Query(ctx, "u2", "secret belonging to tenant one", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryMinSalienceFilter(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Add(ctx, "barely salient observation", "u1", nil, nil)
	require.NoError(t, err)

	results, err := eng.Query(ctx, "u1", "barely salient observation", 5,
		&QueryFilters{MinSalience: 0.9})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryMetadataFilter(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Add(ctx, "note from the billing project", "u1",
		map[string]any{"project": "billing"}, nil)
	require.NoError(t, err)
	_, err = eng.Add(ctx, "note from the search project", "u1",
		map[string]any{"project": "search"}, nil)
	require.NoError(t, err)

	results, err := eng.Query(ctx, "u1", "note from the project", 5,
		&QueryFilters{Metadata: map[string]any{"project": "billing"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "billing", results[0].Memory.Meta["project"])
}

func TestQueryTimeRangeFilter(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "timestamped event for range filtering", "u1", nil, nil)
	require.NoError(t, err)

	results, err := eng.Query(ctx, "u1", "timestamped event for range filtering", 5,
		&QueryFilters{EndTime: res.CreatedAt - 1})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = eng.Query(ctx, "u1", "timestamped event for range filtering", 5,
		&QueryFilters{StartTime: res.CreatedAt - 1})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestQueryReinforcesReturnedMemories(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "reinforcement target memory", "u1", nil, nil)
	require.NoError(t, err)

	_, err = eng.Query(ctx, "u1", "reinforcement target memory", 5, nil)
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	// 0.5 + 0.18*(1-0.5)
	assert.InDelta(t, 0.59, got.Salience, 1e-9)
}

func TestQueryRecordsCoactivationPairs(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := eng.Add(ctx, "first note about distributed tracing", "u1", nil, nil)
	require.NoError(t, err)
	_, err = eng.Add(ctx, "second note about distributed tracing", "u1", nil, nil)
	require.NoError(t, err)

	results, err := eng.Query(ctx, "u1", "distributed tracing notes", 5, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(results), 2)
	assert.Greater(t, eng.Coactivation().Len(), 0)
}

func TestQueryUsesCache(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "cached retrieval subject", "u1", nil, nil)
	require.NoError(t, err)

	first, err := eng.Query(ctx, "u1", "cached retrieval subject", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// The second identical query is served from cache: reinforcement must
	// not run twice.
	_, err = eng.Query(ctx, "u1", "cached retrieval subject", 5, nil)
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.59, got.Salience, 1e-9)
}

func TestUpdateContentReembedsAndBumpsVersion(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "original content before the edit", "u1", nil, nil)
	require.NoError(t, err)
	before, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)

	newContent := "entirely rewritten content after the edit"
	require.NoError(t, eng.Update(ctx, res.ID, "u1", UpdateRequest{Content: &newContent}))

	after, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, newContent, after.Content)
	assert.Equal(t, before.Version+1, after.Version)
	assert.NotEqual(t, before.Simhash, after.Simhash)

	vecs, err := store.GetVectorsByID(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, vecs)
}

func TestUpdateMetadataOnlyKeepsVersion(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "stable content with changing tags", "u1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Update(ctx, res.ID, "u1", UpdateRequest{Tags: []string{"revised"}}))

	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []string{"revised"}, got.Tags)
}

func TestUpdateMissingMemory(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	content := "anything"
	err := eng.Update(context.Background(), "nope", "u1", UpdateRequest{Content: &content})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteRemovesEverything(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "memory slated for deletion", "u1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Delete(ctx, res.ID, "u1"))

	_, err = store.GetMemory(ctx, res.ID, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	vecs, err := store.GetVectorsByID(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.Empty(t, vecs)

	assert.ErrorIs(t, eng.Delete(ctx, res.ID, "u1"), storage.ErrNotFound)
}

func TestDeleteForeignTenant(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "tenant one's protected memory", "u1", nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Delete(ctx, res.ID, "u2"), storage.ErrNotFound)
}

func TestReinforceBumpsSalience(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "memory to reinforce manually", "u1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Reinforce(ctx, res.ID, "u1", 0.2))

	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got.Salience, 1e-9)
}

func TestReinforceConsolidationStat(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := eng.Add(ctx, "memory crossing the consolidation threshold", "u1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Reinforce(ctx, res.ID, "u1", 0.5))

	stats, err := store.GetStats(ctx, 0)
	require.NoError(t, err)
	found := false
	for _, s := range stats {
		if s.Type == "consolidate" {
			found = true
		}
	}
	assert.True(t, found, "consolidate stat not recorded")
}

func TestReinforceValidatesBoost(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	err := eng.Reinforce(context.Background(), "x", "u1", 1.5)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAddCallbackFires(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	var seen *types.Memory
	eng.SetOnMemoryAdded(func(m *types.Memory) { seen = m })

	res, err := eng.Add(context.Background(), "callback subject", "u1", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, res.ID, seen.ID)
}

func TestHybridScoreSaturatesSimilarity(t *testing.T) {
	w := ScoreWeights{Sim: 1}

	got := hybridScore(w, 1, 0, 0, 0, 0, 0)
	assert.InDelta(t, dynamics.Sigmoid(1-math.Exp(-0.5)), got, 1e-12)

	// The saturating transform compresses the gap between a strong and a
	// weak cosine relative to feeding the raw similarity in.
	saturated := hybridScore(w, 0.9, 0, 0, 0, 0, 0) - hybridScore(w, 0.2, 0, 0, 0, 0, 0)
	linear := dynamics.Sigmoid(0.9) - dynamics.Sigmoid(0.2)
	assert.Less(t, saturated, linear)
}

func TestHybridScoreIncludesWaypointTerm(t *testing.T) {
	w := DefaultScoreWeights()
	with := hybridScore(w, 0.5, 0.5, 0.9, 0.5, 0.5, 0)
	without := hybridScore(w, 0.5, 0.5, 0, 0.5, 0.5, 0)
	assert.Greater(t, with, without)

	want := dynamics.Sigmoid(w.Sim*dynamics.Boost(0.5) + w.Overlap*0.5 + w.Waypoint*0.9 +
		w.Recency*0.5 + w.Tag*0.5)
	assert.InDelta(t, want, with, 1e-12)
}

func TestQueryWaypointWeightLiftsScore(t *testing.T) {
	eng, store := newTestEngine(t, Config{})
	ctx := context.Background()

	content := "the incident review covered the outage timeline"
	linked, err := eng.Add(ctx, content, "u1", nil, &AddOverrides{ID: "wp-linked"})
	require.NoError(t, err)
	_, err = eng.Add(ctx, content, "u1", nil, &AddOverrides{ID: "wp-plain"})
	require.NoError(t, err)

	now := types.NowMillis()
	require.NoError(t, store.UpsertWaypoint(ctx, &types.Waypoint{
		SrcID: linked.ID, DstID: "wp-elsewhere", UserID: "u1",
		Weight: 0.9, CreatedAt: now, UpdatedAt: now,
	}))

	results, err := eng.Query(ctx, "u1", "incident outage timeline", 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "wp-linked", results[0].Memory.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

type fixedSectorModel struct {
	sector types.Sector
	conf   float64
}

func (m fixedSectorModel) Classify([]float32) (types.Sector, float64) {
	return m.sector, m.conf
}

func TestAddLearnedModelOverridesWeakClassification(t *testing.T) {
	store, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cls := classifier.New().WithLearnedModel(fixedSectorModel{types.SectorEmotional, 0.9})
	svc := embedder.NewService(embedder.ServiceConfig{Dim: 64, Backoff: time.Millisecond})
	eng := New(store, store, cls, svc, Config{VecDim: 64}, zap.NewNop())
	ctx := context.Background()

	// Nothing here matches a pattern, so the rule path yields the semantic
	// default at low confidence and the model override fires.
	res, err := eng.Add(ctx, "qwx zrr vbn plm", "u1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SectorEmotional, res.PrimarySector)

	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.SectorEmotional, got.PrimarySector)

	v, err := store.GetVector(ctx, res.ID, types.SectorEmotional, "u1")
	require.NoError(t, err)
	assert.Len(t, v.V, 64)
}
