package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/openmemory/internal/classifier"
	"github.com/scrypster/openmemory/internal/embedder"
	"github.com/scrypster/openmemory/internal/hsg"
	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/internal/storage/sqlite"
)

func newTestService(t *testing.T, cfg Config) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := embedder.NewService(embedder.ServiceConfig{Dim: 64, Backoff: time.Millisecond})
	eng := hsg.New(store, store, classifier.New(), svc, hsg.Config{VecDim: 64}, zap.NewNop())
	return New(eng, store, cfg), store
}

func TestAddValidation(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := s.Add(ctx, AddRequest{UserID: "u1"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = s.Add(ctx, AddRequest{Content: "no tenant"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAddAndGetRoundtrip(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()

	res, err := s.Add(ctx, AddRequest{Content: "facade roundtrip note", UserID: "u1"})
	require.NoError(t, err)

	got, err := s.Get(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "facade roundtrip note", got.Content)
}

func TestAddBatchFailsFast(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()

	results, err := s.AddBatch(ctx, []AddRequest{
		{Content: "first valid entry", UserID: "u1"},
		{Content: "", UserID: "u1"},
		{Content: "never reached", UserID: "u1"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	assert.Len(t, results, 1)
}

func TestQueryBudgetGate(t *testing.T) {
	s, _ := newTestService(t, Config{MaxActive: 1})
	ctx := context.Background()

	_, err := s.Add(ctx, AddRequest{Content: "gated query subject", UserID: "u1"})
	require.NoError(t, err)

	// Hold the only slot, then verify the next query is rejected.
	require.True(t, s.gate.TryAcquire(1))
	_, err = s.Query(ctx, QueryRequest{UserID: "u1", Query: "gated query subject"})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	s.gate.Release(1)

	results, err := s.Query(ctx, QueryRequest{UserID: "u1", Query: "gated query subject"})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestQueryValidation(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := s.Query(ctx, QueryRequest{UserID: "u1"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = s.Query(ctx, QueryRequest{Query: "text"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestUpdateDeleteReinforcePassthrough(t *testing.T) {
	s, store := newTestService(t, Config{})
	ctx := context.Background()

	res, err := s.Add(ctx, AddRequest{Content: "lifecycle target", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, s.Reinforce(ctx, res.ID, "u1", 0.1))
	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got.Salience, 1e-9)

	newContent := "lifecycle target, revised"
	require.NoError(t, s.Update(ctx, res.ID, "u1", hsg.UpdateRequest{Content: &newContent}))

	require.NoError(t, s.Delete(ctx, res.ID, "u1"))
	_, err = s.Get(ctx, res.ID, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFeedbackStoresScore(t *testing.T) {
	s, store := newTestService(t, Config{})
	ctx := context.Background()

	res, err := s.Add(ctx, AddRequest{Content: "feedback subject", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, s.Feedback(ctx, res.ID, "u1", 0.9))
	got, err := store.GetMemory(ctx, res.ID, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.FeedbackScore, 1e-9)

	assert.ErrorIs(t, s.Feedback(ctx, res.ID, "u1", 1.5), storage.ErrInvalidInput)
}

func TestListScopedToTenant(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := s.Add(ctx, AddRequest{Content: "tenant one note", UserID: "u1"})
	require.NoError(t, err)
	_, err = s.Add(ctx, AddRequest{Content: "tenant two note", UserID: "u2"})
	require.NoError(t, err)

	mems, err := s.List(ctx, storage.ListOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "tenant one note", mems[0].Content)

	_, err = s.List(ctx, storage.ListOptions{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGetUserSummaryAfterFirstAdd(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := s.GetUserSummary(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Add(ctx, AddRequest{Content: "first touch creates the user row", UserID: "u1"})
	require.NoError(t, err)

	u, err := s.GetUserSummary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UserID)
}

func TestGetStatsAggregates(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()

	res, err := s.Add(ctx, AddRequest{Content: "stat generating memory", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, s.Reinforce(ctx, res.ID, "u1", 0.5))
	require.NoError(t, s.Reinforce(ctx, res.ID, "u1", 0.5))

	agg, err := s.GetStats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, agg["consolidate"])
}
