package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/pkg/types"
)

func storeVec(t *testing.T, s *Store, id string, sector types.Sector, userID string, v []float32) {
	t.Helper()
	require.NoError(t, s.StoreVector(context.Background(), &types.Vector{
		ID: id, Sector: sector, UserID: userID, V: v, Dim: len(v),
	}))
}

func TestStoreVectorValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.StoreVector(ctx, &types.Vector{ID: "", Sector: types.SectorSemantic, V: []float32{1}, Dim: 1})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = s.StoreVector(ctx, &types.Vector{ID: "m1", Sector: "bogus", V: []float32{1}, Dim: 1})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = s.StoreVector(ctx, &types.Vector{ID: "m1", Sector: types.SectorSemantic, V: []float32{1, 2}, Dim: 3})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestSearchSimilarRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	storeVec(t, s, "exact", types.SectorSemantic, "u1", []float32{1, 0, 0})
	storeVec(t, s, "close", types.SectorSemantic, "u1", []float32{0.9, 0.1, 0})
	storeVec(t, s, "orthogonal", types.SectorSemantic, "u1", []float32{0, 1, 0})

	got, err := s.SearchSimilar(ctx, types.SectorSemantic, []float32{1, 0, 0}, 2, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exact", got[0].ID)
	assert.Equal(t, "close", got[1].ID)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestSearchSimilarTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	storeVec(t, s, "mine", types.SectorSemantic, "u1", []float32{1, 0})
	storeVec(t, s, "theirs", types.SectorSemantic, "u2", []float32{1, 0})

	got, err := s.SearchSimilar(ctx, types.SectorSemantic, []float32{1, 0}, 10, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mine", got[0].ID)
}

func TestSearchSimilarEmptySector(t *testing.T) {
	s := newTestStore(t)
	got, err := s.SearchSimilar(context.Background(), types.SectorEmotional, []float32{1, 0}, 5, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchSimilarDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	storeVec(t, s, "m1", types.SectorSemantic, "u1", []float32{1, 0, 0})

	_, err := s.SearchSimilar(ctx, types.SectorSemantic, []float32{1, 0}, 5, "u1")
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestStoreVectorUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	storeVec(t, s, "m1", types.SectorSemantic, "u1", []float32{1, 0})
	storeVec(t, s, "m1", types.SectorSemantic, "u1", []float32{0, 1})

	v, err := s.GetVector(ctx, "m1", types.SectorSemantic, "u1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, v.V)
}

func TestGetVectorsByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	storeVec(t, s, "m1", types.SectorEpisodic, "u1", []float32{1, 0})
	storeVec(t, s, "m1", types.SectorSemantic, "u1", []float32{0, 1})

	vs, err := s.GetVectorsByID(ctx, "m1", "u1")
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestDeleteVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	storeVec(t, s, "m1", types.SectorEpisodic, "u1", []float32{1, 0})
	storeVec(t, s, "m1", types.SectorSemantic, "u1", []float32{0, 1})
	require.NoError(t, s.DeleteVectors(ctx, "m1", "u1"))

	_, err := s.GetVector(ctx, "m1", types.SectorEpisodic, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIterateAllIDsAndDeleteByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	storeVec(t, s, "m1", types.SectorEpisodic, "u1", []float32{1})
	storeVec(t, s, "m1", types.SectorSemantic, "u1", []float32{1})
	storeVec(t, s, "m2", types.SectorEpisodic, "u2", []float32{1})

	var ids []string
	require.NoError(t, s.IterateAllIDs(ctx, func(id string) error {
		ids = append(ids, id)
		return nil
	}))
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	n, err := s.DeleteVectorsByIDs(ctx, []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n) // both sector rows
}
