package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/pkg/types"
)

// StoreVector upserts the vector keyed on (id, sector). When ANN is enabled
// the typed embedding column is written alongside the canonical blob so both
// search paths stay consistent.
func (s *Store) StoreVector(ctx context.Context, v *types.Vector) error {
	if v.ID == "" {
		return fmt.Errorf("%w: vector id is required", storage.ErrInvalidInput)
	}
	if !v.Sector.Valid() {
		return fmt.Errorf("%w: invalid sector %q", storage.ErrInvalidInput, v.Sector)
	}
	if len(v.V) == 0 || len(v.V) != v.Dim {
		return fmt.Errorf("%w: vector length %d does not match dim %d",
			storage.ErrDimensionMismatch, len(v.V), v.Dim)
	}

	if s.ann && v.Dim == s.annDim {
		_, err := s.q(ctx).ExecContext(ctx, tr(`
			INSERT INTO vectors (id, sector, user_id, v, dim, embedding)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id, sector) DO UPDATE SET
				user_id = excluded.user_id,
				v = excluded.v,
				dim = excluded.dim,
				embedding = excluded.embedding`),
			v.ID, string(v.Sector), v.UserID, storage.VectorToBytes(v.V), v.Dim,
			pgvector.NewVector(v.V))
		if err != nil {
			return fmt.Errorf("failed to store vector: %w", err)
		}
		return nil
	}

	_, err := s.q(ctx).ExecContext(ctx, tr(`
		INSERT INTO vectors (id, sector, user_id, v, dim)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, sector) DO UPDATE SET
			user_id = excluded.user_id,
			v = excluded.v,
			dim = excluded.dim`),
		v.ID, string(v.Sector), v.UserID, storage.VectorToBytes(v.V), v.Dim)
	if err != nil {
		return fmt.Errorf("failed to store vector: %w", err)
	}
	return nil
}

// DeleteVectors removes all sectors for a memory.
func (s *Store) DeleteVectors(ctx context.Context, id, userID string) error {
	_, err := s.q(ctx).ExecContext(ctx,
		tr(`DELETE FROM vectors WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

// SearchSimilar ranks candidates in the sector scoped to a tenant. With ANN
// enabled the query runs against the HNSW index and cosine distance maps to
// a score as 1/(1+distance); otherwise candidates are scanned and scored in
// memory exactly like the SQLite backend. Ties break by id ascending.
func (s *Store) SearchSimilar(ctx context.Context, sector types.Sector, query []float32, topK int, userID string) ([]storage.VectorMatch, error) {
	if !sector.Valid() {
		return nil, fmt.Errorf("%w: invalid sector %q", storage.ErrInvalidInput, sector)
	}
	if topK < 1 {
		topK = 10
	}

	if s.ann && len(query) == s.annDim {
		return s.searchANN(ctx, sector, query, topK, userID)
	}
	return s.searchScan(ctx, sector, query, topK, userID)
}

func (s *Store) searchANN(ctx context.Context, sector types.Sector, query []float32, topK int, userID string) ([]storage.VectorMatch, error) {
	rows, err := s.q(ctx).QueryContext(ctx, tr(`
		SELECT id, embedding <=> ? AS distance
		FROM vectors
		WHERE sector = ? AND user_id = ? AND embedding IS NOT NULL
		ORDER BY distance ASC, id ASC
		LIMIT ?`),
		pgvector.NewVector(query), string(sector), userID, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, storage.VectorMatch{
			ID:     id,
			Score:  1.0 / (1.0 + distance),
			Sector: sector,
		})
	}
	return matches, rows.Err()
}

func (s *Store) searchScan(ctx context.Context, sector types.Sector, query []float32, topK int, userID string) ([]storage.VectorMatch, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		tr(`SELECT id, v, dim FROM vectors WHERE sector = ? AND user_id = ?`),
		string(sector), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		if dim != len(query) {
			return nil, fmt.Errorf("%w: query dim %d, stored dim %d for %s",
				storage.ErrDimensionMismatch, len(query), dim, id)
		}
		v, err := storage.BytesToVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("failed to decode vector %s: %w", id, err)
		}
		matches = append(matches, storage.VectorMatch{
			ID:     id,
			Score:  storage.CosineSimilarity(query, v),
			Sector: sector,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vectors: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// GetVector returns one vector or storage.ErrNotFound.
func (s *Store) GetVector(ctx context.Context, id string, sector types.Sector, userID string) (*types.Vector, error) {
	var blob []byte
	var dim int
	err := s.q(ctx).QueryRowContext(ctx,
		tr(`SELECT v, dim FROM vectors WHERE id = ? AND sector = ? AND user_id = ?`),
		id, string(sector), userID).Scan(&blob, &dim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vector: %w", err)
	}
	v, err := storage.BytesToVector(blob, dim)
	if err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return &types.Vector{ID: id, Sector: sector, UserID: userID, V: v, Dim: dim}, nil
}

// GetVectorsByID returns every sector vector stored for a memory.
func (s *Store) GetVectorsByID(ctx context.Context, id, userID string) ([]*types.Vector, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		tr(`SELECT id, sector, user_id, v, dim FROM vectors WHERE id = ? AND user_id = ?`),
		id, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanVectors(rows)
}

// GetVectorsByIDs hydrates every sector vector of a batch of memories in one
// query.
func (s *Store) GetVectorsByIDs(ctx context.Context, ids []string, userID string) ([]*types.Vector, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, userID)
	rows, err := s.q(ctx).QueryContext(ctx,
		tr(`SELECT id, sector, user_id, v, dim FROM vectors
		    WHERE id IN (`+placeholders(len(ids))+`) AND user_id = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanVectors(rows)
}

// GetVectorsBySector returns all vectors in a sector for a tenant.
func (s *Store) GetVectorsBySector(ctx context.Context, sector types.Sector, userID string) ([]*types.Vector, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		tr(`SELECT id, sector, user_id, v, dim FROM vectors WHERE sector = ? AND user_id = ?`),
		string(sector), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sector vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanVectors(rows)
}

// IterateAllIDs streams every distinct vector id across tenants for the
// orphan prune. Maintenance only.
func (s *Store) IterateAllIDs(ctx context.Context, fn func(id string) error) error {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT DISTINCT id FROM vectors`)
	if err != nil {
		return fmt.Errorf("failed to iterate vector ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan vector id: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteVectorsByIDs removes all vectors for the given memory ids across
// tenants. Maintenance only.
func (s *Store) DeleteVectorsByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.q(ctx).ExecContext(ctx,
		tr(`DELETE FROM vectors WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete vectors: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanVectors(rows *sql.Rows) ([]*types.Vector, error) {
	var out []*types.Vector
	for rows.Next() {
		var v types.Vector
		var sector string
		var blob []byte
		if err := rows.Scan(&v.ID, &sector, &v.UserID, &blob, &v.Dim); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		vec, err := storage.BytesToVector(blob, v.Dim)
		if err != nil {
			return nil, fmt.Errorf("failed to decode vector %s: %w", v.ID, err)
		}
		v.Sector = types.Sector(sector)
		v.V = vec
		out = append(out, &v)
	}
	return out, rows.Err()
}
