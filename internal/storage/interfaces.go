package storage

import (
	"context"

	"github.com/scrypster/openmemory/pkg/types"
)

// Store provides tenant-scoped durable storage for memories, waypoints,
// users, embed logs, stats, and temporal facts. Both backends (SQLite and
// PostgreSQL) implement it over database/sql.
//
// Every mutating operation that references a tenant requires a user_id.
// Operations without tenant scope are reserved for maintenance and say so in
// their doc comment.
type Store interface {
	// InsertMemory upserts a memory row keyed on id. When the update path is
	// taken the stored version is incremented and content, meta, and vector
	// metadata fields are replaced.
	InsertMemory(ctx context.Context, m *types.Memory) error

	// GetMemory returns the memory scoped to userID, or ErrNotFound.
	GetMemory(ctx context.Context, id, userID string) (*types.Memory, error)

	// GetMemoryBySimhash returns the highest-salience memory with the given
	// simhash under userID, or ErrNotFound.
	GetMemoryBySimhash(ctx context.Context, simhash, userID string) (*types.Memory, error)

	// BatchGetMemories hydrates the given ids in one query. Missing ids are
	// silently absent from the result.
	BatchGetMemories(ctx context.Context, ids []string, userID string) ([]*types.Memory, error)

	// ListMemories returns memories ordered by created_at desc.
	ListMemories(ctx context.Context, opts ListOptions) ([]*types.Memory, error)

	// CountMemories returns the number of memories a tenant holds; used for
	// segment rotation.
	CountMemories(ctx context.Context, userID string) (int, error)

	// ScanMemories pages all memories in stable (created_at, id) order for
	// the decay scan. userID may be empty to scan all tenants (maintenance).
	ScanMemories(ctx context.Context, cursor Cursor, limit int, userID string) ([]*types.Memory, Cursor, error)

	// UpdateMemoryFields applies a partial update scoped to userID.
	UpdateMemoryFields(ctx context.Context, id, userID string, upd MemoryUpdate) error

	// UpdateMeanVec replaces the stored primary-sector mean vector bytes.
	UpdateMeanVec(ctx context.Context, id, userID string, vec []byte, dim int) error

	// UpdateLastSeenAndSalience is the reinforcement write path.
	UpdateLastSeenAndSalience(ctx context.Context, id, userID string, lastSeenAt int64, salience float64) error

	// UpdateSaliences applies a batch of decay updates and returns the number
	// of rows written. Not tenant-scoped per row entry beyond each update's
	// own user id.
	UpdateSaliences(ctx context.Context, updates []SalienceUpdate) (int, error)

	// UpdateFeedback sets the feedback score in [0,1].
	UpdateFeedback(ctx context.Context, id, userID string, score float64) error

	// DeleteMemory hard-deletes the row. Deleting a foreign or missing id
	// returns ErrNotFound.
	DeleteMemory(ctx context.Context, id, userID string) error

	// FilterExistingMemoryIDs returns the subset of ids that have a memory
	// row, across all tenants. Maintenance only (orphan-vector prune).
	FilterExistingMemoryIDs(ctx context.Context, ids []string) (map[string]bool, error)

	// SearchMemsByKeyword is the lexical fallback path used when every
	// embedding provider fails. Matching is case-insensitive substring.
	SearchMemsByKeyword(ctx context.Context, userID, query string, limit int) ([]*types.Memory, error)

	// UpsertWaypoint inserts the edge or replaces its weight.
	UpsertWaypoint(ctx context.Context, w *types.Waypoint) error

	// GetWaypointsBySrc returns outgoing edges of src scoped to userID,
	// weights clamped to [0,1].
	GetWaypointsBySrc(ctx context.Context, srcID, userID string) ([]*types.Waypoint, error)

	// GetNeighbors returns outgoing edges for a batch of sources in one
	// query; used by spreading activation to pull one hop at a time.
	GetNeighbors(ctx context.Context, srcIDs []string, userID string) ([]*types.Waypoint, error)

	// DeleteWaypointsTouching removes every edge with id as source or
	// destination.
	DeleteWaypointsTouching(ctx context.Context, id, userID string) error

	// PruneWaypoints deletes edges below the weight threshold across all
	// tenants. Maintenance only; returns the number of edges removed.
	PruneWaypoints(ctx context.Context, threshold float64) (int, error)

	// TouchUser upserts the tenant row on first contact.
	TouchUser(ctx context.Context, userID string) error

	// GetUser returns the tenant row or ErrNotFound.
	GetUser(ctx context.Context, userID string) (*types.User, error)

	// InsertEmbedLog records a new embedding job in pending state.
	InsertEmbedLog(ctx context.Context, l *types.EmbedLog) error

	// UpdateEmbedLog transitions a job to completed or failed.
	UpdateEmbedLog(ctx context.Context, id string, status types.EmbedStatus, errMsg string) error

	// AppendStat records one maintenance accounting event.
	AppendStat(ctx context.Context, e types.StatEntry) error

	// GetStats returns events with ts >= since, newest first.
	GetStats(ctx context.Context, since int64) ([]types.StatEntry, error)

	// InsertTemporalFact inserts a fact, closing any currently-open fact on
	// the same (subject, predicate) timeline at the new fact's ValidFrom.
	InsertTemporalFact(ctx context.Context, f *types.TemporalFact) error

	// GetTemporalFacts returns the (subject, predicate) timeline for a
	// tenant ordered by valid_from ascending.
	GetTemporalFacts(ctx context.Context, userID, subject, predicate string) ([]*types.TemporalFact, error)

	// InsertTemporalEdge links two facts with a typed relation.
	InsertTemporalEdge(ctx context.Context, e *types.TemporalEdge) error

	// GetTemporalEdgesBySrc returns outgoing edges of a fact, oldest first.
	GetTemporalEdgesBySrc(ctx context.Context, srcFactID, userID string) ([]*types.TemporalEdge, error)

	// WithTransaction runs fn inside a transaction. Nested calls map to
	// savepoints: committing an inner scope releases its savepoint, rolling
	// back an inner scope discards only that scope's writes. The outer
	// commit persists everything.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Close releases the underlying connections.
	Close() error
}

// VectorStore persists per-(memory, sector) embeddings and answers top-K
// similarity queries scoped to a tenant.
type VectorStore interface {
	// StoreVector upserts the vector keyed on (id, sector).
	StoreVector(ctx context.Context, v *types.Vector) error

	// DeleteVectors removes all sectors for a memory.
	DeleteVectors(ctx context.Context, id, userID string) error

	// SearchSimilar returns up to topK matches in the sector ordered by
	// descending score; ties break by id ascending. An empty sector yields
	// an empty result, not an error. A query of mismatched dimension is an
	// error.
	SearchSimilar(ctx context.Context, sector types.Sector, query []float32, topK int, userID string) ([]VectorMatch, error)

	// GetVector returns one vector or ErrNotFound.
	GetVector(ctx context.Context, id string, sector types.Sector, userID string) (*types.Vector, error)

	// GetVectorsByID returns every sector vector stored for a memory.
	GetVectorsByID(ctx context.Context, id, userID string) ([]*types.Vector, error)

	// GetVectorsByIDs hydrates every sector vector of a batch of memories in
	// one query.
	GetVectorsByIDs(ctx context.Context, ids []string, userID string) ([]*types.Vector, error)

	// GetVectorsBySector returns all vectors in a sector for a tenant.
	GetVectorsBySector(ctx context.Context, sector types.Sector, userID string) ([]*types.Vector, error)

	// IterateAllIDs streams every distinct vector id across tenants for the
	// orphan prune. Maintenance only.
	IterateAllIDs(ctx context.Context, fn func(id string) error) error

	// DeleteVectorsByIDs removes all vectors for the given memory ids across
	// tenants and returns the number of rows removed. Maintenance only.
	DeleteVectorsByIDs(ctx context.Context, ids []string) (int, error)
}
