// Package sqlite provides the SQLite implementations of the storage
// interfaces. The driver is modernc.org/sqlite, which is CGO-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/pkg/types"
)

// Ensure *Store satisfies the contracts at compile time.
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.VectorStore = (*Store)(nil)
)

// Store implements storage.Store and storage.VectorStore on a single SQLite
// database.
type Store struct {
	db     *sql.DB
	cipher storage.ContentCipher
	log    *zap.Logger
}

// Options configures Open.
type Options struct {
	// Cipher encrypts content at rest. Nil means plaintext.
	Cipher storage.ContentCipher
	Logger *zap.Logger
}

// Open opens (or creates) the database at path and applies pending
// migrations. Pass ":memory:" for an in-process database in tests.
//
// SQLite only supports one concurrent writer. A single open connection
// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL mode
// lets readers proceed without blocking the writer.
func Open(path string, opts Options) (*Store, error) {
	if opts.Cipher == nil {
		opts.Cipher = storage.NoopCipher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-8192",       // ~8 MB page cache
		"PRAGMA mmap_size=134217728",    // 128 MB
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	mgr := storage.NewMigrationManager(db, nil, opts.Logger)
	if err := mgr.Up(Migrations()); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cipher: opts.Cipher, log: opts.Logger}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTransaction runs fn inside a transaction; nested calls use savepoints.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.RunInTransaction(ctx, s.db, fn)
}

func (s *Store) q(ctx context.Context) storage.DBTX {
	return storage.Querier(ctx, s.db)
}

// memoryColumns is the canonical SELECT list for the memories table. The
// scan order in scanMemory must match.
const memoryColumns = `
	id, user_id, segment, content, simhash, primary_sector, tags, meta,
	created_at, updated_at, last_seen_at, salience, decay_lambda, version,
	mean_dim, mean_vec, compressed_vec, feedback_score
`

// InsertMemory upserts a memory row. On the update path content, metadata,
// and vector-metadata fields are replaced and version is incremented.
func (s *Store) InsertMemory(ctx context.Context, m *types.Memory) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	tagsJSON, metaJSON, err := marshalTagsMeta(m.Tags, m.Meta)
	if err != nil {
		return err
	}
	content, err := s.cipher.Encrypt(m.Content)
	if err != nil {
		return fmt.Errorf("failed to encrypt content: %w", err)
	}

	const query = `
		INSERT INTO memories (
			id, user_id, segment, content, simhash, primary_sector, tags, meta,
			created_at, updated_at, last_seen_at, salience, decay_lambda, version,
			mean_dim, mean_vec, compressed_vec, feedback_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			simhash = excluded.simhash,
			primary_sector = excluded.primary_sector,
			tags = excluded.tags,
			meta = excluded.meta,
			updated_at = excluded.updated_at,
			last_seen_at = excluded.last_seen_at,
			salience = excluded.salience,
			mean_dim = excluded.mean_dim,
			mean_vec = excluded.mean_vec,
			compressed_vec = excluded.compressed_vec,
			version = memories.version + 1
	`
	_, err = s.q(ctx).ExecContext(ctx, query,
		m.ID, m.UserID, m.Segment, []byte(content), m.Simhash, string(m.PrimarySector),
		tagsJSON, metaJSON,
		m.CreatedAt, m.UpdatedAt, m.LastSeenAt, m.Salience, m.DecayLambda, m.Version,
		nullableInt(m.MeanDim), m.MeanVec, m.CompressedVec, m.FeedbackScore,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetMemory returns the memory scoped to userID, or storage.ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, id, userID string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	return s.scanMemory(row)
}

// GetMemoryBySimhash returns the highest-salience memory with the fingerprint.
func (s *Store) GetMemoryBySimhash(ctx context.Context, simhash, userID string) (*types.Memory, error) {
	if simhash == "" {
		return nil, fmt.Errorf("%w: simhash is required", storage.ErrInvalidInput)
	}
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE simhash = ? AND user_id = ?
		 ORDER BY salience DESC, id ASC LIMIT 1`, simhash, userID)
	return s.scanMemory(row)
}

// BatchGetMemories hydrates ids in one query; missing ids are absent.
func (s *Store) BatchGetMemories(ctx context.Context, ids []string, userID string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, userID)

	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE id IN (` + placeholders(len(ids)) + `) AND user_id = ?`
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get memories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanMemories(rows)
}

// ListMemories returns memories ordered by created_at desc.
func (s *Store) ListMemories(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()

	var conds []string
	var args []any
	if opts.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Sector != "" {
		conds = append(conds, "primary_sector = ?")
		args = append(args, string(opts.Sector))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories`+where+
			` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanMemories(rows)
}

// CountMemories returns the number of memories a tenant holds.
func (s *Store) CountMemories(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// ScanMemories pages all memories in stable (created_at, id) order for the
// decay scan. userID may be empty to scan all tenants.
func (s *Store) ScanMemories(ctx context.Context, cursor storage.Cursor, limit int, userID string) ([]*types.Memory, storage.Cursor, error) {
	if limit < 1 {
		limit = 1000
	}
	conds := []string{"(created_at > ? OR (created_at = ? AND id > ?))"}
	args := []any{cursor.CreatedAt, cursor.CreatedAt, cursor.ID}
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	args = append(args, limit)

	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY created_at ASC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to scan memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	mems, err := s.scanMemories(rows)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	if len(mems) > 0 {
		last := mems[len(mems)-1]
		next = storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return mems, next, nil
}

// UpdateMemoryFields applies a partial update scoped to userID.
func (s *Store) UpdateMemoryFields(ctx context.Context, id, userID string, upd storage.MemoryUpdate) error {
	if id == "" {
		return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	var sets []string
	var args []any

	if upd.Content != nil {
		enc, err := s.cipher.Encrypt(*upd.Content)
		if err != nil {
			return fmt.Errorf("failed to encrypt content: %w", err)
		}
		sets = append(sets, "content = ?")
		args = append(args, []byte(enc))
	}
	if upd.Simhash != nil {
		sets = append(sets, "simhash = ?")
		args = append(args, *upd.Simhash)
	}
	if upd.PrimarySector != nil {
		if !upd.PrimarySector.Valid() {
			return fmt.Errorf("%w: invalid sector %q", storage.ErrInvalidInput, *upd.PrimarySector)
		}
		sets = append(sets, "primary_sector = ?")
		args = append(args, string(*upd.PrimarySector))
	}
	if upd.Tags != nil {
		tagsJSON, err := json.Marshal(upd.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	if upd.Meta != nil {
		metaJSON, err := json.Marshal(upd.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
		sets = append(sets, "meta = ?")
		args = append(args, string(metaJSON))
	}
	if upd.BumpVersion {
		sets = append(sets, "version = version + 1")
	}
	updatedAt := upd.UpdatedAt
	if updatedAt == 0 {
		updatedAt = types.NowMillis()
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, updatedAt)

	args = append(args, id, userID)
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	return requireRow(res)
}

// UpdateMeanVec replaces the stored primary-sector mean vector bytes.
func (s *Store) UpdateMeanVec(ctx context.Context, id, userID string, vec []byte, dim int) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE memories SET mean_vec = ?, mean_dim = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		vec, dim, types.NowMillis(), id, userID)
	if err != nil {
		return fmt.Errorf("failed to update mean vector: %w", err)
	}
	return requireRow(res)
}

// UpdateLastSeenAndSalience is the reinforcement write path.
func (s *Store) UpdateLastSeenAndSalience(ctx context.Context, id, userID string, lastSeenAt int64, salience float64) error {
	if salience < 0 || salience > 1 {
		return fmt.Errorf("%w: salience %v outside [0,1]", storage.ErrInvalidInput, salience)
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE memories SET last_seen_at = ?, salience = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		lastSeenAt, salience, types.NowMillis(), id, userID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return requireRow(res)
}

// UpdateSaliences applies a batch of decay updates in one transaction.
func (s *Store) UpdateSaliences(ctx context.Context, updates []storage.SalienceUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	written := 0
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		now := types.NowMillis()
		for _, u := range updates {
			res, err := s.q(ctx).ExecContext(ctx,
				`UPDATE memories SET salience = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
				u.Salience, now, u.ID, u.UserID)
			if err != nil {
				return fmt.Errorf("failed to update salience for %s: %w", u.ID, err)
			}
			n, _ := res.RowsAffected()
			written += int(n)
		}
		return nil
	})
	return written, err
}

// UpdateFeedback sets the feedback score in [0,1].
func (s *Store) UpdateFeedback(ctx context.Context, id, userID string, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: feedback score %v outside [0,1]", storage.ErrInvalidInput, score)
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE memories SET feedback_score = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		score, types.NowMillis(), id, userID)
	if err != nil {
		return fmt.Errorf("failed to update feedback: %w", err)
	}
	return requireRow(res)
}

// DeleteMemory hard-deletes the row. Foreign or missing ids return
// storage.ErrNotFound.
func (s *Store) DeleteMemory(ctx context.Context, id, userID string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return requireRow(res)
}

// FilterExistingMemoryIDs returns the subset of ids with a memory row,
// across all tenants. Maintenance only.
func (s *Store) FilterExistingMemoryIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id FROM memories WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter memory ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan memory id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// SearchMemsByKeyword performs case-insensitive substring matching over
// content. With content encryption enabled this degrades to tag matching
// only, since ciphertext is opaque to LIKE.
func (s *Store) SearchMemsByKeyword(ctx context.Context, userID, query string, limit int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 10
	}
	needle := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_id = ? AND (lower(CAST(content AS TEXT)) LIKE ? OR lower(COALESCE(tags, '')) LIKE ?)
		 ORDER BY salience DESC, id ASC LIMIT ?`,
		userID, needle, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search by keyword: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanMemories(rows)
}

// UpsertWaypoint inserts the edge or replaces its weight.
func (s *Store) UpsertWaypoint(ctx context.Context, w *types.Waypoint) error {
	if w.SrcID == "" || w.DstID == "" {
		return fmt.Errorf("%w: waypoint endpoints are required", storage.ErrInvalidInput)
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_id, dst_id, user_id) DO UPDATE SET
			weight = excluded.weight,
			updated_at = excluded.updated_at`,
		w.SrcID, w.DstID, w.UserID, types.ClampWeight(w.Weight), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert waypoint: %w", err)
	}
	return nil
}

// GetWaypointsBySrc returns outgoing edges of src, weights clamped to [0,1].
func (s *Store) GetWaypointsBySrc(ctx context.Context, srcID, userID string) ([]*types.Waypoint, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT src_id, dst_id, user_id, weight, created_at, updated_at
		FROM waypoints WHERE src_id = ? AND user_id = ?`, srcID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get waypoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanWaypoints(rows)
}

// GetNeighbors returns outgoing edges for a batch of sources in one query.
func (s *Store) GetNeighbors(ctx context.Context, srcIDs []string, userID string) ([]*types.Waypoint, error) {
	if len(srcIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(srcIDs)+1)
	for _, id := range srcIDs {
		args = append(args, id)
	}
	args = append(args, userID)
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT src_id, dst_id, user_id, weight, created_at, updated_at
		FROM waypoints WHERE src_id IN (`+placeholders(len(srcIDs))+`) AND user_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get neighbors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanWaypoints(rows)
}

// DeleteWaypointsTouching removes every edge with id as source or destination.
func (s *Store) DeleteWaypointsTouching(ctx context.Context, id, userID string) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM waypoints WHERE (src_id = ? OR dst_id = ?) AND user_id = ?`, id, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete waypoints: %w", err)
	}
	return nil
}

// PruneWaypoints deletes edges below the weight threshold across all tenants.
// Maintenance only.
func (s *Store) PruneWaypoints(ctx context.Context, threshold float64) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM waypoints WHERE weight < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to prune waypoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TouchUser upserts the tenant row on first contact.
func (s *Store) TouchUser(ctx context.Context, userID string) error {
	now := types.NowMillis()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO users (user_id, summary, reflection_count, created_at, updated_at)
		VALUES (?, '', 0, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET updated_at = excluded.updated_at`,
		userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

// GetUser returns the tenant row or storage.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var u types.User
	var summary sql.NullString
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT user_id, summary, reflection_count, created_at, updated_at
		FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &summary, &u.ReflectionCount, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Summary = summary.String
	return &u, nil
}

// InsertEmbedLog records a new embedding job in pending state.
func (s *Store) InsertEmbedLog(ctx context.Context, l *types.EmbedLog) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO embed_logs (id, model, status, ts, err) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET model = excluded.model, status = excluded.status, ts = excluded.ts`,
		l.ID, l.Model, string(l.Status), l.TS, l.Err)
	if err != nil {
		return fmt.Errorf("failed to insert embed log: %w", err)
	}
	return nil
}

// UpdateEmbedLog transitions a job to completed or failed.
func (s *Store) UpdateEmbedLog(ctx context.Context, id string, status types.EmbedStatus, errMsg string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE embed_logs SET status = ?, err = ?, ts = ? WHERE id = ?`,
		string(status), errMsg, types.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update embed log: %w", err)
	}
	return requireRow(res)
}

// AppendStat records one maintenance accounting event.
func (s *Store) AppendStat(ctx context.Context, e types.StatEntry) error {
	ts := e.TS
	if ts == 0 {
		ts = types.NowMillis()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO stats (type, count, ts) VALUES (?, ?, ?)`, e.Type, e.Count, ts)
	if err != nil {
		return fmt.Errorf("failed to append stat: %w", err)
	}
	return nil
}

// GetStats returns events with ts >= since, newest first.
func (s *Store) GetStats(ctx context.Context, since int64) ([]types.StatEntry, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT type, count, ts FROM stats WHERE ts >= ? ORDER BY ts DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.StatEntry
	for rows.Next() {
		var e types.StatEntry
		if err := rows.Scan(&e.Type, &e.Count, &e.TS); err != nil {
			return nil, fmt.Errorf("failed to scan stat: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertTemporalFact inserts a fact, closing any open fact on the same
// (subject, predicate) timeline at the new fact's ValidFrom so intervals
// never overlap.
func (s *Store) InsertTemporalFact(ctx context.Context, f *types.TemporalFact) error {
	if f.Subject == "" || f.Predicate == "" {
		return fmt.Errorf("%w: subject and predicate are required", storage.ErrInvalidInput)
	}
	return s.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := s.q(ctx).ExecContext(ctx, `
			UPDATE temporal_facts SET valid_to = ?
			WHERE user_id = ? AND subject = ? AND predicate = ?
			  AND valid_to = 0 AND valid_from < ?`,
			f.ValidFrom, f.UserID, f.Subject, f.Predicate, f.ValidFrom)
		if err != nil {
			return fmt.Errorf("failed to close open fact: %w", err)
		}
		_, err = s.q(ctx).ExecContext(ctx, `
			INSERT INTO temporal_facts (id, user_id, subject, predicate, object, valid_from, valid_to)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.UserID, f.Subject, f.Predicate, f.Object, f.ValidFrom, f.ValidTo)
		if err != nil {
			return fmt.Errorf("failed to insert temporal fact: %w", err)
		}
		return nil
	})
}

// GetTemporalFacts returns the (subject, predicate) timeline ordered by
// valid_from ascending.
func (s *Store) GetTemporalFacts(ctx context.Context, userID, subject, predicate string) ([]*types.TemporalFact, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to
		FROM temporal_facts
		WHERE user_id = ? AND subject = ? AND predicate = ?
		ORDER BY valid_from ASC`, userID, subject, predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to get temporal facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.TemporalFact
	for rows.Next() {
		var f types.TemporalFact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Subject, &f.Predicate, &f.Object, &f.ValidFrom, &f.ValidTo); err != nil {
			return nil, fmt.Errorf("failed to scan temporal fact: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// InsertTemporalEdge links two facts with a typed relation.
func (s *Store) InsertTemporalEdge(ctx context.Context, e *types.TemporalEdge) error {
	if e.SrcFactID == "" || e.DstFactID == "" || e.Relation == "" {
		return fmt.Errorf("%w: src, dst, and relation are required", storage.ErrInvalidInput)
	}
	createdAt := e.CreatedAt
	if createdAt == 0 {
		createdAt = types.NowMillis()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO temporal_edges (id, user_id, src_fact_id, dst_fact_id, relation, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.SrcFactID, e.DstFactID, e.Relation, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert temporal edge: %w", err)
	}
	return nil
}

// GetTemporalEdgesBySrc returns outgoing edges of a fact, oldest first.
func (s *Store) GetTemporalEdgesBySrc(ctx context.Context, srcFactID, userID string) ([]*types.TemporalEdge, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, src_fact_id, dst_fact_id, relation, created_at
		FROM temporal_edges
		WHERE src_fact_id = ? AND user_id = ?
		ORDER BY created_at ASC, id ASC`, srcFactID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get temporal edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.TemporalEdge
	for rows.Next() {
		var e types.TemporalEdge
		if err := rows.Scan(&e.ID, &e.UserID, &e.SrcFactID, &e.DstFactID, &e.Relation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan temporal edge: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared memory scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var content []byte
	var simhash, sector sql.NullString
	var tagsJSON, metaJSON sql.NullString
	var meanDim sql.NullInt64

	err := row.Scan(
		&m.ID, &m.UserID, &m.Segment, &content, &simhash, &sector, &tagsJSON, &metaJSON,
		&m.CreatedAt, &m.UpdatedAt, &m.LastSeenAt, &m.Salience, &m.DecayLambda, &m.Version,
		&meanDim, &m.MeanVec, &m.CompressedVec, &m.FeedbackScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}

	plain, err := s.cipher.Decrypt(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content for %s: %w", m.ID, err)
	}
	m.Content = plain
	m.Simhash = simhash.String
	m.PrimarySector = types.Sector(sector.String)
	m.MeanDim = int(meanDim.Int64)

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
		}
	}
	return &m, nil
}

func (s *Store) scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var out []*types.Memory
	for rows.Next() {
		m, err := s.scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanWaypoints(rows *sql.Rows) ([]*types.Waypoint, error) {
	var out []*types.Waypoint
	for rows.Next() {
		var w types.Waypoint
		if err := rows.Scan(&w.SrcID, &w.DstID, &w.UserID, &w.Weight, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan waypoint: %w", err)
		}
		w.Weight = types.ClampWeight(w.Weight)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func marshalTagsMeta(tags []string, meta map[string]any) (string, string, error) {
	tagsJSON := ""
	if len(tags) > 0 {
		b, err := json.Marshal(tags)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal tags: %w", err)
		}
		tagsJSON = string(b)
	}
	metaJSON := ""
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return "", "", fmt.Errorf("failed to marshal meta: %w", err)
		}
		metaJSON = string(b)
	}
	return tagsJSON, metaJSON, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
