package sqlite

import "github.com/scrypster/openmemory/internal/storage"

// Migrations returns the ordered schema history for the SQLite backend.
// A fresh database runs the whole list; upgrades apply only versions above
// the one recorded in schema_version. Steps are idempotent: CREATE uses
// IF NOT EXISTS and re-applied ALTERs are swallowed by the manager.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version: 1,
			Name:    "base_schema",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS memories (
					id TEXT PRIMARY KEY,
					user_id TEXT,
					segment INTEGER NOT NULL DEFAULT 0,
					content BLOB NOT NULL,
					simhash TEXT,
					primary_sector TEXT NOT NULL,
					tags TEXT,
					meta TEXT,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					last_seen_at BIGINT NOT NULL,
					salience REAL NOT NULL DEFAULT 0.5,
					decay_lambda REAL NOT NULL DEFAULT 0.015,
					version INTEGER NOT NULL DEFAULT 1,
					mean_dim INTEGER,
					mean_vec BLOB
				)`,
				`CREATE TABLE IF NOT EXISTS vectors (
					id TEXT NOT NULL,
					sector TEXT NOT NULL,
					user_id TEXT,
					v BLOB NOT NULL,
					dim INTEGER NOT NULL,
					PRIMARY KEY (id, sector)
				)`,
				`CREATE TABLE IF NOT EXISTS waypoints (
					src_id TEXT NOT NULL,
					dst_id TEXT NOT NULL,
					user_id TEXT,
					weight REAL NOT NULL,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (src_id, dst_id, user_id)
				)`,
				`CREATE TABLE IF NOT EXISTS users (
					user_id TEXT PRIMARY KEY,
					summary TEXT,
					reflection_count INTEGER NOT NULL DEFAULT 0,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS embed_logs (
					id TEXT PRIMARY KEY,
					model TEXT NOT NULL,
					status TEXT NOT NULL,
					ts BIGINT NOT NULL,
					err TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS stats (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					type TEXT NOT NULL,
					count INTEGER NOT NULL,
					ts BIGINT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_sector ON memories(primary_sector)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_simhash ON memories(simhash)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_last_seen ON memories(last_seen_at)`,
				`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_vectors_sector ON vectors(sector)`,
				`CREATE INDEX IF NOT EXISTS idx_vectors_user ON vectors(user_id)`,
				`CREATE INDEX IF NOT EXISTS idx_waypoints_src ON waypoints(src_id)`,
				`CREATE INDEX IF NOT EXISTS idx_waypoints_dst ON waypoints(dst_id)`,
				`CREATE INDEX IF NOT EXISTS idx_waypoints_user ON waypoints(user_id)`,
			},
		},
		{
			Version: 2,
			Name:    "feedback_and_compression",
			Statements: []string{
				`ALTER TABLE memories ADD COLUMN compressed_vec BLOB`,
				`ALTER TABLE memories ADD COLUMN feedback_score REAL NOT NULL DEFAULT 0`,
			},
		},
		{
			Version: 3,
			Name:    "temporal_facts",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS temporal_facts (
					id TEXT PRIMARY KEY,
					user_id TEXT,
					subject TEXT NOT NULL,
					predicate TEXT NOT NULL,
					object TEXT NOT NULL,
					valid_from BIGINT NOT NULL,
					valid_to BIGINT NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS temporal_edges (
					id TEXT PRIMARY KEY,
					user_id TEXT,
					src_fact_id TEXT NOT NULL,
					dst_fact_id TEXT NOT NULL,
					relation TEXT NOT NULL,
					created_at BIGINT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_temporal_timeline
					ON temporal_facts(user_id, subject, predicate, valid_from)`,
			},
		},
	}
}
