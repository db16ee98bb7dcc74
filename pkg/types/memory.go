// Package types defines the shared data model for the OpenMemory engine:
// memories, per-sector vectors, waypoint edges, tenants, and maintenance
// bookkeeping rows. All timestamps are integer milliseconds since the Unix
// epoch so the model round-trips identically through SQLite and PostgreSQL.
package types

import (
	"fmt"
	"time"
)

// Memory is the atomic unit of storage. Content is semantically plaintext;
// when encryption is enabled the store encrypts it at rest and decrypts it on
// read paths that return content to callers.
type Memory struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`           // tenant key; empty means anonymous
	Segment       int            `json:"segment"`           // rotation bucket
	Content       string         `json:"content"`
	Simhash       string         `json:"simhash"`           // 64-bit lexical fingerprint, hex
	PrimarySector Sector         `json:"primary_sector"`
	Tags          []string       `json:"tags,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
	LastSeenAt    int64          `json:"last_seen_at"`
	Salience      float64        `json:"salience"`     // [0,1]
	DecayLambda   float64        `json:"decay_lambda"` // > 0
	Version       int            `json:"version"`      // >= 1, bumped on content update
	MeanDim       int            `json:"mean_dim,omitempty"`
	MeanVec       []byte         `json:"-"` // raw little-endian float32 bytes
	CompressedVec []byte         `json:"-"`
	FeedbackScore float64        `json:"feedback_score"` // [0,1]
}

// Validate checks the invariants a memory row must satisfy before it is
// persisted.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory id is required")
	}
	if m.Content == "" {
		return fmt.Errorf("memory content is required")
	}
	if !m.PrimarySector.Valid() {
		return fmt.Errorf("invalid primary sector %q", m.PrimarySector)
	}
	if m.Salience < 0 || m.Salience > 1 {
		return fmt.Errorf("salience %v outside [0,1]", m.Salience)
	}
	if m.DecayLambda <= 0 {
		return fmt.Errorf("decay lambda must be positive, got %v", m.DecayLambda)
	}
	if m.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", m.Version)
	}
	if m.LastSeenAt < m.CreatedAt {
		return fmt.Errorf("last_seen_at %d precedes created_at %d", m.LastSeenAt, m.CreatedAt)
	}
	return nil
}

// Vector is one dense embedding of a memory in a single sector.
// The composite key is (ID, Sector, UserID).
type Vector struct {
	ID     string    `json:"id"`
	Sector Sector    `json:"sector"`
	UserID string    `json:"user_id"`
	V      []float32 `json:"v"`
	Dim    int       `json:"dim"`
}

// Waypoint is a directed, weighted edge between two memories of the same
// tenant. Weights live in [0,1] and are clamped on read.
type Waypoint struct {
	SrcID     string  `json:"src_id"`
	DstID     string  `json:"dst_id"`
	UserID    string  `json:"user_id"`
	Weight    float64 `json:"weight"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// ClampWeight forces w into [0,1].
func ClampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// User is a tenant row, created on first memory add and mutated by the
// external reflection subsystem.
type User struct {
	UserID          string `json:"user_id"`
	Summary         string `json:"summary,omitempty"`
	ReflectionCount int    `json:"reflection_count"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// EmbedStatus tracks the lifecycle of one embedding job.
type EmbedStatus string

const (
	EmbedPending   EmbedStatus = "pending"
	EmbedCompleted EmbedStatus = "completed"
	EmbedFailed    EmbedStatus = "failed"
)

// EmbedLog records one embedding job for retry visibility. It is advisory,
// not authoritative: the vectors table is the source of truth.
type EmbedLog struct {
	ID     string      `json:"id"`
	Model  string      `json:"model"`
	Status EmbedStatus `json:"status"`
	TS     int64       `json:"ts"`
	Err    string      `json:"err,omitempty"`
}

// StatEntry is one append-only maintenance accounting event.
type StatEntry struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
	TS    int64  `json:"ts"`
}

// TemporalFact is a subject-predicate-object assertion with a validity
// interval. Within a (subject, predicate) timeline intervals never overlap:
// inserting a new fact closes the open one at the new fact's ValidFrom.
type TemporalFact struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	ValidFrom int64  `json:"valid_from"`
	ValidTo   int64  `json:"valid_to"` // 0 = still valid
}

// TemporalEdge links two temporal facts (e.g. causal or refinement links).
type TemporalEdge struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	SrcFactID string `json:"src_fact_id"`
	DstFactID string `json:"dst_fact_id"`
	Relation  string `json:"relation"`
	CreatedAt int64  `json:"created_at"`
}

// NowMillis returns the current wall clock in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
