// Package storage defines the durable-store contracts for the OpenMemory
// engine: tenant-scoped metadata, per-sector vectors, waypoint edges, and the
// migration machinery shared by the SQLite and PostgreSQL backends.
package storage

import (
	"errors"

	"github.com/scrypster/openmemory/pkg/types"
)

var (
	// ErrNotFound indicates that the requested row does not exist or is
	// invisible to the calling tenant.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that caller input failed preconditions
	// (missing tenant on a mutation, invalid sector, oversize payload).
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransaction indicates a begin/commit/rollback contract violation.
	// Callers must not retry blindly.
	ErrTransaction = errors.New("transaction violation")

	// ErrSchema indicates a failed migration. Fatal at startup.
	ErrSchema = errors.New("schema migration failed")

	// ErrDimensionMismatch indicates a vector whose length does not match
	// the expected dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// MemoryUpdate describes a partial update to a memory row. Nil pointer fields
// are left unchanged. When Content is set the caller is expected to also set
// Simhash and (usually) BumpVersion.
type MemoryUpdate struct {
	Content       *string
	Simhash       *string
	PrimarySector *types.Sector
	Tags          []string       // nil = unchanged, empty slice = clear
	Meta          map[string]any // nil = unchanged
	BumpVersion   bool
	UpdatedAt     int64
}

// SalienceUpdate is one row of a batched decay write.
type SalienceUpdate struct {
	ID       string
	UserID   string
	Salience float64
}

// ListOptions filters and pages ListMemories.
type ListOptions struct {
	UserID string       // empty = all tenants (maintenance only)
	Sector types.Sector // empty = all sectors
	Limit  int
	Offset int
}

// Normalize applies defaults and caps.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Cursor is a stable pagination position over (created_at, id). The zero
// value starts from the beginning.
type Cursor struct {
	CreatedAt int64
	ID        string
}

// Zero reports whether the cursor is the start-of-scan position.
func (c Cursor) Zero() bool {
	return c.CreatedAt == 0 && c.ID == ""
}

// VectorMatch is one similarity-search hit. Higher score is better.
type VectorMatch struct {
	ID     string
	Score  float64
	Sector types.Sector
}
