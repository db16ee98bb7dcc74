package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/openmemory/pkg/types"
)

// Migration is one ordered, idempotent schema step. Statements run in order
// inside a single transaction; a "duplicate column" failure on an idempotent
// ALTER is swallowed, any other failure aborts and reverts the step.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// MigrationManager applies ordered migrations against a database/sql handle,
// tracking the current version in the schema_version table. A fresh install
// applies every step; existing installs apply only versions strictly greater
// than the stored one.
type MigrationManager struct {
	db          *sql.DB
	placeholder func(string) string // translates ? placeholders for the backend
	log         *zap.Logger
}

// NewMigrationManager creates a manager. translate rewrites ? placeholders
// into the backend's positional syntax (identity for SQLite, $n for
// PostgreSQL).
func NewMigrationManager(db *sql.DB, translate func(string) string, log *zap.Logger) *MigrationManager {
	if translate == nil {
		translate = func(s string) string { return s }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MigrationManager{db: db, placeholder: translate, log: log}
}

// Up applies all pending migrations in ascending version order.
// Returns an error wrapping ErrSchema on failure.
func (mgr *MigrationManager) Up(migrations []Migration) error {
	if err := mgr.ensureVersionTable(); err != nil {
		return fmt.Errorf("%w: creating schema_version table: %v", ErrSchema, err)
	}

	current, err := mgr.Version()
	if err != nil {
		return fmt.Errorf("%w: reading current version: %v", ErrSchema, err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		if err := mgr.apply(m); err != nil {
			return err
		}
		mgr.log.Info("applied schema migration",
			zap.Int("version", m.Version),
			zap.String("name", m.Name))
	}
	return nil
}

// Version returns the highest applied migration version, 0 when none.
func (mgr *MigrationManager) Version() (int, error) {
	var v int
	err := mgr.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (mgr *MigrationManager) ensureVersionTable() error {
	_, err := mgr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`)
	return err
}

func (mgr *MigrationManager) apply(m Migration) error {
	tx, err := mgr.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin for version %d: %v", ErrSchema, m.Version, err)
	}

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			if isDuplicateColumnErr(err) {
				// Idempotent ALTER re-applied after a partial run.
				continue
			}
			_ = tx.Rollback()
			return fmt.Errorf("%w: version %d (%s): %v", ErrSchema, m.Version, m.Name, err)
		}
	}

	record := mgr.placeholder("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)")
	if _, err := tx.Exec(record, m.Version, types.NowMillis()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: recording version %d: %v", ErrSchema, m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit for version %d: %v", ErrSchema, m.Version, err)
	}
	return nil
}

// isDuplicateColumnErr matches the duplicate-column messages of both SQLite
// and PostgreSQL so idempotent ALTER TABLE steps can be re-run safely.
func isDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists")
}

// TranslatePlaceholders rewrites ? placeholders into $1..$n for PostgreSQL.
// Identifiers are always literal strings in this codebase, so a plain scan is
// sufficient; no user input ever interpolates into SQL text.
func TranslatePlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
