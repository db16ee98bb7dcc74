package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx. Store
// methods run against whichever the context selects, so the same query code
// serves both transactional and plain paths.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txState struct {
	tx    *sql.Tx
	depth int
}

// Querier returns the active transaction from ctx, or db when none is open.
func Querier(ctx context.Context, db *sql.DB) DBTX {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st.tx
	}
	return db
}

// RunInTransaction executes fn inside a transaction on db. The first call
// opens a real transaction; nested calls open savepoints so an inner
// rollback discards only the inner scope. Savepoint syntax is identical on
// SQLite and PostgreSQL, so both backends share this implementation.
func RunInTransaction(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		st.depth++
		sp := fmt.Sprintf("sp_%d", st.depth)
		defer func() { st.depth-- }()

		if _, err := st.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("%w: savepoint %s: %v", ErrTransaction, sp, err)
		}
		if err := fn(ctx); err != nil {
			if _, rbErr := st.tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
				return fmt.Errorf("%w: rollback to %s after %v: %v", ErrTransaction, sp, err, rbErr)
			}
			if _, relErr := st.tx.ExecContext(ctx, "RELEASE "+sp); relErr != nil {
				return fmt.Errorf("%w: release %s after rollback: %v", ErrTransaction, sp, relErr)
			}
			return err
		}
		if _, err := st.tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
			return fmt.Errorf("%w: release %s: %v", ErrTransaction, sp, err)
		}
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTransaction, err)
	}
	ctx = context.WithValue(ctx, txKey{}, &txState{tx: tx})

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w: rollback after %v: %v", ErrTransaction, err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransaction, err)
	}
	return nil
}
