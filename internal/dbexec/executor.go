// Package dbexec runs generated statements on per-connection database pools: it binds
// named parameters to the driver's placeholder style, applies the statement timeout and
// normalizes scanned values into JSON-ready rows.
package dbexec

import (
	"context"
	"database/sql"
)

// Rows is the subset of *sql.Rows the executor reads. Wrappers use it to release
// connection-scoped state on Close.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	ColumnTypes() ([]*sql.ColumnType, error)
	Err() error
	Close() error
}

// QueryExecutor runs one read statement.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// sqlQueryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// StandardExecutor runs statements directly on a pool without session setup.
type StandardExecutor struct {
	q sqlQueryer
}

// NewStandardExecutor wraps db. A nil db yields an executor that fails every query.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	if db == nil {
		return &StandardExecutor{}
	}
	return &StandardExecutor{q: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.q == nil {
		return nil, sql.ErrConnDone
	}
	return e.q.QueryContext(ctx, query, args...)
}
