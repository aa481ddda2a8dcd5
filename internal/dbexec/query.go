package dbexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"metaquery/internal/compiler"
	"metaquery/internal/logging"
	"metaquery/internal/queryerr"
	"metaquery/internal/sqlgen"
)

// Row is one result row: column names in statement order with normalized values.
type Row struct {
	Columns []string
	Values  []any
}

// Map returns the row keyed by column name.
func (r Row) Map() map[string]any {
	out := make(map[string]any, len(r.Columns))
	for i, col := range r.Columns {
		out[col] = r.Values[i]
	}
	return out
}

// Result is the outcome of one executed statement.
type Result struct {
	Rows     []Row
	RowCount int
	SQL      string
	Params   []compiler.Param
	Elapsed  time.Duration
}

// Executor runs generated statements through a Router.
type Executor struct {
	router  Router
	timeout time.Duration
	logger  *logging.Logger
}

// NewExecutor creates an executor. A zero timeout leaves the caller's deadline in charge.
func NewExecutor(router Router, timeout time.Duration, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = &logging.Logger{Logger: slog.Default()}
	}
	return &Executor{
		router:  router,
		timeout: timeout,
		logger:  logger.WithComponent("executor"),
	}
}

// Query executes stmt on the connection of key. Every failure is an ExecutionFailed
// error and no partial rows are returned.
func (e *Executor) Query(ctx context.Context, key ConnectionKey, stmt *sqlgen.Statement) (*Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	exec, placeholders, err := e.router.Executor(ctx, key)
	if err != nil {
		return nil, queryerr.ExecutionFailed(err, "no executor for connection %s", key)
	}
	query, args, err := Bind(stmt.SQL, stmt.Params, placeholders)
	if err != nil {
		return nil, queryerr.ExecutionFailed(err, "failed to bind statement parameters")
	}

	start := time.Now()
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		e.logger.Debug("statement failed", slog.String("connection", key.String()), slog.String("error", err.Error()))
		return nil, queryerr.ExecutionFailed(err, "statement execution failed")
	}
	result, err := scanRows(rows)
	if err != nil {
		return nil, queryerr.ExecutionFailed(err, "failed to read statement results")
	}
	result.SQL = stmt.SQL
	result.Params = stmt.Params
	result.Elapsed = time.Since(start)

	e.logger.Debug("statement executed",
		slog.String("connection", key.String()),
		slog.Int("rows", result.RowCount),
		slog.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

func scanRows(rows Rows) (*Result, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	dbTypes := make([]string, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			if i < len(dbTypes) && ct != nil {
				dbTypes[i] = ct.DatabaseTypeName()
			}
		}
	}

	result := &Result{Rows: []Row{}}
	for rows.Next() {
		raw := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values := make([]any, len(columns))
		for i, v := range raw {
			values[i] = normalize(v, dbTypes[i])
		}
		result.Rows = append(result.Rows, Row{Columns: columns, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}
