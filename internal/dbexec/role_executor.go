package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"metaquery/internal/sqlutil"
)

// RoleExecutor runs each query on a dedicated connection after switching to the
// connection's configured role and search path, and resets both before the connection
// returns to the pool.
type RoleExecutor struct {
	db         *sql.DB
	role       string
	searchPath []string
}

// RoleExecutorConfig controls role execution behavior.
type RoleExecutorConfig struct {
	DB         *sql.DB
	Role       string
	SearchPath []string
}

// NewRoleExecutor validates the role and search path identifiers and creates the executor.
func NewRoleExecutor(cfg RoleExecutorConfig) (*RoleExecutor, error) {
	if cfg.Role != "" && !sqlutil.IsValidIdentifier(cfg.Role) {
		return nil, fmt.Errorf("invalid role name %q", cfg.Role)
	}
	for _, schema := range cfg.SearchPath {
		if !sqlutil.IsValidIdentifier(schema) {
			return nil, fmt.Errorf("invalid search path schema %q", schema)
		}
	}
	return &RoleExecutor{db: cfg.DB, role: cfg.Role, searchPath: cfg.SearchPath}, nil
}

// setupStatements returns the session statements applied before the query.
func (e *RoleExecutor) setupStatements() []string {
	var stmts []string
	if e.role != "" {
		// SET ROLE does not accept bind parameters; the name was validated at construction.
		stmts = append(stmts, "SET ROLE "+sqlutil.QuoteIdentifier(e.role))
	}
	if len(e.searchPath) > 0 {
		quoted := make([]string, len(e.searchPath))
		for i, schema := range e.searchPath {
			quoted[i] = sqlutil.QuoteIdentifier(schema)
		}
		stmts = append(stmts, "SET search_path TO "+strings.Join(quoted, ", "))
	}
	return stmts
}

func (e *RoleExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	cleanup := func() {
		// RESET ALL also restores role and search_path.
		_, _ = conn.ExecContext(context.Background(), "RESET ALL")
		_ = conn.Close()
	}

	for _, stmt := range e.setupStatements() {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to prepare session (%s): %w", stmt, err)
		}
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &roleAwareRows{
		Rows:    rows,
		cleanup: cleanup,
	}, nil
}

type roleAwareRows struct {
	*sql.Rows
	cleanup func()
}

func (r *roleAwareRows) Close() error {
	defer r.cleanup()
	return r.Rows.Close()
}
