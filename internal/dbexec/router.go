package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"metaquery/internal/logging"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Supported target drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// ConnectionKey identifies one target database. Pools are never shared across keys.
type ConnectionKey struct {
	TenantCode   string
	AppCode      string
	ConnectionID string
}

func (k ConnectionKey) String() string {
	return k.TenantCode + "/" + k.AppCode + "/" + k.ConnectionID
}

// ConnectionConfig describes how to open the pool of one connection key.
type ConnectionConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Role and SearchPath, when set, are applied per query through SET ROLE and
	// SET search_path on a dedicated connection.
	Role       string
	SearchPath []string
}

// DSNResolver resolves a connection key to its connection settings. Credential lookup is
// the resolver's concern.
type DSNResolver interface {
	Resolve(ctx context.Context, key ConnectionKey) (ConnectionConfig, error)
}

// StaticResolver serves connection settings from configuration.
type StaticResolver map[ConnectionKey]ConnectionConfig

func (r StaticResolver) Resolve(_ context.Context, key ConnectionKey) (ConnectionConfig, error) {
	cfg, ok := r[key]
	if !ok {
		return ConnectionConfig{}, fmt.Errorf("no connection configured for %s", key)
	}
	return cfg, nil
}

// Router hands out the executor of a connection key.
type Router interface {
	Executor(ctx context.Context, key ConnectionKey) (QueryExecutor, Placeholders, error)
}

// Instrumentation controls otelsql wrapping of opened pools.
type Instrumentation struct {
	Metrics      bool
	Tracing      bool
	SQLCommenter bool
}

func (i Instrumentation) enabled() bool {
	return i.Metrics || i.Tracing
}

// PoolRouterConfig configures a PoolRouter.
type PoolRouterConfig struct {
	Resolver        DSNResolver
	Instrumentation Instrumentation
	Logger          *logging.Logger
}

type pool struct {
	db           *sql.DB
	executor     QueryExecutor
	placeholders Placeholders
	statsReg     interface{ Unregister() error }
}

// PoolRouter keeps one lazily opened *sql.DB per connection key.
type PoolRouter struct {
	resolver DSNResolver
	instr    Instrumentation
	logger   *logging.Logger
	open     func(driver, dsn string, instr Instrumentation) (*sql.DB, interface{ Unregister() error }, error)

	mu    sync.Mutex
	pools map[ConnectionKey]*pool
}

// NewPoolRouter creates a router over cfg.Resolver.
func NewPoolRouter(cfg PoolRouterConfig) (*PoolRouter, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("pool router requires a DSN resolver")
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}
	return &PoolRouter{
		resolver: cfg.Resolver,
		instr:    cfg.Instrumentation,
		logger:   cfg.Logger.WithComponent("pool_router"),
		open:     openDB,
		pools:    make(map[ConnectionKey]*pool),
	}, nil
}

var _ Router = (*PoolRouter)(nil)

// Executor returns the executor of key, opening its pool on first use.
func (r *PoolRouter) Executor(ctx context.Context, key ConnectionKey) (QueryExecutor, Placeholders, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[key]; ok {
		return p.executor, p.placeholders, nil
	}

	cfg, err := r.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, Dollar, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverPostgres
	}
	if driver != DriverPostgres && driver != DriverMySQL {
		return nil, Dollar, fmt.Errorf("unsupported driver %q for connection %s", cfg.Driver, key)
	}

	db, statsReg, err := r.open(driver, cfg.DSN, r.instr)
	if err != nil {
		return nil, Dollar, fmt.Errorf("failed to open connection %s: %w", key, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	var executor QueryExecutor = NewStandardExecutor(db)
	if cfg.Role != "" || len(cfg.SearchPath) > 0 {
		roleExec, err := NewRoleExecutor(RoleExecutorConfig{DB: db, Role: cfg.Role, SearchPath: cfg.SearchPath})
		if err != nil {
			_ = db.Close()
			return nil, Dollar, fmt.Errorf("connection %s: %w", key, err)
		}
		executor = roleExec
	}

	p := &pool{db: db, executor: executor, placeholders: PlaceholdersFor(driver), statsReg: statsReg}
	r.pools[key] = p

	r.logger.Info("opened connection pool",
		slog.String("connection", key.String()),
		slog.String("driver", driver),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
		slog.Bool("role_scoped", cfg.Role != "" || len(cfg.SearchPath) > 0),
	)
	return p.executor, p.placeholders, nil
}

// Keys returns the connection keys with an open pool, sorted.
func (r *PoolRouter) Keys() []ConnectionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]ConnectionKey, 0, len(r.pools))
	for k := range r.pools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Ping checks every open pool.
func (r *PoolRouter) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.pools {
		if err := p.db.PingContext(ctx); err != nil {
			return fmt.Errorf("connection %s: %w", key, err)
		}
	}
	return nil
}

// Close closes every pool.
func (r *PoolRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, p := range r.pools {
		if p.statsReg != nil {
			_ = p.statsReg.Unregister()
		}
		if err := p.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection %s: %w", key, err)
		}
		delete(r.pools, key)
	}
	return firstErr
}

func dbSystem(driver string) attribute.KeyValue {
	if driver == DriverMySQL {
		return semconv.DBSystemMySQL
	}
	return semconv.DBSystemPostgreSQL
}

// openDB opens a pool, wrapped with otelsql when metrics or tracing are enabled.
func openDB(driver, dsn string, instr Instrumentation) (*sql.DB, interface{ Unregister() error }, error) {
	if !instr.enabled() {
		db, err := sql.Open(driver, dsn)
		return db, nil, err
	}

	opts := []otelsql.Option{otelsql.WithAttributes(dbSystem(driver))}
	if instr.Tracing {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
		if instr.SQLCommenter {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		}
	}
	db, err := otelsql.Open(driver, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}
	if !instr.Metrics {
		return db, nil, nil
	}
	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystem(driver)))
	if err != nil {
		slog.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		return db, nil, nil
	}
	return db, reg, nil
}
