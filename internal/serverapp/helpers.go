package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"metaquery/internal/catalog"
	"metaquery/internal/config"
	"metaquery/internal/dbexec"
	"metaquery/internal/engine"
	"metaquery/internal/logging"
	"metaquery/internal/middleware"
	"metaquery/internal/observability"
	"metaquery/internal/querymodel"

	"github.com/XSAM/otelsql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// HTTP routes served by the application.
const (
	routeQuery      = "/v1/query"
	routeCompile    = "/v1/query/compile"
	routeInvalidate = "/admin/catalog/invalidate"
	routeHealth     = "/healthz"
	routeMetrics    = "/metrics"
)

func otlpExporterConfig(c config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:          c.Endpoint,
		Protocol:          c.Protocol,
		Insecure:          c.Insecure,
		TLSCertFile:       c.TLSCertFile,
		TLSClientCertFile: c.TLSClientCertFile,
		TLSClientKeyFile:  c.TLSClientKeyFile,
		Headers:           c.Headers,
		Timeout:           c.Timeout,
		Compression:       c.Compression,
		RetryEnabled:      c.RetryEnabled,
		RetryMaxAttempts:  c.RetryMaxAttempts,
	}
}

// InitLogger builds the process logger. When log export is enabled the returned logger
// also writes to the OTLP logger provider, which the caller must shut down.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPConfig:     otlpExporterConfig(logsConfig),
	})
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	logger.Info("OpenTelemetry logging initialized successfully")

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.QueryMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
	})
	if err != nil {
		return nil, nil, err
	}

	queryMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		_ = meterProvider.Shutdown(context.Background(), logger.Logger)
		return nil, nil, err
	}
	return meterProvider, queryMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig:       otlpExporterConfig(tracesConfig),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

func instrumentation(cfg *config.Config, logger *logging.Logger) dbexec.Instrumentation {
	instr := dbexec.Instrumentation{
		Metrics: cfg.Observability.MetricsEnabled,
		Tracing: cfg.Observability.TracingEnabled,
	}
	switch {
	case cfg.Observability.SQLCommenterEnabled && instr.Tracing:
		instr.SQLCommenter = true
	case cfg.Observability.SQLCommenterEnabled:
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}
	return instr
}

// catalogDatabase is the pool behind a sql catalog source.
type catalogDatabase struct {
	db       *sql.DB
	statsReg interface{ Unregister() error }
}

func (c *catalogDatabase) PingContext(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *catalogDatabase) Close() error {
	if c.statsReg != nil {
		_ = c.statsReg.Unregister()
	}
	return c.db.Close()
}

// openCatalogSource returns the snapshot loader selected by catalog.source. The database
// handle is nil for the file source.
func openCatalogSource(ctx context.Context, cfg *config.Config, logger *logging.Logger) (catalog.SnapshotLoader, *catalogDatabase, error) {
	switch cfg.Catalog.Source {
	case config.CatalogSourceFile:
		mem, err := catalog.LoadFile(cfg.Catalog.File)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("catalog loaded from file",
			slog.String("file", cfg.Catalog.File),
			slog.Int("scopes", mem.Scopes()),
		)
		return mem, nil, nil
	case config.CatalogSourceSQL:
		logger.Info("connecting to catalog database",
			slog.String("driver", cfg.Catalog.Driver),
			slog.String("host", cfg.Catalog.Host),
			slog.Int("port", cfg.Catalog.EffectivePort()),
			slog.String("database", cfg.Catalog.Database),
			slog.Bool("dsn_present", strings.TrimSpace(cfg.Catalog.ConnectionString) != ""),
		)
		cdb, err := connectCatalogDB(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := waitForDatabase(ctx, cfg.Catalog, logger, cdb); err != nil {
			_ = cdb.Close()
			return nil, nil, fmt.Errorf("failed to verify catalog database connection: %w", err)
		}
		logger.Info("connected to catalog database",
			slog.Int("pool_max_open", cfg.Catalog.Pool.MaxOpen),
			slog.Int("pool_max_idle", cfg.Catalog.Pool.MaxIdle),
			slog.Duration("pool_max_lifetime", cfg.Catalog.Pool.MaxLifetime),
		)
		return catalog.NewSQLStore(cdb.db, cfg.Catalog.Driver), cdb, nil
	default:
		return nil, nil, fmt.Errorf("unknown catalog source %q", cfg.Catalog.Source)
	}
}

func connectCatalogDB(cfg *config.Config, logger *logging.Logger) (*catalogDatabase, error) {
	// Custom TLS configurations must be registered before the DSN references them.
	if err := cfg.Catalog.RegisterTLS(); err != nil {
		return nil, fmt.Errorf("failed to register catalog TLS config: %w", err)
	}
	dsn, err := cfg.Catalog.DSN()
	if err != nil {
		return nil, err
	}

	system := semconv.DBSystemMySQL
	if cfg.Catalog.Driver == config.DriverPostgres {
		system = semconv.DBSystemPostgreSQL
	}

	instr := instrumentation(cfg, logger)
	var db *sql.DB
	var statsReg interface{ Unregister() error }
	if instr.Metrics || instr.Tracing {
		opts := []otelsql.Option{otelsql.WithAttributes(system)}
		if instr.Tracing {
			opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
		}
		if instr.SQLCommenter {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		}
		db, err = otelsql.Open(cfg.Catalog.Driver, dsn, opts...)
		if err != nil {
			return nil, err
		}
		if instr.Metrics {
			statsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))
			if err != nil {
				logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			}
		}
	} else {
		db, err = sql.Open(cfg.Catalog.Driver, dsn)
		if err != nil {
			return nil, err
		}
	}

	db.SetMaxOpenConns(cfg.Catalog.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Catalog.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Catalog.Pool.MaxLifetime)
	return &catalogDatabase{db: db, statsReg: statsReg}, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// pingFunc adapts a plain ping function to pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// waitForDatabase pings db until it answers or cfg.ConnectTimeout elapses, backing off
// exponentially between attempts. A zero timeout tries once.
func waitForDatabase(ctx context.Context, cfg config.CatalogConfig, logger *logging.Logger, db pinger) error {
	if cfg.ConnectTimeout == 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(cfg.ConnectTimeout)
	interval := cfg.ConnectRetryInterval
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("catalog database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", cfg.ConnectTimeout, err)
		}

		logger.Warn("catalog database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, 30*time.Second)
	}
}

func buildCatalogCache(cfg *config.Config, logger *logging.Logger, loader catalog.SnapshotLoader, metrics *observability.QueryMetrics) (*catalog.Cache, error) {
	cacheCfg := catalog.CacheConfig{
		Loader: loader,
		TTL:    cfg.Catalog.CacheTTL,
		Logger: logger,
	}
	if metrics != nil {
		cacheCfg.Metrics = metrics
	}
	return catalog.NewCache(cacheCfg)
}

// connectionResolver maps configured target connections to pool settings.
func connectionResolver(conns []config.ConnectionConfig) dbexec.StaticResolver {
	resolver := make(dbexec.StaticResolver, len(conns))
	for _, c := range conns {
		key := dbexec.ConnectionKey{
			TenantCode:   strings.TrimSpace(c.TenantCode),
			AppCode:      strings.TrimSpace(c.AppCode),
			ConnectionID: strings.TrimSpace(c.ConnectionID),
		}
		resolver[key] = dbexec.ConnectionConfig{
			Driver:          c.Driver,
			DSN:             c.DSN,
			MaxOpenConns:    c.MaxOpenConns,
			MaxIdleConns:    c.MaxIdleConns,
			ConnMaxLifetime: c.ConnMaxLifetime,
			Role:            c.Role,
			SearchPath:      c.SearchPath,
		}
	}
	return resolver
}

func buildPoolRouter(cfg *config.Config, logger *logging.Logger) (*dbexec.PoolRouter, error) {
	logger.Info("target connections configured", slog.Int("count", len(cfg.Connections)))
	return dbexec.NewPoolRouter(dbexec.PoolRouterConfig{
		Resolver:        connectionResolver(cfg.Connections),
		Instrumentation: instrumentation(cfg, logger),
		Logger:          logger,
	})
}

func buildEngine(cfg *config.Config, logger *logging.Logger, cat catalog.Catalog, router dbexec.Router, metrics *observability.QueryMetrics) (*engine.Engine, error) {
	loc, err := cfg.Query.Location()
	if err != nil {
		return nil, err
	}
	engineCfg := engine.Config{
		Catalog: cat,
		Runner:  dbexec.NewExecutor(router, cfg.Query.StatementTimeout, logger),
		Model: querymodel.Options{
			DefaultLimit: cfg.Query.DefaultLimit,
			MaxLimit:     cfg.Query.MaxLimit,
		},
		Location: loc,
		Logger:   logger,
	}
	if metrics != nil {
		engineCfg.Metrics = metrics
	}
	return engine.New(engineCfg)
}

// routerDeps are the collaborators the HTTP routes call into.
type routerDeps struct {
	engine        queryService
	catalogDB     pinger
	pools         pinger
	metrics       *observability.QueryMetrics
	exposeMetrics bool
}

func buildRouter(cfg *config.Config, logger *logging.Logger, deps routerDeps) (*http.ServeMux, error) {
	h := &handlers{
		engine:          deps.engine,
		metrics:         deps.metrics,
		maxRequestBytes: cfg.Server.MaxRequestBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+routeQuery, h.query)
	mux.HandleFunc("POST "+routeCompile, h.compile)

	var checks []healthCheck
	if deps.catalogDB != nil {
		checks = append(checks, healthCheck{name: "catalog", target: deps.catalogDB})
	}
	if deps.pools != nil {
		checks = append(checks, healthCheck{name: "connections", target: deps.pools})
	}
	mux.HandleFunc("GET "+routeHealth, healthHandler(checks, cfg.Server.HealthCheckTimeout))

	if cfg.Server.Admin.InvalidateEnabled {
		var invalidate http.Handler = http.HandlerFunc(h.invalidate)
		if token := strings.TrimSpace(cfg.Server.Admin.AuthToken); token != "" {
			guard, err := middleware.AdminTokenMiddleware(middleware.AdminTokenConfig{Token: token})
			if err != nil {
				return nil, err
			}
			invalidate = guard(invalidate)
		} else {
			logger.Warn("catalog invalidation endpoint is not protected by an admin token",
				slog.String("path", routeInvalidate))
		}
		mux.Handle("POST "+routeInvalidate, invalidate)
	}

	if deps.exposeMetrics {
		mux.Handle("GET "+routeMetrics, promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", routeMetrics))
	}

	return mux, nil
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORSEnabled {
		handler = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          cfg.Server.CORSEnabled,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   cfg.Server.CORSAllowedMethods,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
		})(handler)
	}

	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: cfg.Server.RateLimitEnabled,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		})(handler)
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names bounded to the known routes.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case routeQuery, routeCompile, routeInvalidate, routeHealth, routeMetrics:
		return rawPath
	default:
		return "/*"
	}
}

func tlsEnabled(cfg *config.Config) bool {
	return cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != ""
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	useTLS := tlsEnabled(cfg)
	go func() {
		protocol := "http"
		if useTLS {
			protocol = "https"
		}

		logAttrs := []any{
			slog.String("protocol", protocol),
			slog.String("address", serverAddr),
			slog.String("query_endpoint", routeQuery),
			slog.String("health_endpoint", routeHealth),
			slog.Int("default_limit", cfg.Query.DefaultLimit),
			slog.Int("max_limit", cfg.Query.MaxLimit),
			slog.String("log_level", cfg.Observability.Logging.Level),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", routeMetrics))
		}
		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}
		logAttrs = append(logAttrs, slog.Bool("tls_enabled", useTLS))

		logger.Info("server starting", logAttrs...)

		var err error
		if useTLS {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}
