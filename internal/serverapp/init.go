package serverapp

import (
	"context"
	"fmt"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, queryMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	loader, catalogDB, err := openCatalogSource(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	if catalogDB != nil {
		cleanup.push("catalog database", func(_ context.Context) error {
			return catalogDB.Close()
		})
	}

	catalogCache, err := buildCatalogCache(a.cfg, a.logger, loader, queryMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog cache: %w", err)
	}

	pools, err := buildPoolRouter(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize connection pools: %w", err)
	}
	cleanup.push("connection pools", func(_ context.Context) error {
		return pools.Close()
	})

	eng, err := buildEngine(a.cfg, a.logger, catalogCache, pools, queryMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize query engine: %w", err)
	}

	deps := routerDeps{
		engine:        eng,
		pools:         pingFunc(pools.Ping),
		metrics:       queryMetrics,
		exposeMetrics: meterProvider != nil,
	}
	if catalogDB != nil {
		deps.catalogDB = catalogDB
	}
	mux, err := buildRouter(a.cfg, a.logger, deps)
	if err != nil {
		return fmt.Errorf("failed to build HTTP routes: %w", err)
	}
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, serverAddr)
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.tracerProvider = tracerProvider
	a.queryMetrics = queryMetrics
	a.catalogDB = catalogDB
	a.catalogCache = catalogCache
	a.pools = pools
	a.engine = eng
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
