// Package serverapp assembles the query service: observability providers, the catalog,
// target connection pools, the engine and the HTTP server that fronts them.
package serverapp

import (
	"fmt"
	"net/http"
	"sync"

	"metaquery/internal/catalog"
	"metaquery/internal/config"
	"metaquery/internal/dbexec"
	"metaquery/internal/engine"
	"metaquery/internal/logging"
	"metaquery/internal/observability"
)

// App owns runtime resources for the query server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider
	meterProvider  *observability.MeterProvider
	tracerProvider *observability.TracerProvider
	queryMetrics   *observability.QueryMetrics

	catalogDB    *catalogDatabase
	catalogCache *catalog.Cache
	pools        *dbexec.PoolRouter
	engine       *engine.Engine

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the fully wrapped HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}
