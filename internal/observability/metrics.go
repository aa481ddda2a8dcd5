package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueryMetrics holds the pipeline metrics of the query engine and its catalog cache.
type QueryMetrics struct {
	compileDuration metric.Float64Histogram
	executeDuration metric.Float64Histogram
	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	rowsReturned    metric.Int64Histogram
	activeRequests  metric.Int64UpDownCounter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	invalidations   metric.Int64Counter
}

// InitQueryMetrics initializes query engine metrics
func InitQueryMetrics() (*QueryMetrics, error) {
	meter := otel.Meter("metaquery")

	compileDuration, err := meter.Float64Histogram(
		"metaquery.compile.duration",
		metric.WithDescription("Duration of request compilation (catalog load, planning, SQL generation) in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile duration histogram: %w", err)
	}

	executeDuration, err := meter.Float64Histogram(
		"metaquery.execute.duration",
		metric.WithDescription("Duration of statement execution in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execute duration histogram: %w", err)
	}

	requestCounter, err := meter.Int64Counter(
		"metaquery.requests.total",
		metric.WithDescription("Total number of query requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"metaquery.errors.total",
		metric.WithDescription("Total number of failed query requests by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	rowsReturned, err := meter.Int64Histogram(
		"metaquery.rows.returned",
		metric.WithDescription("Number of rows returned per executed statement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows returned histogram: %w", err)
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"metaquery.requests.active",
		metric.WithDescription("Number of in-flight query requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"metaquery.catalog.cache_hits",
		metric.WithDescription("Number of catalog lookups served from a cached snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"metaquery.catalog.cache_misses",
		metric.WithDescription("Number of catalog lookups that loaded a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	invalidations, err := meter.Int64Counter(
		"metaquery.catalog.invalidations",
		metric.WithDescription("Number of catalog invalidation signals received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalidations counter: %w", err)
	}

	return &QueryMetrics{
		compileDuration: compileDuration,
		executeDuration: executeDuration,
		requestCounter:  requestCounter,
		errorCounter:    errorCounter,
		rowsReturned:    rowsReturned,
		activeRequests:  activeRequests,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		invalidations:   invalidations,
	}, nil
}

// RecordRequest counts one request of the given operation (compile or execute).
func (m *QueryMetrics) RecordRequest(ctx context.Context, operation string) {
	m.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordCompile records the duration of one compilation.
func (m *QueryMetrics) RecordCompile(ctx context.Context, d time.Duration) {
	m.compileDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// RecordExecute records the duration and row count of one executed statement.
func (m *QueryMetrics) RecordExecute(ctx context.Context, d time.Duration, rows int) {
	m.executeDuration.Record(ctx, float64(d.Microseconds())/1000)
	m.rowsReturned.Record(ctx, int64(rows))
}

// RecordError counts a failed request by error kind.
func (m *QueryMetrics) RecordError(ctx context.Context, operation, kind string) {
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("kind", kind),
	))
}

func (m *QueryMetrics) RecordCacheHit(ctx context.Context) {
	m.cacheHits.Add(ctx, 1)
}

func (m *QueryMetrics) RecordCacheMiss(ctx context.Context) {
	m.cacheMisses.Add(ctx, 1)
}

// RecordInvalidation counts a catalog invalidation; scope is "all" for a full flush.
func (m *QueryMetrics) RecordInvalidation(ctx context.Context, scope string) {
	m.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// IncrementActiveRequests increments the active requests counter
func (m *QueryMetrics) IncrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the active requests counter
func (m *QueryMetrics) DecrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the QueryMetrics instance
func InitMetrics(logger *slog.Logger) (*QueryMetrics, error) {
	metrics, err := InitQueryMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize query metrics: %w", err)
	}

	logger.Info("custom query metrics initialized")
	return metrics, nil
}
