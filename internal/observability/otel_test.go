package observability

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestInitMeterProvider(t *testing.T) {
	mp, err := InitMeterProvider(Config{
		ServiceName:    "metaquery-test",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	})
	require.NoError(t, err)
	require.NotNil(t, mp.provider)
	require.NotNil(t, mp.Exporter())

	assert.NoError(t, Providers{Meter: mp}.Shutdown(context.Background(), testLogger()))
}

func TestProviders_ShutdownEmpty(t *testing.T) {
	assert.NoError(t, Providers{}.Shutdown(context.Background(), testLogger()))
}

// collect installs a manual reader as the global meter provider for the test.
func collect(t *testing.T) func() metricdata.ResourceMetrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return func() metricdata.ResourceMetrics {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		return rm
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	require.True(t, ok, "metric %s not recorded", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestInitMetrics(t *testing.T) {
	snapshot := collect(t)

	metrics, err := InitMetrics(testLogger())
	require.NoError(t, err)
	require.NotNil(t, metrics.compileDuration)
	require.NotNil(t, metrics.executeDuration)
	require.NotNil(t, metrics.requestCounter)
	require.NotNil(t, metrics.errorCounter)
	require.NotNil(t, metrics.activeRequests)
	require.NotNil(t, metrics.cacheHits)
	require.NotNil(t, metrics.cacheMisses)

	ctx := context.Background()
	metrics.RecordRequest(ctx, "execute")
	metrics.RecordRequest(ctx, "compile")
	metrics.RecordCompile(ctx, 3*time.Millisecond)
	metrics.RecordExecute(ctx, 12*time.Millisecond, 4)
	metrics.RecordError(ctx, "execute", "EXECUTION_FAILED")
	metrics.RecordCacheHit(ctx)
	metrics.RecordCacheHit(ctx)
	metrics.RecordCacheMiss(ctx)
	metrics.RecordInvalidation(ctx, "all")
	metrics.IncrementActiveRequests(ctx)
	metrics.IncrementActiveRequests(ctx)
	metrics.DecrementActiveRequests(ctx)

	rm := snapshot()
	assert.Equal(t, int64(2), sumOf(t, rm, "metaquery.requests.total"))
	assert.Equal(t, int64(1), sumOf(t, rm, "metaquery.errors.total"))
	assert.Equal(t, int64(2), sumOf(t, rm, "metaquery.catalog.cache_hits"))
	assert.Equal(t, int64(1), sumOf(t, rm, "metaquery.catalog.cache_misses"))
	assert.Equal(t, int64(1), sumOf(t, rm, "metaquery.catalog.invalidations"))
	assert.Equal(t, int64(1), sumOf(t, rm, "metaquery.requests.active"))

	m, ok := findMetric(rm, "metaquery.execute.duration")
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 12.0, hist.DataPoints[0].Sum, 0.001)
}

func TestParseOTLPProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want otlpProtocol
		err  bool
	}{
		{"", otlpProtocolGRPC, false},
		{"GRPC", otlpProtocolGRPC, false},
		{"http", otlpProtocolHTTP, false},
		{"http/protobuf", otlpProtocolHTTP, false},
		{"thrift", "", true},
	}
	for _, tt := range tests {
		got, err := parseOTLPProtocol(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestResolveExportTarget(t *testing.T) {
	target, err := resolveExportTarget(OTLPExporterConfig{
		Endpoint:         "https://collector:4318",
		Protocol:         "http",
		Insecure:         true,
		Compression:      "GZIP",
		RetryEnabled:     true,
		RetryMaxAttempts: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolHTTP, target.protocol)
	assert.True(t, target.endpointIsURL)
	assert.Nil(t, target.tls)
	assert.True(t, target.gzip)
	assert.True(t, target.retry)
	assert.Len(t, target.traceHTTPOptions(), 4)

	secure, err := resolveExportTarget(OTLPExporterConfig{Endpoint: "collector:4317", RetryEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolGRPC, secure.protocol)
	assert.False(t, secure.endpointIsURL)
	require.NotNil(t, secure.tls)
	assert.False(t, secure.retry, "retry needs a positive attempt budget")
	assert.Len(t, secure.logGRPCOptions(), 2)

	_, err = resolveExportTarget(OTLPExporterConfig{Protocol: "thrift"})
	assert.Error(t, err)
	_, err = resolveExportTarget(OTLPExporterConfig{TLSClientCertFile: "client.pem"})
	assert.Error(t, err)
}

func TestBuildTLSConfig_FileNotFound(t *testing.T) {
	// Missing CA file should surface a clear error.
	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: "/nonexistent/ca.pem",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read OTLP TLS CA file")
}

func TestBuildTLSConfig_InvalidCertFormat(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ca.pem"

	// Write a non-PEM payload to trigger parse failure.
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse OTLP TLS CA file")
}

func TestBuildTLSConfig_MissingClientKeyPair(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/client.crt"

	// Only set the cert path to ensure missing key is rejected.
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSClientCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTLP TLS client cert and key must both be set")
}

func TestTraceSamplerForRatio_Boundaries(t *testing.T) {
	never := traceSamplerForRatio(0)
	always := traceSamplerForRatio(1)

	decisionNever := never.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionNever)

	decisionAlways := always.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{2},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionAlways)
}

func TestTraceSamplerForRatio_ParentAwareMidRange(t *testing.T) {
	sampler := traceSamplerForRatio(0.5)

	parentSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{3},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	decisionSampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentSampled,
		TraceID:       trace.TraceID{4},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionSampledParent)

	parentNotSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{5},
		SpanID:  trace.SpanID{2},
		Remote:  true,
	}))
	decisionUnsampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentNotSampled,
		TraceID:       trace.TraceID{6},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionUnsampledParent)
}
