package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Output: &buf})

	logger.WithComponent("engine").WithRequestID("req-1").Info("query compiled", slog.Int("steps", 2))
	logger.Debug("hidden")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "query compiled", record["msg"])
	assert.Equal(t, "engine", record["component"])
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, float64(2), record["steps"])
}

func TestNewLogger_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(Config{Level: "debug", Output: &buf}).Debug("catalog loaded", slog.String("scope", "acme/hr/main"))
	assert.Contains(t, buf.String(), "msg=\"catalog loaded\"")
	assert.Contains(t, buf.String(), "scope=acme/hr/main")
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, FromContext(ctx).Logger)
	assert.Empty(t, GetRequestID(ctx))

	logger := Discard().WithFields(slog.String("k", "v"))
	ctx = WithLogger(ctx, logger)
	ctx = WithRequestIDContext(ctx, "abc")
	assert.Same(t, logger, FromContext(ctx))
	assert.Equal(t, "abc", GetRequestID(ctx))
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("sink down") }

func TestMultiHandler_WritesEverySink(t *testing.T) {
	var first, second bytes.Buffer
	h := newMultiHandler(
		failingHandler{Handler: slog.NewTextHandler(&first, nil)},
		slog.NewTextHandler(&second, nil),
	)
	logger := slog.New(h).With(slog.String("component", "dbexec"))

	logger.Info("opened connection pool")
	assert.Contains(t, second.String(), "component=dbexec")
	assert.Contains(t, second.String(), "opened connection pool")

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0))
	assert.EqualError(t, err, "sink down")
}
