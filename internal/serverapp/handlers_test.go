package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"metaquery/internal/catalog"
	"metaquery/internal/compiler"
	"metaquery/internal/config"
	"metaquery/internal/engine"
	"metaquery/internal/queryerr"
	"metaquery/internal/querymodel"
	"metaquery/internal/sqlgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	lastRequest   querymodel.Request
	invalidated   []catalog.Scope
	noInvalidate  bool
	executeErr    error
	compileErr    error
	executeResult *engine.Response
}

func (f *fakeEngine) Compile(_ context.Context, req querymodel.Request) (*engine.Compilation, error) {
	f.lastRequest = req
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	return &engine.Compilation{Statement: &sqlgen.Statement{
		SQL:     `SELECT "t0"."full_name" AS "name" FROM "hr"."employees" AS "t0" OFFSET :p1 LIMIT :p2`,
		Params:  []compiler.Param{{Name: "p1", Value: 0}, {Name: "p2", Value: 100}},
		Columns: []string{"name"},
	}}, nil
}

func (f *fakeEngine) Execute(_ context.Context, req querymodel.Request) (*engine.Response, error) {
	f.lastRequest = req
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return f.executeResult, nil
}

func (f *fakeEngine) Invalidate(scope catalog.Scope) bool {
	if f.noInvalidate {
		return false
	}
	f.invalidated = append(f.invalidated, scope)
	return true
}

type stubPinger struct{ err error }

func (s stubPinger) PingContext(context.Context) error { return s.err }

func newTestMux(t *testing.T, eng queryService, mutate func(*config.Config)) *http.ServeMux {
	t.Helper()
	cfg := &config.Config{Server: config.ServerConfig{
		MaxRequestBytes:    512,
		HealthCheckTimeout: time.Second,
		Admin:              config.AdminConfig{InvalidateEnabled: true},
	}}
	if mutate != nil {
		mutate(cfg)
	}
	mux, err := buildRouter(cfg, testLogger(), routerDeps{engine: eng, pools: stubPinger{}})
	require.NoError(t, err)
	return mux
}

func serve(mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

func TestQueryHandler_Success(t *testing.T) {
	eng := &fakeEngine{executeResult: &engine.Response{
		Rows:         []map[string]any{{"name": "Ada"}},
		RowCount:     1,
		GeneratedSQL: `SELECT ...`,
		Parameters:   map[string]any{"p1": 0},
	}}
	mux := newTestMux(t, eng, nil)

	body := `{"tenantCode":"acme","appCode":"hr","connectionId":"main","rootObject":"EMPLOYEE",
		"selectFields":["name"],"filters":[{"field":"salary","operatorCode":"GT","value":50000.5}],"limit":5}`
	rec := serve(mux, http.MethodPost, routeQuery, body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, float64(1), got["rowCount"])
	assert.Equal(t, "SELECT ...", got["generatedSql"])

	require.Len(t, eng.lastRequest.Filters, 1)
	assert.Equal(t, json.Number("50000.5"), eng.lastRequest.Filters[0].Value)
	require.NotNil(t, eng.lastRequest.Limit)
	assert.Equal(t, 5, *eng.lastRequest.Limit)
}

func TestQueryHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{
			name:   "compile error",
			err:    queryerr.New(queryerr.KindFieldNotFound, "unknown field").WithField("EMPLOYEE", "bogus"),
			status: http.StatusBadRequest,
			kind:   string(queryerr.KindFieldNotFound),
		},
		{
			name:   "wrapped compile error",
			err:    fmt.Errorf("planning: %w", queryerr.New(queryerr.KindNoJoinPath, "no path")),
			status: http.StatusBadRequest,
			kind:   string(queryerr.KindNoJoinPath),
		},
		{
			name:   "execution failure",
			err:    queryerr.ExecutionFailed(errors.New("connection refused"), "statement failed"),
			status: http.StatusBadGateway,
			kind:   string(queryerr.KindExecutionFailed),
		},
		{
			name:   "catalog failure",
			err:    fmt.Errorf("failed to load relations: %w", errors.New("catalog down")),
			status: http.StatusInternalServerError,
			kind:   kindInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(t, &fakeEngine{executeErr: tt.err}, nil)
			rec := serve(mux, http.MethodPost, routeQuery, `{}`)

			assert.Equal(t, tt.status, rec.Code)
			payload := decodeError(t, rec)
			assert.Equal(t, tt.kind, payload.Kind)
			assert.NotContains(t, payload.Message, "catalog down")
			assert.NotContains(t, payload.Message, "connection refused")
		})
	}
}

func TestQueryHandler_ErrorDetails(t *testing.T) {
	err := queryerr.New(queryerr.KindOperatorTypeMismatch, "operator not allowed").
		WithField("EMPLOYEE", "active").
		WithOperator("LIKE")
	mux := newTestMux(t, &fakeEngine{executeErr: err}, nil)

	payload := decodeError(t, serve(mux, http.MethodPost, routeQuery, `{}`))
	assert.Equal(t, map[string]string{"object": "EMPLOYEE", "field": "active", "operator": "LIKE"}, payload.Details)
}

func TestQueryHandler_BadBodies(t *testing.T) {
	mux := newTestMux(t, &fakeEngine{}, nil)

	rec := serve(mux, http.MethodPost, routeQuery, `{"rootObject":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Kind)

	rec = serve(mux, http.MethodPost, routeQuery, ``)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(mux, http.MethodPost, routeQuery, `{"rootObject":"`+strings.Repeat("X", 1024)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "REQUEST_TOO_LARGE", decodeError(t, rec).Kind)

	rec = serve(mux, http.MethodGet, routeQuery, ``)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCompileHandler(t *testing.T) {
	mux := newTestMux(t, &fakeEngine{}, nil)
	rec := serve(mux, http.MethodPost, routeCompile, `{"rootObject":"EMPLOYEE","selectFields":["name"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var got compileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got.GeneratedSQL, "OFFSET :p1 LIMIT :p2")
	assert.Equal(t, map[string]any{"p1": float64(0), "p2": float64(100)}, got.Parameters)
	assert.Equal(t, []string{"name"}, got.Columns)

	failing := newTestMux(t, &fakeEngine{compileErr: queryerr.New(queryerr.KindInvalidPagination, "limit too large")}, nil)
	rec = serve(failing, http.MethodPost, routeCompile, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(queryerr.KindInvalidPagination), decodeError(t, rec).Kind)
}

func TestInvalidateHandler(t *testing.T) {
	eng := &fakeEngine{}
	mux := newTestMux(t, eng, nil)

	rec := serve(mux, http.MethodPost, routeInvalidate, ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","scope":"all"}`, rec.Body.String())

	rec = serve(mux, http.MethodPost, routeInvalidate, `{"tenantCode":" acme ","appCode":"hr","connectionId":"main"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","scope":"acme/hr/main"}`, rec.Body.String())

	assert.Equal(t, []catalog.Scope{{}, {TenantCode: "acme", AppCode: "hr", ConnectionID: "main"}}, eng.invalidated)

	rec = serve(mux, http.MethodPost, routeInvalidate, `{"tenantCode":"acme"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, eng.invalidated, 2)
}

func TestInvalidateHandler_Unsupported(t *testing.T) {
	mux := newTestMux(t, &fakeEngine{noInvalidate: true}, nil)
	rec := serve(mux, http.MethodPost, routeInvalidate, ``)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestInvalidateRoute_Disabled(t *testing.T) {
	mux := newTestMux(t, &fakeEngine{}, func(c *config.Config) {
		c.Server.Admin.InvalidateEnabled = false
	})
	rec := serve(mux, http.MethodPost, routeInvalidate, ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidateRoute_TokenGuard(t *testing.T) {
	eng := &fakeEngine{}
	mux := newTestMux(t, eng, func(c *config.Config) {
		c.Server.Admin.AuthToken = "s3cret"
	})

	rec := serve(mux, http.MethodPost, routeInvalidate, ``)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, eng.invalidated)

	req := httptest.NewRequest(http.MethodPost, routeInvalidate, nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok := httptest.NewRecorder()
	mux.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Len(t, eng.invalidated, 1)
}

func TestHealthHandler(t *testing.T) {
	healthy := healthHandler([]healthCheck{
		{name: "catalog", target: stubPinger{}},
		{name: "connections", target: stubPinger{}},
	}, time.Second)
	rec := serve(healthy, http.MethodGet, routeHealth, ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","catalog":"ok","connections":"ok"}`, rec.Body.String())

	unhealthy := healthHandler([]healthCheck{
		{name: "catalog", target: stubPinger{}},
		{name: "connections", target: stubPinger{err: errors.New("dial tcp: refused")}},
	}, time.Second)
	rec = serve(unhealthy, http.MethodGet, routeHealth, ``)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","catalog":"ok","connections":"failed"}`, rec.Body.String())
}

func TestWaitForDatabase(t *testing.T) {
	calls := 0
	flaky := pingFunc(func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not ready")
		}
		return nil
	})
	cfg := config.CatalogConfig{ConnectTimeout: time.Second, ConnectRetryInterval: time.Millisecond}
	require.NoError(t, waitForDatabase(context.Background(), cfg, testLogger(), flaky))
	assert.Equal(t, 3, calls)

	down := pingFunc(func(context.Context) error { return errors.New("down") })
	err := waitForDatabase(context.Background(), config.CatalogConfig{}, testLogger(), down)
	assert.EqualError(t, err, "down")

	cfg = config.CatalogConfig{ConnectTimeout: 5 * time.Millisecond, ConnectRetryInterval: time.Millisecond}
	err = waitForDatabase(context.Background(), cfg, testLogger(), down)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not available")
}

func TestConnectionResolver(t *testing.T) {
	resolver := connectionResolver([]config.ConnectionConfig{{
		TenantCode:   " acme",
		AppCode:      "hr",
		ConnectionID: "main ",
		Driver:       config.DriverPostgres,
		DSN:          "postgres://hr@db/hr",
		MaxOpenConns: 4,
		Role:         "reporting",
		SearchPath:   []string{"hr", "public"},
	}})
	require.Len(t, resolver, 1)
	for key, conn := range resolver {
		assert.Equal(t, "acme/hr/main", key.String())
		assert.Equal(t, 4, conn.MaxOpenConns)
		assert.Equal(t, "reporting", conn.Role)
		assert.Equal(t, []string{"hr", "public"}, conn.SearchPath)
	}
}
