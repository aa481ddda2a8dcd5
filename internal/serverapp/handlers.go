package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"metaquery/internal/catalog"
	"metaquery/internal/engine"
	"metaquery/internal/logging"
	"metaquery/internal/observability"
	"metaquery/internal/queryerr"
	"metaquery/internal/querymodel"
)

// queryService is the part of the engine the HTTP routes depend on.
type queryService interface {
	Compile(ctx context.Context, req querymodel.Request) (*engine.Compilation, error)
	Execute(ctx context.Context, req querymodel.Request) (*engine.Response, error)
	Invalidate(scope catalog.Scope) bool
}

type handlers struct {
	engine          queryService
	metrics         *observability.QueryMetrics
	maxRequestBytes int64
}

// kindInternal labels failures that are neither caller errors nor execution failures.
const kindInternal = "INTERNAL"

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// compileResponse is the dry-run result: the statement that would run, never executed.
type compileResponse struct {
	GeneratedSQL string         `json:"generatedSql"`
	Parameters   map[string]any `json:"parameters"`
	Columns      []string       `json:"columns"`
}

type invalidateRequest struct {
	TenantCode   string `json:"tenantCode"`
	AppCode      string `json:"appCode"`
	ConnectionID string `json:"connectionId"`
}

func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	defer h.trackActive(r.Context())()

	var req querymodel.Request
	if !h.decode(w, r, &req, false) {
		return
	}
	resp, err := h.engine.Execute(r.Context(), req)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) compile(w http.ResponseWriter, r *http.Request) {
	var req querymodel.Request
	if !h.decode(w, r, &req, false) {
		return
	}
	c, err := h.engine.Compile(r.Context(), req)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, compileResponse{
		GeneratedSQL: c.Statement.SQL,
		Parameters:   c.Statement.ParamMap(),
		Columns:      c.Statement.Columns,
	})
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	scope := catalog.Scope{
		TenantCode:   req.TenantCode,
		AppCode:      req.AppCode,
		ConnectionID: req.ConnectionID,
	}.Normalize()

	label := "all"
	if scope != (catalog.Scope{}) {
		if scope.TenantCode == "" || scope.AppCode == "" || scope.ConnectionID == "" {
			writeError(w, http.StatusBadRequest, errorPayload{
				Kind:    "INVALID_REQUEST",
				Message: "tenantCode, appCode and connectionId must be given together",
			})
			return
		}
		label = scope.String()
	}

	reqLogger := logging.FromContext(r.Context())
	if !h.engine.Invalidate(scope) {
		reqLogger.Warn("catalog does not support invalidation")
		writeError(w, http.StatusNotImplemented, errorPayload{
			Kind:    kindInternal,
			Message: "catalog does not support invalidation",
		})
		return
	}
	if h.metrics != nil {
		h.metrics.RecordInvalidation(r.Context(), label)
	}
	reqLogger.Info("admin endpoint accessed",
		slog.String("operation", "catalog_invalidate"),
		slog.String("scope", label),
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scope": label})
}

// trackActive counts the request as in flight and returns the matching decrement.
func (h *handlers) trackActive(ctx context.Context) func() {
	if h.metrics == nil {
		return func() {}
	}
	h.metrics.IncrementActiveRequests(ctx)
	return func() { h.metrics.DecrementActiveRequests(ctx) }
}

// decode reads a JSON body into dst. When allowEmpty is set an empty body leaves dst
// untouched. It writes the error response itself and reports whether to continue.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	body := r.Body
	if h.maxRequestBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxRequestBytes)
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	err := dec.Decode(dst)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) && allowEmpty {
		return true
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, errorPayload{
			Kind:    "REQUEST_TOO_LARGE",
			Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
		})
		return false
	}
	message := "request body must be a JSON object"
	if !errors.Is(err, io.EOF) {
		message = "invalid JSON request body: " + err.Error()
	}
	writeError(w, http.StatusBadRequest, errorPayload{Kind: "INVALID_REQUEST", Message: message})
	return false
}

// statusForError maps pipeline errors onto HTTP status codes: caller errors are 400,
// target database failures 502 and everything else 500.
func statusForError(err error) (int, errorPayload) {
	var qe *queryerr.Error
	if errors.As(err, &qe) {
		status := http.StatusBadRequest
		if qe.Kind == queryerr.KindExecutionFailed {
			status = http.StatusBadGateway
		}
		return status, errorPayload{Kind: string(qe.Kind), Message: qe.Message, Details: qe.Details()}
	}
	return http.StatusInternalServerError, errorPayload{Kind: kindInternal, Message: "internal error"}
}

func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	status, payload := statusForError(err)
	reqLogger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		reqLogger.Error("query request failed",
			slog.String("kind", payload.Kind),
			slog.String("error", err.Error()),
		)
	} else {
		reqLogger.Debug("query request rejected", slog.String("error", err.Error()))
	}
	if len(payload.Details) == 0 {
		payload.Details = nil
	}
	writeError(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, payload errorPayload) {
	writeJSON(w, status, errorEnvelope{Error: payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthCheck is one dependency checked by the health endpoint.
type healthCheck struct {
	name   string
	target pinger
}

// healthHandler returns an HTTP handler for health checks
func healthHandler(checks []healthCheck, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		status := map[string]string{"status": "healthy"}
		code := http.StatusOK
		for _, check := range checks {
			if err := check.target.PingContext(ctx); err != nil {
				reqLogger.Error("health check failed",
					slog.String("check", check.name),
					slog.String("error", err.Error()),
				)
				// Details stay in the log; the response only says which dependency failed.
				status[check.name] = "failed"
				status["status"] = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			status[check.name] = "ok"
		}
		if code == http.StatusOK {
			reqLogger.Debug("health check passed", slog.String("checks", strings.Join(checkNames(checks), ",")))
		}
		writeJSON(w, code, status)
	}
}

func checkNames(checks []healthCheck) []string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.name
	}
	return names
}
