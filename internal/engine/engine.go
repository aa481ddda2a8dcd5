// Package engine runs the query pipeline: request validation, catalog loading, join
// planning, predicate compilation, SQL generation and execution.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"metaquery/internal/catalog"
	"metaquery/internal/compiler"
	"metaquery/internal/dbexec"
	"metaquery/internal/logging"
	"metaquery/internal/planner"
	"metaquery/internal/queryerr"
	"metaquery/internal/querymodel"
	"metaquery/internal/sqlgen"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Metrics receives pipeline measurements. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordRequest(ctx context.Context, operation string)
	RecordCompile(ctx context.Context, d time.Duration)
	RecordExecute(ctx context.Context, d time.Duration, rows int)
	RecordError(ctx context.Context, operation string, kind string)
}

// StatementRunner executes a generated statement on a target connection.
type StatementRunner interface {
	Query(ctx context.Context, key dbexec.ConnectionKey, stmt *sqlgen.Statement) (*dbexec.Result, error)
}

// Config wires an Engine.
type Config struct {
	Catalog  catalog.Catalog
	Runner   StatementRunner
	Model    querymodel.Options
	Location *time.Location
	Logger   *logging.Logger
	Metrics  Metrics
}

// Engine is safe for concurrent use; every request builds its own model and plan.
type Engine struct {
	catalog  catalog.Catalog
	runner   StatementRunner
	model    querymodel.Options
	location *time.Location
	logger   *logging.Logger
	metrics  Metrics
	tracer   trace.Tracer
}

// New validates cfg and creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("engine requires a catalog")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}
	return &Engine{
		catalog:  cfg.Catalog,
		runner:   cfg.Runner,
		model:    cfg.Model,
		location: cfg.Location,
		logger:   cfg.Logger.WithComponent("engine"),
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer("metaquery/engine"),
	}, nil
}

// Compilation is the outcome of a dry run.
type Compilation struct {
	Statement *sqlgen.Statement
	Model     *querymodel.Model
	Plan      *planner.Plan
}

// Response is the result of an executed request.
type Response struct {
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"rowCount"`
	GeneratedSQL    string           `json:"generatedSql"`
	Parameters      map[string]any   `json:"parameters"`
	ExecutionTimeMs int64            `json:"executionTimeMs"`
}

// Compile validates req and produces its statement without executing it.
func (e *Engine) Compile(ctx context.Context, req querymodel.Request) (*Compilation, error) {
	e.recordRequest(ctx, "compile")
	c, err := e.compile(ctx, req)
	if err != nil {
		e.recordError(ctx, "compile", err)
		return nil, err
	}
	return c, nil
}

// Execute compiles req and runs it on the request's connection.
func (e *Engine) Execute(ctx context.Context, req querymodel.Request) (*Response, error) {
	e.recordRequest(ctx, "execute")
	c, err := e.compile(ctx, req)
	if err != nil {
		e.recordError(ctx, "execute", err)
		return nil, err
	}
	resp, err := e.execute(ctx, c)
	if err != nil {
		e.recordError(ctx, "execute", err)
		return nil, err
	}
	return resp, nil
}

func (e *Engine) compile(ctx context.Context, req querymodel.Request) (*Compilation, error) {
	ctx, span := e.tracer.Start(ctx, "engine.compile")
	defer span.End()
	start := time.Now()

	model, err := querymodel.Build(req, e.model)
	if err != nil {
		return nil, failSpan(span, err)
	}
	span.SetAttributes(
		attribute.String("query.scope", model.Scope.String()),
		attribute.String("query.root", model.Root),
		attribute.Int("query.selects", len(model.Selects)),
		attribute.Bool("query.count_only", model.CountOnly),
	)

	// One metadata version serves every lookup of the request.
	cat, err := catalog.Pin(ctx, e.catalog, model.Scope)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to load catalog metadata: %w", err))
	}

	var (
		relations []catalog.RelationInfo
		fields    map[catalog.FieldKey]catalog.FieldMeta
		ops       map[string]catalog.OperationMeta
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		relations, err = cat.LoadRelations(gctx, model.Scope)
		return err
	})
	g.Go(func() error {
		var err error
		fields, err = cat.LoadFields(gctx, model.Scope, model.FieldKeys())
		return err
	})
	g.Go(func() error {
		var err error
		ops, err = cat.LoadOperations(gctx, model.Scope, model.OperatorCodes())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to load catalog metadata: %w", err))
	}

	plan, err := planner.Build(relations, model.Root, planner.TargetsFor(model))
	if err != nil {
		return nil, failSpan(span, err)
	}

	var (
		objects  map[string]catalog.ObjectMeta
		joinKeys map[int64][]catalog.RelationJoinKey
	)
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		objects, err = cat.LoadObjects(gctx, model.Scope, plan.Objects())
		return err
	})
	g.Go(func() error {
		var err error
		joinKeys, err = cat.LoadJoinKeys(gctx, model.Scope, plan.RelationIDs())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to load catalog metadata: %w", err))
	}
	if err := plan.Bind(objects, joinKeys); err != nil {
		return nil, failSpan(span, err)
	}

	md, err := compiler.NewMetadata(fields, ops, func(dataType, op string) (bool, error) {
		return cat.IsCompatible(ctx, model.Scope, dataType, op)
	})
	if err != nil {
		return nil, failSpan(span, err)
	}

	compiled, err := compiler.Compile(model, plan, md, compiler.Options{Location: e.location})
	if err != nil {
		return nil, failSpan(span, err)
	}
	stmt, err := sqlgen.Generate(compiled)
	if err != nil {
		return nil, failSpan(span, err)
	}

	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.RecordCompile(ctx, elapsed)
	}
	span.SetAttributes(
		attribute.Int("query.steps", len(plan.Steps)),
		attribute.Int("query.params", len(stmt.Params)),
	)
	logging.FromContext(ctx).Debug("query compiled",
		slog.String("scope", model.Scope.String()),
		slog.String("root", model.Root),
		slog.Int("steps", len(plan.Steps)),
		slog.Int("params", len(stmt.Params)),
		slog.Duration("duration", elapsed),
	)
	return &Compilation{Statement: stmt, Model: model, Plan: plan}, nil
}

func (e *Engine) execute(ctx context.Context, c *Compilation) (*Response, error) {
	if e.runner == nil {
		return nil, fmt.Errorf("engine has no statement runner")
	}
	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()

	key := dbexec.ConnectionKey{
		TenantCode:   c.Model.Scope.TenantCode,
		AppCode:      c.Model.Scope.AppCode,
		ConnectionID: c.Model.Scope.ConnectionID,
	}
	span.SetAttributes(attribute.String("query.connection", key.String()))

	result, err := e.runner.Query(ctx, key, c.Statement)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if e.metrics != nil {
		e.metrics.RecordExecute(ctx, result.Elapsed, result.RowCount)
	}
	span.SetAttributes(attribute.Int("query.rows", result.RowCount))

	rows := make([]map[string]any, len(result.Rows))
	for i, r := range result.Rows {
		rows[i] = r.Map()
	}
	return &Response{
		Rows:            rows,
		RowCount:        result.RowCount,
		GeneratedSQL:    result.SQL,
		Parameters:      c.Statement.ParamMap(),
		ExecutionTimeMs: result.Elapsed.Milliseconds(),
	}, nil
}

// Invalidate forwards a metadata refresh signal to the catalog when it caches snapshots.
// An empty scope drops every snapshot. It reports whether the catalog supports refresh.
func (e *Engine) Invalidate(scope catalog.Scope) bool {
	inv, ok := e.catalog.(interface {
		Invalidate(catalog.Scope)
		InvalidateAll()
	})
	if !ok {
		return false
	}
	if scope == (catalog.Scope{}) {
		inv.InvalidateAll()
		e.logger.Info("catalog invalidated", slog.String("scope", "all"))
		return true
	}
	inv.Invalidate(scope)
	e.logger.Info("catalog invalidated", slog.String("scope", scope.String()))
	return true
}

func (e *Engine) recordRequest(ctx context.Context, operation string) {
	if e.metrics != nil {
		e.metrics.RecordRequest(ctx, operation)
	}
}

func (e *Engine) recordError(ctx context.Context, operation string, err error) {
	kind := string(queryerr.KindOf(err))
	if kind == "" {
		kind = "INTERNAL"
	}
	if e.metrics != nil {
		e.metrics.RecordError(ctx, operation, kind)
	}
	logging.FromContext(ctx).Debug("query failed",
		slog.String("operation", operation),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	if kind := queryerr.KindOf(err); kind != "" {
		span.SetAttributes(attribute.String("query.error_kind", string(kind)))
	}
	span.SetStatus(codes.Error, "query failed")
	return err
}
