package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"metaquery/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// CacheMetrics receives cache hit/miss signals. Implementations must be safe for concurrent use.
type CacheMetrics interface {
	RecordCacheHit(ctx context.Context)
	RecordCacheMiss(ctx context.Context)
}

// CacheConfig controls catalog caching.
type CacheConfig struct {
	Loader  SnapshotLoader
	TTL     time.Duration
	Logger  *logging.Logger
	Metrics CacheMetrics
}

// Cache serves Catalog lookups from per-scope snapshots.
//
// Readers load an immutable scope map through an atomic pointer and never block on
// writers. Loads and invalidations publish a fresh copy of the map, so a reader sees
// either the old or the new snapshot of a scope, never a mix.
type Cache struct {
	loader  SnapshotLoader
	ttl     time.Duration
	logger  *logging.Logger
	metrics CacheMetrics
	now     func() time.Time

	entries atomic.Pointer[map[Scope]*Snapshot]
	gen     atomic.Uint64
	writeMu sync.Mutex
	group   singleflight.Group
}

// NewCache creates a cache over cfg.Loader.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("catalog cache requires a snapshot loader")
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}
	c := &Cache{
		loader:  cfg.Loader,
		ttl:     cfg.TTL,
		logger:  cfg.Logger.WithComponent("catalog_cache"),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	empty := map[Scope]*Snapshot{}
	c.entries.Store(&empty)
	return c, nil
}

// Snapshot returns the cached snapshot for scope, loading it on a miss or after the TTL.
// Each call records one hit or one miss.
func (c *Cache) Snapshot(ctx context.Context, scope Scope) (*Snapshot, error) {
	scope = scope.Normalize()
	if s, ok := (*c.entries.Load())[scope]; ok && !c.stale(s) {
		if c.metrics != nil {
			c.metrics.RecordCacheHit(ctx)
		}
		return s, nil
	}
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(ctx)
	}

	// The shared load outlives any one waiter; a canceled caller only stops waiting.
	ch := c.group.DoChan(scope.String(), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), scope)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (c *Cache) stale(s *Snapshot) bool {
	return c.ttl > 0 && c.now().Sub(s.LoadedAt()) > c.ttl
}

func (c *Cache) load(ctx context.Context, scope Scope) (*Snapshot, error) {
	ctx, span := otel.Tracer("metaquery/catalog").Start(ctx, "catalog.load")
	defer span.End()
	span.SetAttributes(
		attribute.String("catalog.tenant", scope.TenantCode),
		attribute.String("catalog.app", scope.AppCode),
		attribute.String("catalog.connection", scope.ConnectionID),
	)

	start := time.Now()
	gen := c.gen.Load()
	s, err := c.loader.LoadSnapshot(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog load failed")
		c.logger.Error("catalog load failed",
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to load catalog for scope %s: %w", scope, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.gen.Load() != gen {
		// Invalidated while loading; serve the result without publishing it.
		return s, nil
	}
	current := *c.entries.Load()
	next := make(map[Scope]*Snapshot, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[scope] = s
	c.entries.Store(&next)

	c.logger.Debug("catalog snapshot loaded",
		slog.String("scope", scope.String()),
		slog.Duration("duration", time.Since(start)),
	)
	return s, nil
}

// Invalidate drops the snapshot of one scope; the next lookup reloads it.
func (c *Cache) Invalidate(scope Scope) {
	scope = scope.Normalize()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.gen.Add(1)
	current := *c.entries.Load()
	if _, ok := current[scope]; !ok {
		return
	}
	next := make(map[Scope]*Snapshot, len(current))
	for k, v := range current {
		if k != scope {
			next[k] = v
		}
	}
	c.entries.Store(&next)
	c.logger.Info("catalog scope invalidated", slog.String("scope", scope.String()))
}

// InvalidateAll drops every cached snapshot.
func (c *Cache) InvalidateAll() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.gen.Add(1)
	empty := map[Scope]*Snapshot{}
	c.entries.Store(&empty)
	c.logger.Info("catalog cache invalidated")
}

// Len returns the number of cached scopes.
func (c *Cache) Len() int {
	return len(*c.entries.Load())
}

func (c *Cache) LoadObjects(ctx context.Context, scope Scope, codes []string) (map[string]ObjectMeta, error) {
	s, err := c.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.Objects(codes), nil
}

func (c *Cache) LoadRelations(ctx context.Context, scope Scope) ([]RelationInfo, error) {
	s, err := c.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.Relations(), nil
}

func (c *Cache) LoadJoinKeys(ctx context.Context, scope Scope, relationIDs []int64) (map[int64][]RelationJoinKey, error) {
	s, err := c.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.JoinKeys(relationIDs), nil
}

func (c *Cache) LoadFields(ctx context.Context, scope Scope, keys []FieldKey) (map[FieldKey]FieldMeta, error) {
	s, err := c.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.Fields(keys), nil
}

func (c *Cache) LoadOperations(ctx context.Context, scope Scope, codes []string) (map[string]OperationMeta, error) {
	s, err := c.Snapshot(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.Operations(codes), nil
}

func (c *Cache) IsCompatible(ctx context.Context, scope Scope, dataTypeCode, operatorCode string) (bool, error) {
	s, err := c.Snapshot(ctx, scope)
	if err != nil {
		return false, err
	}
	return s.Compatible(dataTypeCode, operatorCode), nil
}
