package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/partition-router/internal/diagnostics"
	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
	"github.com/devrev/pairdb/partition-router/internal/partitionkey"
	"github.com/devrev/pairdb/partition-router/internal/routing"
)

const tracerName = "github.com/devrev/pairdb/partition-router/internal/service"

// PartitionKeyRangePage is one page of a partition key range listing
type PartitionKeyRangePage struct {
	Ranges      []routing.RangeWithIdentity
	ETag        string
	NotModified bool
}

// PartitionKeyRangeFetcher reads partition key range listings. ifNoneMatch is
// the etag of the last page applied; an empty value lists from the beginning.
type PartitionKeyRangeFetcher interface {
	ReadPartitionKeyRanges(ctx context.Context, collectionRID, ifNoneMatch string) (*PartitionKeyRangePage, error)
}

// RefreshPolicy decides whether the cached map must be refetched for a caller
// that found previous to be stale
type RefreshPolicy func(previous, cached *routing.CollectionRoutingMap) bool

// DefaultRefreshPolicy refetches only when the cached map is the same version
// the caller already saw. A newer cached map means someone refreshed since.
func DefaultRefreshPolicy(previous, cached *routing.CollectionRoutingMap) bool {
	if previous == nil {
		return false
	}
	if cached == nil {
		return true
	}
	return previous.ETag() == cached.ETag()
}

// PartitionKeyRangeCacheConfig holds partition key range cache configuration
type PartitionKeyRangeCacheConfig struct {
	RefreshTimeout    time.Duration
	MaxPages          int
	ServeStaleOnError bool
	ForceRefreshRate  float64
	ForceRefreshBurst int
	RefreshPolicy     RefreshPolicy
}

// PartitionKeyResolution is the routing answer for one partition key
type PartitionKeyResolution struct {
	EffectivePartitionKey string
	EffectiveRange        model.Range
	Ranges                []model.PartitionKeyRange
}

// PartitionKeyRangeCache caches the routing map of every collection the client touches
type PartitionKeyRangeCache struct {
	config       *PartitionKeyRangeCacheConfig
	fetcher      PartitionKeyRangeFetcher
	routingMaps  *xsync.Map[string, *routing.CollectionRoutingMap]
	limiters     *xsync.Map[string, *rate.Limiter]
	refreshGroup singleflight.Group
	diagnostics  diagnostics.Sink
	tracer       trace.Tracer
	logger       *zap.Logger
}

// NewPartitionKeyRangeCache creates a new partition key range cache
func NewPartitionKeyRangeCache(
	cfg *PartitionKeyRangeCacheConfig,
	fetcher PartitionKeyRangeFetcher,
	sink diagnostics.Sink,
	logger *zap.Logger,
) *PartitionKeyRangeCache {
	if cfg == nil {
		cfg = &PartitionKeyRangeCacheConfig{}
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.ForceRefreshBurst <= 0 {
		cfg.ForceRefreshBurst = 1
	}
	if cfg.RefreshPolicy == nil {
		cfg.RefreshPolicy = DefaultRefreshPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PartitionKeyRangeCache{
		config:      cfg,
		fetcher:     fetcher,
		routingMaps: xsync.NewMap[string, *routing.CollectionRoutingMap](),
		limiters:    xsync.NewMap[string, *rate.Limiter](),
		diagnostics: diagnostics.OrNop(sink),
		tracer:      otel.Tracer(tracerName),
		logger:      logger,
	}
}

// TryGetOverlappingRanges returns the ranges of collectionRID overlapping rng.
// The bool is false when the service does not know the collection.
func (c *PartitionKeyRangeCache) TryGetOverlappingRanges(
	ctx context.Context,
	collectionRID string,
	rng model.Range,
	forceRefresh bool,
) ([]model.PartitionKeyRange, bool, error) {
	m, err := c.lookup(ctx, collectionRID, forceRefresh)
	if err != nil || m == nil {
		return nil, false, err
	}
	return m.GetOverlappingRanges(rng), true, nil
}

// TryGetPartitionKeyRangeByID returns the range with rangeID in collectionRID
func (c *PartitionKeyRangeCache) TryGetPartitionKeyRangeByID(
	ctx context.Context,
	collectionRID, rangeID string,
	forceRefresh bool,
) (model.PartitionKeyRange, bool, error) {
	m, err := c.lookup(ctx, collectionRID, forceRefresh)
	if err != nil || m == nil {
		return model.PartitionKeyRange{}, false, err
	}
	r, ok := m.TryGetRangeByID(rangeID)
	return r, ok, nil
}

// ResolvePartitionKey hashes key under def and returns the owning range(s).
// A hierarchical prefix may span several ranges.
func (c *PartitionKeyRangeCache) ResolvePartitionKey(
	ctx context.Context,
	collectionRID string,
	def partitionkey.Definition,
	key partitionkey.Key,
	forceRefresh bool,
) (*PartitionKeyResolution, bool, error) {
	rng, err := def.EffectiveRange(key)
	if err != nil {
		return nil, false, err
	}

	ranges, ok, err := c.TryGetOverlappingRanges(ctx, collectionRID, rng, forceRefresh)
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(ranges) == 0 {
		return nil, false, errors.Inconsistency(collectionRID, fmt.Sprintf("no range owns %s", rng))
	}

	res := &PartitionKeyResolution{EffectiveRange: rng, Ranges: ranges}
	if rng.IsPoint() {
		res.EffectivePartitionKey = rng.Min
	}
	return res, true, nil
}

// TryLookup returns the cached routing map of collectionRID, fetching it on a
// miss. previous is the map the caller last used and found stale; it is
// compared with the cached map by the refresh policy. A nil map with a nil
// error means the collection does not exist.
func (c *PartitionKeyRangeCache) TryLookup(
	ctx context.Context,
	collectionRID string,
	previous *routing.CollectionRoutingMap,
) (*routing.CollectionRoutingMap, error) {
	m, _, err := c.tryLookup(ctx, collectionRID, previous)
	return m, err
}

// tryLookup also reports whether the returned map was fetched by this call
func (c *PartitionKeyRangeCache) tryLookup(
	ctx context.Context,
	collectionRID string,
	previous *routing.CollectionRoutingMap,
) (*routing.CollectionRoutingMap, bool, error) {
	cached, ok := c.routingMaps.Load(collectionRID)
	if !ok {
		c.diagnostics.RoutingLookup(collectionRID, diagnostics.LookupMiss)
		m, err := c.refresh(ctx, collectionRID, nil)
		return m, true, err
	}

	if !c.config.RefreshPolicy(previous, cached) {
		c.diagnostics.RoutingLookup(collectionRID, diagnostics.LookupHit)
		return cached, false, nil
	}

	if !c.allowForcedRefresh(collectionRID) {
		c.logger.Debug("Forced routing map refresh throttled",
			zap.String("collection_rid", collectionRID))
		c.diagnostics.RoutingLookup(collectionRID, diagnostics.LookupThrottled)
		return cached, false, nil
	}

	m, err := c.refresh(ctx, collectionRID, cached)
	return m, true, err
}

// Warmup loads the routing map of collectionRID if it is not cached yet
func (c *PartitionKeyRangeCache) Warmup(ctx context.Context, collectionRID string) error {
	m, err := c.TryLookup(ctx, collectionRID, nil)
	if err != nil {
		return err
	}
	if m == nil {
		return errors.NotFound("collection", collectionRID)
	}
	return nil
}

// Refresh reads the changes since the cached map and installs the result
func (c *PartitionKeyRangeCache) Refresh(ctx context.Context, collectionRID string) (*routing.CollectionRoutingMap, error) {
	cached, _ := c.routingMaps.Load(collectionRID)
	return c.refresh(ctx, collectionRID, cached)
}

// Invalidate drops the cached map of collectionRID
func (c *PartitionKeyRangeCache) Invalidate(collectionRID string) {
	c.routingMaps.Delete(collectionRID)
	c.logger.Info("Routing map invalidated", zap.String("collection_rid", collectionRID))
}

// Collections returns the ids of every cached collection
func (c *PartitionKeyRangeCache) Collections() []string {
	out := make([]string, 0, c.routingMaps.Size())
	c.routingMaps.Range(func(rid string, _ *routing.CollectionRoutingMap) bool {
		out = append(out, rid)
		return true
	})
	return out
}

func (c *PartitionKeyRangeCache) lookup(ctx context.Context, collectionRID string, forceRefresh bool) (*routing.CollectionRoutingMap, error) {
	m, fetched, err := c.tryLookup(ctx, collectionRID, nil)
	if err != nil {
		return nil, err
	}
	// a map fetched just now is as fresh as a forced refresh would make it
	if forceRefresh && m != nil && !fetched {
		return c.TryLookup(ctx, collectionRID, m)
	}
	return m, nil
}

func (c *PartitionKeyRangeCache) allowForcedRefresh(collectionRID string) bool {
	if c.config.ForceRefreshRate <= 0 {
		return true
	}
	limiter, ok := c.limiters.Load(collectionRID)
	if !ok {
		limiter, _ = c.limiters.LoadOrStore(collectionRID,
			rate.NewLimiter(rate.Limit(c.config.ForceRefreshRate), c.config.ForceRefreshBurst))
	}
	return limiter.Allow()
}

// refresh runs at most one fetch per collection at a time. The fetch is
// detached from the caller so a cancelled waiter does not fail the others.
func (c *PartitionKeyRangeCache) refresh(
	ctx context.Context,
	collectionRID string,
	cached *routing.CollectionRoutingMap,
) (*routing.CollectionRoutingMap, error) {
	ch := c.refreshGroup.DoChan(collectionRID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RefreshTimeout)
		defer cancel()
		return c.fetchRoutingMap(fetchCtx, collectionRID)
	})

	return c.awaitRefresh(ctx, collectionRID, cached, ch)
}

// awaitRefresh waits for the shared fetch. A result that is already available
// wins over a cancelled ctx.
func (c *PartitionKeyRangeCache) awaitRefresh(
	ctx context.Context,
	collectionRID string,
	cached *routing.CollectionRoutingMap,
	ch <-chan singleflight.Result,
) (*routing.CollectionRoutingMap, error) {
	select {
	case res := <-ch:
		return c.refreshResult(collectionRID, cached, res)
	case <-ctx.Done():
		select {
		case res := <-ch:
			return c.refreshResult(collectionRID, cached, res)
		default:
		}
		return c.handleRefreshError(collectionRID, cached,
			errors.Timeout("routing map refresh abandoned", ctx.Err()).WithDetail("collection_rid", collectionRID))
	}
}

func (c *PartitionKeyRangeCache) refreshResult(
	collectionRID string,
	cached *routing.CollectionRoutingMap,
	res singleflight.Result,
) (*routing.CollectionRoutingMap, error) {
	if res.Err != nil {
		return c.handleRefreshError(collectionRID, cached, res.Err)
	}
	m, _ := res.Val.(*routing.CollectionRoutingMap)
	if m != nil {
		c.diagnostics.RoutingLookup(collectionRID, diagnostics.LookupRefreshed)
	}
	return m, nil
}

func (c *PartitionKeyRangeCache) handleRefreshError(
	collectionRID string,
	cached *routing.CollectionRoutingMap,
	err error,
) (*routing.CollectionRoutingMap, error) {
	if current, ok := c.routingMaps.Load(collectionRID); ok {
		cached = current
	}

	serveStale := errors.IsTimeout(err) ||
		(c.config.ServeStaleOnError && errors.GetCode(err) == errors.ErrCodeNetwork)
	if cached != nil && serveStale {
		c.logger.Warn("Routing map refresh failed, serving cached map",
			zap.String("collection_rid", collectionRID),
			zap.String("etag", cached.ETag()),
			zap.Error(err))
		c.diagnostics.RoutingLookup(collectionRID, diagnostics.LookupServedStale)
		return cached, nil
	}

	c.logger.Error("Routing map refresh failed",
		zap.String("collection_rid", collectionRID),
		zap.Bool("has_cached_map", cached != nil),
		zap.Error(err))
	return nil, err
}

// fetchRoutingMap builds the next map from the service and installs it. It
// never runs under a lock; concurrent installs resolve last-writer-wins.
func (c *PartitionKeyRangeCache) fetchRoutingMap(ctx context.Context, collectionRID string) (*routing.CollectionRoutingMap, error) {
	ctx, span := c.tracer.Start(ctx, "PartitionKeyRangeCache.fetchRoutingMap",
		trace.WithAttributes(attribute.String("collection_rid", collectionRID)))
	defer span.End()

	start := time.Now()
	base, _ := c.routingMaps.Load(collectionRID)

	m, pages, err := c.buildRoutingMap(ctx, collectionRID, base)
	if err != nil && base != nil && errors.IsInconsistency(err) {
		c.logger.Warn("Incremental routing map update is inconsistent, rebuilding",
			zap.String("collection_rid", collectionRID),
			zap.Error(err))
		var rebuildPages int
		m, rebuildPages, err = c.buildRoutingMap(ctx, collectionRID, nil)
		pages += rebuildPages
	}

	info := diagnostics.RefreshInfo{
		CollectionRID: collectionRID,
		Duration:      time.Since(start),
		Pages:         pages,
		Incremental:   base != nil,
		Err:           err,
	}
	span.SetAttributes(attribute.Int("pages", pages))

	if err != nil {
		c.diagnostics.RoutingRefresh(info)
		if errors.IsNotFound(err) {
			c.routingMaps.Delete(collectionRID)
			c.logger.Info("Collection not found, routing map dropped",
				zap.String("collection_rid", collectionRID))
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}

	c.routingMaps.Store(collectionRID, m)

	info.Ranges = m.Len()
	c.diagnostics.RoutingRefresh(info)
	c.logger.Debug("Routing map installed",
		zap.String("collection_rid", collectionRID),
		zap.String("etag", m.ETag()),
		zap.Int("ranges", m.Len()),
		zap.Int("pages", pages),
		zap.Bool("incremental", base != nil),
		zap.Duration("duration", info.Duration))

	return m, nil
}

func (c *PartitionKeyRangeCache) buildRoutingMap(
	ctx context.Context,
	collectionRID string,
	base *routing.CollectionRoutingMap,
) (*routing.CollectionRoutingMap, int, error) {
	ifNoneMatch := ""
	if base != nil {
		ifNoneMatch = base.ETag()
	}

	var ranges []routing.RangeWithIdentity
	pages := 0
	for {
		if pages >= c.config.MaxPages {
			return nil, pages, errors.InternalError(
				fmt.Sprintf("partition key range listing did not complete within %d pages", c.config.MaxPages), nil).
				WithDetail("collection_rid", collectionRID)
		}

		page, err := c.fetcher.ReadPartitionKeyRanges(ctx, collectionRID, ifNoneMatch)
		if err != nil {
			return nil, pages, classifyFetchError(collectionRID, err)
		}
		pages++

		if page.NotModified {
			break
		}
		ranges = append(ranges, page.Ranges...)
		if page.ETag == "" || page.ETag == ifNoneMatch {
			break
		}
		ifNoneMatch = page.ETag
	}

	if base == nil {
		m, err := routing.TryCreateCompleteRoutingMap(ranges, collectionRID, ifNoneMatch)
		return m, pages, err
	}
	if len(ranges) == 0 {
		return base, pages, nil
	}
	m, err := base.TryCombine(ranges, ifNoneMatch)
	return m, pages, err
}

func classifyFetchError(collectionRID string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Timeout("partition key range read timed out", err).WithDetail("collection_rid", collectionRID)
	}
	if errors.IsRoutingError(err) {
		return err
	}
	return errors.Network("failed to read partition key ranges", err).WithDetail("collection_rid", collectionRID)
}
