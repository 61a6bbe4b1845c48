package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/routing"
	"github.com/devrev/pairdb/partition-router/internal/util/workerpool"
)

// RoutingMapLoader loads and refreshes cached routing maps
type RoutingMapLoader interface {
	Warmup(ctx context.Context, collectionRID string) error
	Refresh(ctx context.Context, collectionRID string) (*routing.CollectionRoutingMap, error)
	Collections() []string
}

// CollectionWarmerConfig holds collection warmer configuration
type CollectionWarmerConfig struct {
	Collections []string
	Interval    time.Duration
}

// CollectionWarmer loads the configured collections at startup and then
// periodically refreshes every cached routing map on a worker pool
type CollectionWarmer struct {
	config *CollectionWarmerConfig
	loader RoutingMapLoader
	pool   *workerpool.Pool
	logger *zap.Logger
}

// NewCollectionWarmer creates a new collection warmer
func NewCollectionWarmer(cfg *CollectionWarmerConfig, loader RoutingMapLoader, pool *workerpool.Pool, logger *zap.Logger) *CollectionWarmer {
	if cfg == nil {
		cfg = &CollectionWarmerConfig{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionWarmer{config: cfg, loader: loader, pool: pool, logger: logger}
}

// WarmupAll loads every configured collection that is not cached yet and
// returns how many failed
func (w *CollectionWarmer) WarmupAll(ctx context.Context) int {
	return w.runAll(ctx, w.config.Collections, "warmup", w.loader.Warmup)
}

// RefreshAll refreshes the configured collections plus every collection
// already in the cache, and returns how many failed
func (w *CollectionWarmer) RefreshAll(ctx context.Context) int {
	return w.runAll(ctx, w.collections(), "refresh", func(ctx context.Context, rid string) error {
		_, err := w.loader.Refresh(ctx, rid)
		return err
	})
}

// Run warms up and then refreshes on every interval until ctx is done
func (w *CollectionWarmer) Run(ctx context.Context) error {
	if failed := w.WarmupAll(ctx); failed > 0 {
		w.logger.Warn("Some collections failed to warm up", zap.Int("failed", failed))
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if failed := w.RefreshAll(ctx); failed > 0 {
				w.logger.Warn("Some routing maps failed to refresh", zap.Int("failed", failed))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CollectionWarmer) collections() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rid := range append(append([]string(nil), w.config.Collections...), w.loader.Collections()...) {
		if _, ok := seen[rid]; ok {
			continue
		}
		seen[rid] = struct{}{}
		out = append(out, rid)
	}
	sort.Strings(out)
	return out
}

func (w *CollectionWarmer) runAll(ctx context.Context, rids []string, kind string, fn func(context.Context, string) error) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	onFailure := func(rid string, err error) {
		mu.Lock()
		failed++
		mu.Unlock()
		w.logger.Warn("Routing map "+kind+" failed",
			zap.String("collection_rid", rid),
			zap.Error(err))
	}

	for _, rid := range rids {
		wg.Add(1)
		task := workerpool.Task{
			ID: kind + "/" + rid,
			Fn: func(ctx context.Context) error { return fn(ctx, rid) },
		}
		err := w.pool.Submit(ctx, task, func(err error) {
			defer wg.Done()
			if err != nil {
				onFailure(rid, err)
			}
		})
		if err != nil {
			wg.Done()
			onFailure(rid, err)
		}
	}
	wg.Wait()
	return failed
}
