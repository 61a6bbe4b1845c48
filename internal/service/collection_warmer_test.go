package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/routing"
	"github.com/devrev/pairdb/partition-router/internal/util/workerpool"
)

type countingLoader struct {
	mu        sync.Mutex
	cached    []string
	warmups   map[string]int
	refreshes map[string]int
}

func newCountingLoader(cached ...string) *countingLoader {
	return &countingLoader{cached: cached, warmups: map[string]int{}, refreshes: map[string]int{}}
}

func (l *countingLoader) Warmup(_ context.Context, rid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warmups[rid]++
	if rid == "missing" {
		return errors.NotFound("collection", rid)
	}
	return nil
}

func (l *countingLoader) Refresh(_ context.Context, rid string) (*routing.CollectionRoutingMap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes[rid]++
	return nil, nil
}

func (l *countingLoader) Collections() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.cached...)
}

func (l *countingLoader) refreshCount(rid string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes[rid]
}

func newTestWarmer(t *testing.T, loader RoutingMapLoader, collections ...string) *CollectionWarmer {
	pool := workerpool.New(workerpool.Config{Name: "warmup", Workers: 2})
	t.Cleanup(func() { pool.Stop(time.Second) })
	return NewCollectionWarmer(&CollectionWarmerConfig{
		Collections: collections,
		Interval:    10 * time.Millisecond,
	}, loader, pool, nil)
}

func TestCollectionWarmer_WarmupAll(t *testing.T) {
	loader := newCountingLoader()
	w := newTestWarmer(t, loader, "coll1", "coll2", "missing")

	assert.Equal(t, 1, w.WarmupAll(context.Background()))
	assert.Equal(t, map[string]int{"coll1": 1, "coll2": 1, "missing": 1}, loader.warmups)
	assert.Empty(t, loader.refreshes)
}

func TestCollectionWarmer_RefreshAllIncludesCachedCollections(t *testing.T) {
	loader := newCountingLoader("coll2", "coll3")
	w := newTestWarmer(t, loader, "coll1", "coll2")

	assert.Equal(t, []string{"coll1", "coll2", "coll3"}, w.collections())
	assert.Equal(t, 0, w.RefreshAll(context.Background()))
	assert.Equal(t, map[string]int{"coll1": 1, "coll2": 1, "coll3": 1}, loader.refreshes)
}

func TestCollectionWarmer_RunRefreshesPeriodically(t *testing.T) {
	loader := newCountingLoader()
	w := newTestWarmer(t, loader, "coll1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return loader.refreshCount("coll1") >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
