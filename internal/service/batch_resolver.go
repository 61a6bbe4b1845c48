package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/diagnostics"
	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
	"github.com/devrev/pairdb/partition-router/internal/partitionkey"
	"github.com/devrev/pairdb/partition-router/internal/routing"
)

// DefaultMaxItemsPerQuery caps the items of one query chunk
const DefaultMaxItemsPerQuery = 1000

// ItemIdentity names one item of a read-many request
type ItemIdentity struct {
	ID           string
	PartitionKey partitionkey.Key
}

// ChunkItem is an item placed in a chunk, with its position in the input
type ChunkItem struct {
	Index int
	Item  ItemIdentity
}

// QueryChunk is a group of items that live in one partition key range
type QueryChunk struct {
	PartitionKeyRangeID string
	Range               model.PartitionKeyRange
	Items               []ChunkItem
}

// RoutingMapLookup returns the routing map of a collection
type RoutingMapLookup interface {
	TryLookup(ctx context.Context, collectionRID string, previous *routing.CollectionRoutingMap) (*routing.CollectionRoutingMap, error)
}

// BatchResolverConfig holds batch resolver configuration
type BatchResolverConfig struct {
	MaxItemsPerQuery int
}

// BatchPartitionResolver groups items into per-partition query chunks
type BatchPartitionResolver struct {
	config      *BatchResolverConfig
	diagnostics diagnostics.Sink
	logger      *zap.Logger
}

// NewBatchPartitionResolver creates a new batch partition resolver
func NewBatchPartitionResolver(cfg *BatchResolverConfig, sink diagnostics.Sink, logger *zap.Logger) *BatchPartitionResolver {
	if cfg == nil {
		cfg = &BatchResolverConfig{}
	}
	if cfg.MaxItemsPerQuery <= 0 {
		cfg.MaxItemsPerQuery = DefaultMaxItemsPerQuery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchPartitionResolver{
		config:      cfg,
		diagnostics: diagnostics.OrNop(sink),
		logger:      logger,
	}
}

type chunkGroup struct {
	rng   model.PartitionKeyRange
	items []ChunkItem
}

// ResolveChunks places every item into exactly one chunk. Items sharing a
// partition key value are hashed once. Chunks follow ring order, and items
// keep their input order within a range.
func (r *BatchPartitionResolver) ResolveChunks(
	items []ItemIdentity,
	table *routing.CollectionRoutingMap,
	kind partitionkey.Kind,
	version partitionkey.Version,
) ([]QueryChunk, error) {
	if table == nil {
		return nil, errors.InvalidArgument("routing map is required", nil)
	}
	if len(items) == 0 {
		return nil, nil
	}

	rangeByKey := make(map[string]model.PartitionKeyRange)
	groups := make(map[string]*chunkGroup)

	for i, item := range items {
		keyJSON, err := item.PartitionKey.JSON()
		if err != nil {
			return nil, errors.DataConversion(fmt.Sprintf("item %d has an invalid partition key", i), err).
				WithDetail("index", i)
		}

		rng, ok := rangeByKey[keyJSON]
		if !ok {
			epk, err := partitionkey.Hash(item.PartitionKey, kind, version)
			if err != nil {
				return nil, fmt.Errorf("failed to hash partition key of item %d: %w", i, err)
			}
			owners := table.GetOverlappingRanges(model.NewPointRange(epk))
			if len(owners) == 0 {
				return nil, errors.Inconsistency(table.CollectionRID(), fmt.Sprintf("no range owns effective partition key %q", epk))
			}
			rng = owners[0]
			rangeByKey[keyJSON] = rng
		}

		g, ok := groups[rng.ID]
		if !ok {
			g = &chunkGroup{rng: rng}
			groups[rng.ID] = g
		}
		g.items = append(g.items, ChunkItem{Index: i, Item: item})
	}

	ordered := make([]*chunkGroup, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].rng.MinInclusive < ordered[j].rng.MinInclusive
	})

	limit := r.config.MaxItemsPerQuery
	var chunks []QueryChunk
	for _, g := range ordered {
		for start := 0; start < len(g.items); start += limit {
			end := start + limit
			if end > len(g.items) {
				end = len(g.items)
			}
			chunks = append(chunks, QueryChunk{
				PartitionKeyRangeID: g.rng.ID,
				Range:               g.rng,
				Items:               g.items[start:end:end],
			})
		}
	}

	r.diagnostics.ChunksResolved(len(items), len(chunks))
	r.logger.Debug("Items resolved into query chunks",
		zap.String("collection_rid", table.CollectionRID()),
		zap.Int("items", len(items)),
		zap.Int("distinct_keys", len(rangeByKey)),
		zap.Int("chunks", len(chunks)))

	return chunks, nil
}

// ResolveChunksForCollection resolves items against the cached routing map of
// collectionRID. The bool is false when the collection does not exist.
func (r *BatchPartitionResolver) ResolveChunksForCollection(
	ctx context.Context,
	lookup RoutingMapLookup,
	collectionRID string,
	items []ItemIdentity,
	def partitionkey.Definition,
) ([]QueryChunk, bool, error) {
	if err := def.Validate(); err != nil {
		return nil, false, err
	}

	table, err := lookup.TryLookup(ctx, collectionRID, nil)
	if err != nil {
		return nil, false, err
	}
	if table == nil {
		return nil, false, nil
	}

	chunks, err := r.ResolveChunks(items, table, def.EffectiveKind(), def.EffectiveVersion())
	if err != nil {
		return nil, false, err
	}
	return chunks, true, nil
}
