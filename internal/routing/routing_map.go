// Package routing holds the partition key range table of a collection.
package routing

import (
	"fmt"
	"sort"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
)

// RangeWithIdentity pairs a partition key range with the service instance serving it
type RangeWithIdentity struct {
	Range    model.PartitionKeyRange
	Identity model.ServiceIdentity
}

// CollectionRoutingMap is an immutable, sorted tiling of the hash ring into
// partition key ranges. A new map is built for every change; readers share
// one instance without locking.
type CollectionRoutingMap struct {
	collectionRID string
	etag          string

	orderedRanges []RangeWithIdentity
	rangeByID     map[string]RangeWithIdentity

	// ids replaced by a split or merge
	goneRanges map[string]struct{}
	// successors held back until they cover their parent
	pending map[string]RangeWithIdentity
}

// TryCreateCompleteRoutingMap builds a map from a full listing. Ranges named as
// a parent by another range in the listing are dropped before the tiling check.
func TryCreateCompleteRoutingMap(ranges []RangeWithIdentity, collectionRID, etag string) (*CollectionRoutingMap, error) {
	gone := make(map[string]struct{})
	for _, r := range ranges {
		for _, parent := range r.Range.Parents {
			gone[parent] = struct{}{}
		}
	}

	if err := checkListingIDs(collectionRID, ranges); err != nil {
		return nil, err
	}

	byID := make(map[string]RangeWithIdentity, len(ranges))
	for _, r := range ranges {
		if _, superseded := gone[r.Range.ID]; superseded {
			continue
		}
		byID[r.Range.ID] = r
	}

	ordered, err := orderAndValidate(collectionRID, byID)
	if err != nil {
		return nil, err
	}

	return &CollectionRoutingMap{
		collectionRID: collectionRID,
		etag:          etag,
		orderedRanges: ordered,
		rangeByID:     byID,
		goneRanges:    gone,
		pending:       make(map[string]RangeWithIdentity),
	}, nil
}

// TryCombine merges an incremental listing into the map and returns the new map.
// A superseded range stays in place until the ranges naming it as a parent
// cover its whole interval; those successors wait in a pending set until then.
// Combining the same listing twice yields the same map as combining it once.
func (m *CollectionRoutingMap) TryCombine(ranges []RangeWithIdentity, etag string) (*CollectionRoutingMap, error) {
	gone := make(map[string]struct{}, len(m.goneRanges))
	for id := range m.goneRanges {
		gone[id] = struct{}{}
	}

	candidates := make(map[string]RangeWithIdentity, len(m.rangeByID)+len(m.pending)+len(ranges))
	for id, r := range m.rangeByID {
		candidates[id] = r
	}
	for id, r := range m.pending {
		candidates[id] = r
	}
	if err := checkListingIDs(m.collectionRID, ranges); err != nil {
		return nil, err
	}
	for _, r := range ranges {
		if _, dropped := gone[r.Range.ID]; dropped {
			continue
		}
		candidates[r.Range.ID] = r
	}

	successors := make(map[string][]string)
	for id, c := range candidates {
		for _, parent := range c.Range.Parents {
			successors[parent] = append(successors[parent], id)
		}
	}

	deferred := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for parentID, children := range successors {
			parent, ok := candidates[parentID]
			if !ok {
				continue
			}
			if !deferred[parentID] && covers(parent.Range, activeRanges(candidates, children, deferred)) {
				continue
			}
			for _, child := range children {
				if !deferred[child] {
					deferred[child] = true
					changed = true
				}
			}
		}
	}

	byID := make(map[string]RangeWithIdentity, len(candidates))
	pending := make(map[string]RangeWithIdentity)
	for id, c := range candidates {
		if deferred[id] {
			pending[id] = c
			continue
		}
		if children, superseded := successors[id]; superseded && covers(c.Range, activeRanges(candidates, children, deferred)) {
			gone[id] = struct{}{}
			continue
		}
		byID[id] = c
	}
	for _, c := range byID {
		for _, parent := range c.Range.Parents {
			gone[parent] = struct{}{}
		}
	}

	ordered, err := orderAndValidate(m.collectionRID, byID)
	if err != nil {
		return nil, err
	}

	return &CollectionRoutingMap{
		collectionRID: m.collectionRID,
		etag:          etag,
		orderedRanges: ordered,
		rangeByID:     byID,
		goneRanges:    gone,
		pending:       pending,
	}, nil
}

// GetOverlappingRanges returns, in ring order, every range intersecting query
func (m *CollectionRoutingMap) GetOverlappingRanges(query model.Range) []model.PartitionKeyRange {
	if query.IsEmpty() {
		return nil
	}

	start := sort.Search(len(m.orderedRanges), func(i int) bool {
		return m.orderedRanges[i].Range.MaxExclusive > query.Min
	})

	var result []model.PartitionKeyRange
	for i := start; i < len(m.orderedRanges); i++ {
		r := m.orderedRanges[i].Range
		if r.MinInclusive > query.Max || (r.MinInclusive == query.Max && !query.IsMaxInclusive) {
			break
		}
		if r.ToRange().Overlaps(query) {
			result = append(result, r)
		}
	}
	return result
}

// GetOverlappingRangesMulti returns the de-duplicated union of the ranges
// overlapping any of the queries, in ring order
func (m *CollectionRoutingMap) GetOverlappingRangesMulti(queries []model.Range) []model.PartitionKeyRange {
	seen := make(map[string]struct{})
	var result []model.PartitionKeyRange
	for _, q := range queries {
		for _, r := range m.GetOverlappingRanges(q) {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].MinInclusive < result[j].MinInclusive
	})
	return result
}

// TryGetRangeByID returns the range with the given id
func (m *CollectionRoutingMap) TryGetRangeByID(id string) (model.PartitionKeyRange, bool) {
	r, ok := m.rangeByID[id]
	return r.Range, ok
}

// TryGetInfoByID returns the range with the given id and its service identity
func (m *CollectionRoutingMap) TryGetInfoByID(id string) (RangeWithIdentity, bool) {
	r, ok := m.rangeByID[id]
	return r, ok
}

// RangeByEffectivePartitionKey returns the range owning epk
func (m *CollectionRoutingMap) RangeByEffectivePartitionKey(epk string) (model.PartitionKeyRange, bool) {
	ranges := m.GetOverlappingRanges(model.NewPointRange(epk))
	if len(ranges) != 1 {
		return model.PartitionKeyRange{}, false
	}
	return ranges[0], true
}

// OrderedRanges returns a copy of the ranges in ring order
func (m *CollectionRoutingMap) OrderedRanges() []model.PartitionKeyRange {
	out := make([]model.PartitionKeyRange, len(m.orderedRanges))
	for i, r := range m.orderedRanges {
		out[i] = r.Range
	}
	return out
}

// CollectionRID returns the collection the map belongs to
func (m *CollectionRoutingMap) CollectionRID() string { return m.collectionRID }

// ETag returns the continuation token to pass as If-None-Match on the next incremental read
func (m *CollectionRoutingMap) ETag() string { return m.etag }

// Len returns the number of ranges in the map
func (m *CollectionRoutingMap) Len() int { return len(m.orderedRanges) }

// IsGone reports whether id was replaced by a split or merge
func (m *CollectionRoutingMap) IsGone(id string) bool {
	_, ok := m.goneRanges[id]
	return ok
}

// PendingRanges returns successors still waiting for their siblings, in ring order
func (m *CollectionRoutingMap) PendingRanges() []model.PartitionKeyRange {
	out := make([]model.PartitionKeyRange, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r.Range)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinInclusive < out[j].MinInclusive })
	return out
}

// checkListingIDs rejects a listing with a missing or repeated range id
func checkListingIDs(collectionRID string, ranges []RangeWithIdentity) error {
	seen := make(map[string]struct{}, len(ranges))
	for _, r := range ranges {
		if r.Range.ID == "" {
			return errors.Inconsistency(collectionRID, "partition key range without id")
		}
		if _, dup := seen[r.Range.ID]; dup {
			return errors.Inconsistency(collectionRID, fmt.Sprintf("duplicate partition key range id %q", r.Range.ID))
		}
		seen[r.Range.ID] = struct{}{}
	}
	return nil
}

func activeRanges(candidates map[string]RangeWithIdentity, ids []string, deferred map[string]bool) []model.PartitionKeyRange {
	out := make([]model.PartitionKeyRange, 0, len(ids))
	for _, id := range ids {
		if deferred[id] {
			continue
		}
		out = append(out, candidates[id].Range)
	}
	return out
}

// covers reports whether the union of successors spans the parent interval without gaps
func covers(parent model.PartitionKeyRange, successors []model.PartitionKeyRange) bool {
	if len(successors) == 0 {
		return false
	}
	sorted := make([]model.PartitionKeyRange, len(successors))
	copy(sorted, successors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinInclusive < sorted[j].MinInclusive })

	reached := parent.MinInclusive
	for _, s := range sorted {
		if s.MinInclusive > reached {
			return false
		}
		if s.MaxExclusive > reached {
			reached = s.MaxExclusive
		}
		if reached >= parent.MaxExclusive {
			return true
		}
	}
	return reached >= parent.MaxExclusive
}

func orderAndValidate(collectionRID string, byID map[string]RangeWithIdentity) ([]RangeWithIdentity, error) {
	if len(byID) == 0 {
		return nil, errors.Inconsistency(collectionRID, "no partition key ranges")
	}

	ordered := make([]RangeWithIdentity, 0, len(byID))
	for _, r := range byID {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Range, ordered[j].Range
		if a.MinInclusive != b.MinInclusive {
			return a.MinInclusive < b.MinInclusive
		}
		return a.MaxExclusive < b.MaxExclusive
	})

	if first := ordered[0].Range; first.MinInclusive != model.MinimumInclusiveEffectivePartitionKey {
		return nil, errors.Inconsistency(collectionRID, fmt.Sprintf("gap before range %s starting at %q", first.ID, first.MinInclusive))
	}
	if last := ordered[len(ordered)-1].Range; last.MaxExclusive != model.MaximumExclusiveEffectivePartitionKey {
		return nil, errors.Inconsistency(collectionRID, fmt.Sprintf("gap after range %s ending at %q", last.ID, last.MaxExclusive))
	}

	for i, r := range ordered {
		if r.Range.MinInclusive >= r.Range.MaxExclusive {
			return nil, errors.Inconsistency(collectionRID, fmt.Sprintf("range %s is empty", r.Range.ID))
		}
		if i == 0 {
			continue
		}
		prev := ordered[i-1].Range
		switch {
		case prev.MaxExclusive < r.Range.MinInclusive:
			return nil, errors.Inconsistency(collectionRID,
				fmt.Sprintf("gap between range %s and %s at %q", prev.ID, r.Range.ID, prev.MaxExclusive))
		case prev.MaxExclusive > r.Range.MinInclusive:
			return nil, errors.Inconsistency(collectionRID,
				fmt.Sprintf("range %s overlaps range %s at %q", prev.ID, r.Range.ID, r.Range.MinInclusive))
		}
	}

	return ordered, nil
}
