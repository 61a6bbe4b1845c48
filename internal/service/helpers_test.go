package service

import (
	"sync"

	"github.com/devrev/pairdb/partition-router/internal/diagnostics"
	"github.com/devrev/pairdb/partition-router/internal/model"
	"github.com/devrev/pairdb/partition-router/internal/routing"
)

func pkRange(id, min, max string, parents ...string) routing.RangeWithIdentity {
	return routing.RangeWithIdentity{Range: model.PartitionKeyRange{
		ID:           id,
		MinInclusive: min,
		MaxExclusive: max,
		Parents:      parents,
	}}
}

func rangeIDs(ranges []model.PartitionKeyRange) []string {
	out := make([]string, len(ranges))
	for i, r := range ranges {
		out[i] = r.ID
	}
	return out
}

// recordingSink keeps every event for assertions
type recordingSink struct {
	mu          sync.Mutex
	lookups     []diagnostics.LookupOutcome
	refreshes   []diagnostics.RefreshInfo
	unavailable []string
	failovers   []string
	recomputes  int
	chunks      int
}

func (s *recordingSink) RoutingLookup(_ string, outcome diagnostics.LookupOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups = append(s.lookups, outcome)
}

func (s *recordingSink) RoutingRefresh(info diagnostics.RefreshInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes = append(s.refreshes, info)
}

func (s *recordingSink) EndpointMarkedUnavailable(endpoint string, _ model.RequestOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = append(s.unavailable, endpoint)
}

func (s *recordingSink) EndpointsRecomputed(int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputes++
}

func (s *recordingSink) PartitionFailover(_, rangeID, _, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failovers = append(s.failovers, rangeID+"->"+to)
}

func (s *recordingSink) ChunksResolved(_, chunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks += chunks
}

func (s *recordingSink) lookupOutcomes() []diagnostics.LookupOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]diagnostics.LookupOutcome(nil), s.lookups...)
}
