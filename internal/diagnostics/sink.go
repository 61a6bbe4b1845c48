// Package diagnostics defines the optional hook through which the routing
// caches report what they did.
package diagnostics

import (
	"time"

	"github.com/devrev/pairdb/partition-router/internal/model"
)

// LookupOutcome classifies a routing map lookup
type LookupOutcome string

const (
	LookupHit         LookupOutcome = "hit"
	LookupMiss        LookupOutcome = "miss"
	LookupRefreshed   LookupOutcome = "refreshed"
	LookupServedStale LookupOutcome = "served_stale"
	LookupThrottled   LookupOutcome = "throttled"
)

// RefreshInfo describes one routing map refresh attempt
type RefreshInfo struct {
	CollectionRID string
	Duration      time.Duration
	Pages         int
	Ranges        int
	Incremental   bool
	Err           error
}

// Sink receives routing and locality events. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	RoutingLookup(collectionRID string, outcome LookupOutcome)
	RoutingRefresh(info RefreshInfo)
	EndpointMarkedUnavailable(endpoint string, op model.RequestOperation)
	EndpointsRecomputed(readEndpoints, writeEndpoints int)
	PartitionFailover(collectionRID, rangeID, fromEndpoint, toEndpoint string)
	ChunksResolved(items, chunks int)
}

// Nop discards every event
type Nop struct{}

func (Nop) RoutingLookup(string, LookupOutcome) {}
func (Nop) RoutingRefresh(RefreshInfo) {}
func (Nop) EndpointMarkedUnavailable(string, model.RequestOperation) {}
func (Nop) EndpointsRecomputed(int, int) {}
func (Nop) PartitionFailover(string, string, string, string) {}
func (Nop) ChunksResolved(int, int) {}

// OrNop returns sink, or Nop when sink is nil
func OrNop(sink Sink) Sink {
	if sink == nil {
		return Nop{}
	}
	return sink
}
