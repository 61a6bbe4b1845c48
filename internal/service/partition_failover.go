package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/diagnostics"
	"github.com/devrev/pairdb/partition-router/internal/model"
)

const (
	DefaultReadFailureThreshold   = 2
	DefaultWriteFailureThreshold  = 5
	DefaultCounterResetWindow     = 5 * time.Minute
	DefaultUnavailabilityDuration = 5 * time.Second
	DefaultFailbackInterval       = 5 * time.Minute
)

// EndpointSource ranks the endpoints a partition can fail over to
type EndpointSource interface {
	ApplicableEndpoints(op model.RequestOperation, excludedRegions []string) []string
}

// PartitionFailoverConfig holds partition failover configuration
type PartitionFailoverConfig struct {
	ReadFailureThreshold   uint32
	WriteFailureThreshold  uint32
	CounterResetWindow     time.Duration
	UnavailabilityDuration time.Duration
	FailbackInterval       time.Duration
}

// PartitionOverride describes a partition currently routed away from its
// original endpoint
type PartitionOverride struct {
	CollectionRID       string    `json:"collection_rid"`
	RangeID             string    `json:"range_id"`
	Endpoint            string    `json:"endpoint"`
	FirstFailedEndpoint string    `json:"first_failed_endpoint"`
	Since               time.Time `json:"since"`
	ReadState           string    `json:"read_state"`
	WriteState          string    `json:"write_state"`
}

type partitionID struct {
	collectionRID string
	rangeID       string
}

type partitionFailoverInfo struct {
	readBreaker  *gobreaker.TwoStepCircuitBreaker
	writeBreaker *gobreaker.TwoStepCircuitBreaker
	// tripped mirrors whether each breaker has left the closed state
	tripped [2]atomic.Bool

	mu                  sync.Mutex
	current             string
	firstFailedEndpoint string
	failedEndpoints     map[string]time.Time
	overrideSince       time.Time
}

func breakerSlot(op model.RequestOperation) int {
	if op == model.RequestOperationRead {
		return 0
	}
	return 1
}

func (p *partitionFailoverInfo) breaker(op model.RequestOperation) *gobreaker.TwoStepCircuitBreaker {
	if op == model.RequestOperationRead {
		return p.readBreaker
	}
	return p.writeBreaker
}

// PartitionFailoverManager moves single partitions to another region after
// repeated failures, independent of whole-endpoint unavailability
type PartitionFailoverManager struct {
	config      *PartitionFailoverConfig
	endpoints   EndpointSource
	partitions  *xsync.Map[partitionID, *partitionFailoverInfo]
	diagnostics diagnostics.Sink
	logger      *zap.Logger
	now         func() time.Time
}

// NewPartitionFailoverManager creates a new partition failover manager
func NewPartitionFailoverManager(
	cfg *PartitionFailoverConfig,
	endpoints EndpointSource,
	sink diagnostics.Sink,
	logger *zap.Logger,
) *PartitionFailoverManager {
	if cfg == nil {
		cfg = &PartitionFailoverConfig{}
	}
	if cfg.ReadFailureThreshold == 0 {
		cfg.ReadFailureThreshold = DefaultReadFailureThreshold
	}
	if cfg.WriteFailureThreshold == 0 {
		cfg.WriteFailureThreshold = DefaultWriteFailureThreshold
	}
	if cfg.CounterResetWindow <= 0 {
		cfg.CounterResetWindow = DefaultCounterResetWindow
	}
	if cfg.UnavailabilityDuration <= 0 {
		cfg.UnavailabilityDuration = DefaultUnavailabilityDuration
	}
	if cfg.FailbackInterval <= 0 {
		cfg.FailbackInterval = DefaultFailbackInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PartitionFailoverManager{
		config:      cfg,
		endpoints:   endpoints,
		partitions:  xsync.NewMap[partitionID, *partitionFailoverInfo](),
		diagnostics: diagnostics.OrNop(sink),
		logger:      logger,
		now:         time.Now,
	}
}

// RecordFailure feeds a failed request into the partition's breaker. Once the
// breaker for op is open the partition moves to the next endpoint that has
// not failed. It reports whether an override is in place afterwards.
func (m *PartitionFailoverManager) RecordFailure(collectionRID, rangeID, failedEndpoint string, op model.RequestOperation) bool {
	id := partitionID{collectionRID: collectionRID, rangeID: rangeID}
	info := m.loadOrCreate(id, failedEndpoint)

	cb := info.breaker(op)
	if done, err := cb.Allow(); err == nil {
		done(false)
	}
	if cb.State() == gobreaker.StateClosed {
		return false
	}

	candidates := m.endpoints.ApplicableEndpoints(op, nil)

	info.mu.Lock()
	defer info.mu.Unlock()

	if failedEndpoint != info.current {
		// another request already moved this partition
		return true
	}

	for _, endpoint := range candidates {
		if endpoint == info.current {
			continue
		}
		if _, failed := info.failedEndpoints[endpoint]; failed {
			continue
		}

		now := m.now()
		info.failedEndpoints[failedEndpoint] = now
		if info.overrideSince.IsZero() {
			info.overrideSince = now
		}
		info.current = endpoint

		m.logger.Warn("Partition moved to next endpoint",
			zap.String("collection_rid", collectionRID),
			zap.String("range_id", rangeID),
			zap.String("operation", op.String()),
			zap.String("failed_endpoint", failedEndpoint),
			zap.String("endpoint", endpoint))
		m.diagnostics.PartitionFailover(collectionRID, rangeID, failedEndpoint, endpoint)
		return true
	}

	m.logger.Warn("No endpoint left for partition failover, override removed",
		zap.String("collection_rid", collectionRID),
		zap.String("range_id", rangeID),
		zap.String("failed_endpoint", failedEndpoint))
	m.partitions.Delete(id)
	return false
}

// RecordSuccess feeds a successful request into the partition's breaker
func (m *PartitionFailoverManager) RecordSuccess(collectionRID, rangeID string, op model.RequestOperation) {
	info, ok := m.partitions.Load(partitionID{collectionRID: collectionRID, rangeID: rangeID})
	if !ok {
		return
	}
	if done, err := info.breaker(op).Allow(); err == nil {
		done(true)
	}
}

// ResolveOverride returns the endpoint a request for the partition should use
// instead of the ranked endpoint list, if any
func (m *PartitionFailoverManager) ResolveOverride(collectionRID, rangeID string, op model.RequestOperation) (string, bool) {
	info, ok := m.partitions.Load(partitionID{collectionRID: collectionRID, rangeID: rangeID})
	if !ok {
		return "", false
	}
	if info.breaker(op).State() == gobreaker.StateClosed {
		return "", false
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if info.overrideSince.IsZero() {
		return "", false
	}
	return info.current, true
}

// ExpireOverrides drops overrides older than the unavailability duration so
// the partition fails back to its ranked endpoints
func (m *PartitionFailoverManager) ExpireOverrides(now time.Time) int {
	expired := 0
	m.partitions.Range(func(id partitionID, info *partitionFailoverInfo) bool {
		info.mu.Lock()
		since := info.overrideSince
		first := info.firstFailedEndpoint
		info.mu.Unlock()

		if since.IsZero() || now.Sub(since) <= m.config.UnavailabilityDuration {
			return true
		}
		m.partitions.Delete(id)
		expired++
		m.logger.Info("Partition failing back to original endpoint",
			zap.String("collection_rid", id.collectionRID),
			zap.String("range_id", id.rangeID),
			zap.String("endpoint", first))
		return true
	})
	return expired
}

// FailbackInterval is how often ExpireOverrides should run
func (m *PartitionFailoverManager) FailbackInterval() time.Duration {
	return m.config.FailbackInterval
}

// Overrides lists the partitions currently routed to an override endpoint
func (m *PartitionFailoverManager) Overrides() []PartitionOverride {
	var out []PartitionOverride
	m.partitions.Range(func(id partitionID, info *partitionFailoverInfo) bool {
		info.mu.Lock()
		defer info.mu.Unlock()
		if info.overrideSince.IsZero() {
			return true
		}
		out = append(out, PartitionOverride{
			CollectionRID:       id.collectionRID,
			RangeID:             id.rangeID,
			Endpoint:            info.current,
			FirstFailedEndpoint: info.firstFailedEndpoint,
			Since:               info.overrideSince,
			ReadState:           info.readBreaker.State().String(),
			WriteState:          info.writeBreaker.State().String(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CollectionRID != out[j].CollectionRID {
			return out[i].CollectionRID < out[j].CollectionRID
		}
		return out[i].RangeID < out[j].RangeID
	})
	return out
}

func (m *PartitionFailoverManager) loadOrCreate(id partitionID, endpoint string) *partitionFailoverInfo {
	if info, ok := m.partitions.Load(id); ok {
		return info
	}
	info := &partitionFailoverInfo{
		readBreaker:         m.newBreaker(id, model.RequestOperationRead, m.config.ReadFailureThreshold),
		writeBreaker:        m.newBreaker(id, model.RequestOperationWrite, m.config.WriteFailureThreshold),
		current:             endpoint,
		firstFailedEndpoint: endpoint,
		failedEndpoints:     make(map[string]time.Time),
	}
	actual, _ := m.partitions.LoadOrStore(id, info)
	return actual
}

func (m *PartitionFailoverManager) newBreaker(id partitionID, op model.RequestOperation, threshold uint32) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        id.collectionRID + "/" + id.rangeID + "/" + op.String(),
		MaxRequests: 1,
		Interval:    m.config.CounterResetWindow,
		Timeout:     m.config.UnavailabilityDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Info("Partition circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if info, ok := m.partitions.Load(id); ok {
				m.breakerStateChanged(id, info, op, to)
			}
		},
	})
}

// breakerStateChanged forgets a partition's override once both of its
// breakers are closed again, so the next trip starts over from the ranked
// endpoints. It runs under the changing breaker's lock and must not query
// either breaker.
func (m *PartitionFailoverManager) breakerStateChanged(id partitionID, info *partitionFailoverInfo, op model.RequestOperation, to gobreaker.State) {
	info.tripped[breakerSlot(op)].Store(to != gobreaker.StateClosed)
	if to != gobreaker.StateClosed || info.tripped[1-breakerSlot(op)].Load() {
		return
	}

	_, present := m.partitions.Compute(id, func(cur *partitionFailoverInfo, loaded bool) (*partitionFailoverInfo, xsync.ComputeOp) {
		if loaded && cur == info {
			return cur, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
	if !present {
		m.logger.Info("Partition recovered, override removed",
			zap.String("collection_rid", id.collectionRID),
			zap.String("range_id", id.rangeID))
	}
}
