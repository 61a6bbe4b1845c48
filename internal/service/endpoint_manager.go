package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/model"
)

// AccountReader reads the account topology from the service root
type AccountReader interface {
	ReadAccountTopology(ctx context.Context) (*model.AccountProperties, error)
}

// GlobalEndpointManagerConfig holds global endpoint manager configuration
type GlobalEndpointManagerConfig struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
}

// GlobalEndpointManager keeps the location cache in step with the account
// topology and runs partition failback
type GlobalEndpointManager struct {
	config        *GlobalEndpointManagerConfig
	reader        AccountReader
	locationCache *LocationCache
	failover      *PartitionFailoverManager

	refreshMu   sync.Mutex
	ready       atomic.Bool
	lastRefresh atomic.Int64
	stopOnce    sync.Once
	stopCh      chan struct{}

	tracer trace.Tracer
	logger *zap.Logger
}

// NewGlobalEndpointManager creates a new global endpoint manager. failover may be nil.
func NewGlobalEndpointManager(
	cfg *GlobalEndpointManagerConfig,
	reader AccountReader,
	locationCache *LocationCache,
	failover *PartitionFailoverManager,
	logger *zap.Logger,
) *GlobalEndpointManager {
	if cfg == nil {
		cfg = &GlobalEndpointManagerConfig{}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GlobalEndpointManager{
		config:        cfg,
		reader:        reader,
		locationCache: locationCache,
		failover:      failover,
		stopCh:        make(chan struct{}),
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
	}
}

// Refresh reads the account topology and applies it to the location cache
func (m *GlobalEndpointManager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "GlobalEndpointManager.Refresh")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.config.RefreshTimeout)
	defer cancel()

	props, err := m.reader.ReadAccountTopology(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read account topology: %w", err)
	}

	m.locationCache.OnAccountRead(props)
	m.locationCache.RefreshStaleEndpoints()

	m.lastRefresh.Store(time.Now().UnixNano())
	m.ready.Store(true)

	m.logger.Debug("Account topology refreshed",
		zap.String("account", props.ID),
		zap.Int("write_regions", len(props.WritableLocations)),
		zap.Int("read_regions", len(props.ReadableLocations)),
		zap.Bool("multiple_write_locations", props.EnableMultipleWriteLocations))

	return nil
}

// Run loads the topology and then refreshes it periodically until ctx is
// done or Stop is called
func (m *GlobalEndpointManager) Run(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		m.logger.Error("Failed initial account topology load", zap.Error(err))
	}

	refreshTicker := time.NewTicker(m.config.RefreshInterval)
	defer refreshTicker.Stop()

	var failbackC <-chan time.Time
	if m.failover != nil {
		failbackTicker := time.NewTicker(m.failover.FailbackInterval())
		defer failbackTicker.Stop()
		failbackC = failbackTicker.C
	}

	for {
		select {
		case <-refreshTicker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("Failed to refresh account topology", zap.Error(err))
			}
		case now := <-failbackC:
			if expired := m.failover.ExpireOverrides(now); expired > 0 {
				m.logger.Info("Partition overrides expired", zap.Int("count", expired))
			}
		case <-m.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop ends Run
func (m *GlobalEndpointManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// IsReady reports whether the account topology has been loaded at least once
func (m *GlobalEndpointManager) IsReady() bool {
	return m.ready.Load()
}

// LastRefresh returns when the topology was last applied
func (m *GlobalEndpointManager) LastRefresh() time.Time {
	ns := m.lastRefresh.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
