// Package metrics provides Prometheus metrics for routerd.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/diagnostics"
	"github.com/devrev/pairdb/partition-router/internal/model"
)

const (
	namespace = "pairdb"
	subsystem = "router"
)

// Metrics holds all Prometheus metrics. It doubles as the diagnostics sink of
// the routing caches.
type Metrics struct {
	routingLookups      *prometheus.CounterVec
	routingRefreshes    *prometheus.CounterVec
	routingRefreshTime  prometheus.Histogram
	routingRefreshPages prometheus.Histogram
	routingRanges       *prometheus.GaugeVec

	endpointsMarked    *prometheus.CounterVec
	readEndpoints      prometheus.Gauge
	writeEndpoints     prometheus.Gauge
	partitionFailovers *prometheus.CounterVec
	chunkItems         prometheus.Counter
	chunksResolved     prometheus.Counter

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	gossipMembers prometheus.Gauge
	ready         prometheus.Gauge
}

var _ diagnostics.Sink = (*Metrics)(nil)

// NewMetrics creates the metrics and registers them with reg. Every series
// carries an account label.
func NewMetrics(reg prometheus.Registerer, accountName string) *Metrics {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"account": accountName}

	return &Metrics{
		routingLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "routing_lookups_total",
				Help:        "Routing map lookups by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		routingRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "routing_refreshes_total",
				Help:        "Routing map refreshes by kind and result",
				ConstLabels: constLabels,
			},
			[]string{"kind", "result"},
		),
		routingRefreshTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "routing_refresh_duration_seconds",
				Help:        "Duration of routing map refreshes",
				Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
				ConstLabels: constLabels,
			},
		),
		routingRefreshPages: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "routing_refresh_pages",
				Help:        "Pages read per routing map refresh",
				Buckets:     []float64{1, 2, 3, 5, 10, 25, 50, 100},
				ConstLabels: constLabels,
			},
		),
		routingRanges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "routing_ranges",
				Help:        "Partition key ranges in the cached routing map of a collection",
				ConstLabels: constLabels,
			},
			[]string{"collection_rid"},
		),
		endpointsMarked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "endpoints_marked_unavailable_total",
				Help:        "Endpoints marked unavailable by operation",
				ConstLabels: constLabels,
			},
			[]string{"operation"},
		),
		readEndpoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "read_endpoints",
				Help:        "Endpoints in the current read order",
				ConstLabels: constLabels,
			},
		),
		writeEndpoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "write_endpoints",
				Help:        "Endpoints in the current write order",
				ConstLabels: constLabels,
			},
		),
		partitionFailovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "partition_failovers_total",
				Help:        "Partition overrides moved to another endpoint",
				ConstLabels: constLabels,
			},
			[]string{"to_endpoint"},
		),
		chunkItems: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "chunk_items_total",
				Help:        "Items grouped into query chunks",
				ConstLabels: constLabels,
			},
		),
		chunksResolved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "chunks_total",
				Help:        "Query chunks produced",
				ConstLabels: constLabels,
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request duration in seconds",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
				ConstLabels: constLabels,
			},
			[]string{"method", "route"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: constLabels,
			},
		),
		gossipMembers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "gossip_members",
				Help:        "Members in the unavailability gossip cluster",
				ConstLabels: constLabels,
			},
		),
		ready: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "ready",
				Help:        "1 once the account topology has been loaded",
				ConstLabels: constLabels,
			},
		),
	}
}

// RoutingLookup implements diagnostics.Sink
func (m *Metrics) RoutingLookup(_ string, outcome diagnostics.LookupOutcome) {
	m.routingLookups.WithLabelValues(string(outcome)).Inc()
}

// RoutingRefresh implements diagnostics.Sink
func (m *Metrics) RoutingRefresh(info diagnostics.RefreshInfo) {
	kind := "full"
	if info.Incremental {
		kind = "incremental"
	}
	result := "success"
	if info.Err != nil {
		result = "error"
	}
	m.routingRefreshes.WithLabelValues(kind, result).Inc()
	m.routingRefreshTime.Observe(info.Duration.Seconds())
	if info.Pages > 0 {
		m.routingRefreshPages.Observe(float64(info.Pages))
	}
	if info.Err == nil {
		m.routingRanges.WithLabelValues(info.CollectionRID).Set(float64(info.Ranges))
	}
}

// EndpointMarkedUnavailable implements diagnostics.Sink
func (m *Metrics) EndpointMarkedUnavailable(_ string, op model.RequestOperation) {
	m.endpointsMarked.WithLabelValues(op.String()).Inc()
}

// EndpointsRecomputed implements diagnostics.Sink
func (m *Metrics) EndpointsRecomputed(readEndpoints, writeEndpoints int) {
	m.readEndpoints.Set(float64(readEndpoints))
	m.writeEndpoints.Set(float64(writeEndpoints))
}

// PartitionFailover implements diagnostics.Sink
func (m *Metrics) PartitionFailover(_, _, _, toEndpoint string) {
	m.partitionFailovers.WithLabelValues(toEndpoint).Inc()
}

// ChunksResolved implements diagnostics.Sink
func (m *Metrics) ChunksResolved(items, chunks int) {
	m.chunkItems.Add(float64(items))
	m.chunksResolved.Add(float64(chunks))
}

// ForgetCollection drops the per-collection series of an invalidated collection
func (m *Metrics) ForgetCollection(collectionRID string) {
	m.routingRanges.DeleteLabelValues(collectionRID)
}

// RecordHTTPRequest records metrics for an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncRequestsInFlight increments the in-flight requests gauge
func (m *Metrics) IncRequestsInFlight() { m.requestsInFlight.Inc() }

// DecRequestsInFlight decrements the in-flight requests gauge
func (m *Metrics) DecRequestsInFlight() { m.requestsInFlight.Dec() }

// SetGossipMembers sets the gossip cluster size
func (m *Metrics) SetGossipMembers(n int) { m.gossipMembers.Set(float64(n)) }

// SetReady sets the readiness gauge
func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
}

// MetricsServer provides a separate HTTP server for Prometheus metrics
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a new metrics server exposing gatherer on path
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server. It returns nil after Shutdown.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves metrics on an existing listener
func (ms *MetricsServer) Serve(l net.Listener) error {
	if err := ms.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
