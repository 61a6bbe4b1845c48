// Package main provides the entry point for the partition router.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/partition-router/internal/client"
	"github.com/devrev/pairdb/partition-router/internal/config"
	"github.com/devrev/pairdb/partition-router/internal/handler"
	"github.com/devrev/pairdb/partition-router/internal/health"
	"github.com/devrev/pairdb/partition-router/internal/metrics"
	"github.com/devrev/pairdb/partition-router/internal/model"
	"github.com/devrev/pairdb/partition-router/internal/server"
	"github.com/devrev/pairdb/partition-router/internal/service"
	"github.com/devrev/pairdb/partition-router/internal/util/workerpool"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))
	logger, err := initLogger(cfg.Logging.Format, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("account", cfg.Account.Name),
		zap.String("endpoint", cfg.Account.Endpoint),
		zap.Strings("preferred_locations", cfg.Account.PreferredLocations),
		zap.Int("port", cfg.Server.Port))

	if err := run(cfg, configPath, level, logger); err != nil {
		logger.Fatal("Router stopped with error", zap.Error(err))
	}
	logger.Info("Router shutdown complete")
}

func run(cfg *config.Config, configPath string, level zap.AtomicLevel, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry, cfg.Account.Name)

	// Initialize services
	locationCache := service.NewLocationCache(&service.LocationCacheConfig{
		DefaultEndpoint:          cfg.Account.Endpoint,
		PreferredLocations:       cfg.Account.PreferredLocations,
		ExcludedRegions:          cfg.Account.ExcludedRegions,
		UnavailabilityExpiration: cfg.Account.UnavailabilityExpiration,
	}, m, logger.Named("locations"))

	var authorizer client.Authorizer
	if cfg.Account.AuthToken != "" {
		authorizer = client.TokenAuthorizer{Token: cfg.Account.AuthToken}
	}
	accountClient, err := client.NewAccountClient(client.AccountClientConfig{
		Endpoint:       cfg.Account.Endpoint,
		APIVersion:     cfg.Account.APIVersion,
		RequestTimeout: cfg.Account.RequestTimeout,
		Authorizer:     authorizer,
		EndpointResolver: func() string {
			return locationCache.ResolveServiceEndpoint(service.RouteRequest{
				OperationType: model.OperationReadFeed,
				ResourceType:  model.ResourcePartitionKeyRange,
			})
		},
	}, logger.Named("client"))
	if err != nil {
		return fmt.Errorf("failed to create account client: %w", err)
	}

	rangeCache := service.NewPartitionKeyRangeCache(&service.PartitionKeyRangeCacheConfig{
		RefreshTimeout:    cfg.Cache.RefreshTimeout,
		MaxPages:          cfg.Cache.MaxPages,
		ServeStaleOnError: cfg.Cache.ServeStaleOnError,
		ForceRefreshRate:  cfg.Cache.ForceRefreshRate,
		ForceRefreshBurst: cfg.Cache.ForceRefreshBurst,
	}, accountClient, m, logger.Named("pkranges"))

	resolver := service.NewBatchPartitionResolver(&service.BatchResolverConfig{
		MaxItemsPerQuery: cfg.Cache.MaxItemsPerQuery,
	}, m, logger.Named("chunks"))

	var failover *service.PartitionFailoverManager
	if cfg.Failover.Enabled {
		failover = service.NewPartitionFailoverManager(&service.PartitionFailoverConfig{
			ReadFailureThreshold:   uint32(cfg.Failover.ReadFailureThreshold),
			WriteFailureThreshold:  uint32(cfg.Failover.WriteFailureThreshold),
			CounterResetWindow:     cfg.Failover.CounterResetWindow,
			UnavailabilityDuration: cfg.Failover.UnavailabilityDuration,
			FailbackInterval:       cfg.Failover.FailbackInterval,
		}, locationCache, m, logger.Named("failover"))
	}

	endpointManager := service.NewGlobalEndpointManager(&service.GlobalEndpointManagerConfig{
		RefreshInterval: cfg.Account.RefreshInterval,
		RefreshTimeout:  cfg.Account.RequestTimeout,
	}, accountClient, locationCache, failover, logger.Named("endpoints"))

	var marker service.UnavailabilityMarker = locationCache
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			RetransmitMult: cfg.Gossip.RetransmitMult,
		}, cfg.Server.NodeID, locationCache, logger.Named("gossip"))
		if err != nil {
			logger.Error("Failed to initialize gossip service, continuing without it", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			marker = gossipSvc
			logger.Info("Gossip service initialized", zap.Int("members", gossipSvc.NumMembers()))
		}
	}

	warmupPool := workerpool.New(workerpool.Config{
		Name:    "warmup",
		Workers: cfg.Warmup.Workers,
		Logger:  logger.Named("workerpool"),
	})
	defer warmupPool.Stop(cfg.Server.ShutdownTimeout)

	warmer := service.NewCollectionWarmer(&service.CollectionWarmerConfig{
		Collections: cfg.Warmup.Collections,
		Interval:    cfg.Warmup.Interval,
	}, rangeCache, warmupPool, logger.Named("warmup"))

	// Initialize HTTP surface
	handlers := handler.NewHandlers(handler.Dependencies{
		Cache:     rangeCache,
		Resolver:  resolver,
		Locations: locationCache,
		Failover:  failover,
		Marker:    marker,
		Forgetter: m,
	}, cfg.Server.RequestTimeout, logger.Named("handler"))

	healthCheck := health.NewHealthCheck(m.SetReady, logger.Named("health"))
	healthCheck.Register("account_topology", func() error {
		if !endpointManager.IsReady() {
			return fmt.Errorf("account topology not loaded yet")
		}
		return nil
	})

	httpServer := server.NewServer(cfg, handlers, healthCheck, m, logger.Named("http"))

	watcher := config.NewWatcher(configPath, cfg, logger.Named("config"))
	watcher.OnChange(config.ApplyLocationPreferences(locationCache, logger))
	watcher.OnChange(func(_, updated *config.Config) {
		level.SetLevel(parseLevel(updated.Logging.Level))
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return endpointManager.Run(gctx) })
	g.Go(func() error { return warmer.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(httpServer.Start)

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, logger.Named("metrics"))
		g.Go(metricsServer.Start)
	}

	if gossipSvc != nil {
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				m.SetGossipMembers(gossipSvc.NumMembers())
				select {
				case <-ticker.C:
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		m.SetReady(false)
		endpointManager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown metrics server", zap.Error(err))
			}
		}
		return nil
	})

	logger.Info("Partition router started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("failover", cfg.Failover.Enabled),
		zap.Bool("gossip", gossipSvc != nil))

	return g.Wait()
}

// initLogger builds a JSON or console logger at the given level
func initLogger(format string, level zap.AtomicLevel) (*zap.Logger, error) {
	var zc zap.Config
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
