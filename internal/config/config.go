// Package config loads routerd configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// AccountConfig holds the database account the router serves
type AccountConfig struct {
	Name                     string        `yaml:"name"`
	Endpoint                 string        `yaml:"endpoint"`
	AuthToken                string        `yaml:"auth_token"`
	APIVersion               string        `yaml:"api_version"`
	PreferredLocations       []string      `yaml:"preferred_locations"`
	ExcludedRegions          []string      `yaml:"excluded_regions"`
	RefreshInterval          time.Duration `yaml:"refresh_interval"`
	RequestTimeout           time.Duration `yaml:"request_timeout"`
	UnavailabilityExpiration time.Duration `yaml:"unavailability_expiration"`
}

// CacheConfig holds partition key range cache configuration
type CacheConfig struct {
	RefreshTimeout    time.Duration `yaml:"refresh_timeout"`
	MaxPages          int           `yaml:"max_pages"`
	ServeStaleOnError bool          `yaml:"serve_stale_on_error"`
	ForceRefreshRate  float64       `yaml:"force_refresh_rate"`
	ForceRefreshBurst int           `yaml:"force_refresh_burst"`
	MaxItemsPerQuery  int           `yaml:"max_items_per_query"`
}

// WarmupConfig lists collections whose routing maps are loaded ahead of traffic
type WarmupConfig struct {
	Collections []string      `yaml:"collections"`
	Interval    time.Duration `yaml:"interval"`
	Workers     int           `yaml:"workers"`
}

// FailoverConfig holds per-partition failover configuration
type FailoverConfig struct {
	Enabled                bool          `yaml:"enabled"`
	ReadFailureThreshold   int           `yaml:"read_failure_threshold"`
	WriteFailureThreshold  int           `yaml:"write_failure_threshold"`
	CounterResetWindow     time.Duration `yaml:"counter_reset_window"`
	UnavailabilityDuration time.Duration `yaml:"unavailability_duration"`
	FailbackInterval       time.Duration `yaml:"failback_interval"`
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	RetransmitMult int           `yaml:"retransmit_mult"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for routerd
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Account     AccountConfig     `yaml:"account"`
	Cache       CacheConfig       `yaml:"cache"`
	Warmup      WarmupConfig      `yaml:"warmup"`
	Failover    FailoverConfig    `yaml:"failover"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document. Environment
// overrides are applied before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides lets deployments inject the account and node
// identity without editing the file
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("ROUTER_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if port := os.Getenv("ROUTER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if endpoint := os.Getenv("ACCOUNT_ENDPOINT"); endpoint != "" {
		cfg.Account.Endpoint = endpoint
	}
	if token := os.Getenv("ACCOUNT_AUTH_TOKEN"); token != "" {
		cfg.Account.AuthToken = token
	}
	if preferred := os.Getenv("ACCOUNT_PREFERRED_LOCATIONS"); preferred != "" {
		cfg.Account.PreferredLocations = splitList(preferred)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.NodeID = host
		}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}

	if cfg.Account.APIVersion == "" {
		cfg.Account.APIVersion = "2018-12-31"
	}
	if cfg.Account.RefreshInterval == 0 {
		cfg.Account.RefreshInterval = 5 * time.Minute
	}
	if cfg.Account.RequestTimeout == 0 {
		cfg.Account.RequestTimeout = 30 * time.Second
	}
	if cfg.Account.UnavailabilityExpiration == 0 {
		cfg.Account.UnavailabilityExpiration = 5 * time.Minute
	}

	if cfg.Cache.RefreshTimeout == 0 {
		cfg.Cache.RefreshTimeout = 30 * time.Second
	}
	if cfg.Cache.MaxPages == 0 {
		cfg.Cache.MaxPages = 100
	}
	if cfg.Cache.ForceRefreshBurst == 0 {
		cfg.Cache.ForceRefreshBurst = 1
	}
	if cfg.Cache.MaxItemsPerQuery == 0 {
		cfg.Cache.MaxItemsPerQuery = 1000
	}

	if cfg.Warmup.Interval == 0 {
		cfg.Warmup.Interval = time.Minute
	}
	if cfg.Warmup.Workers == 0 {
		cfg.Warmup.Workers = 4
	}

	if cfg.Failover.ReadFailureThreshold == 0 {
		cfg.Failover.ReadFailureThreshold = 2
	}
	if cfg.Failover.WriteFailureThreshold == 0 {
		cfg.Failover.WriteFailureThreshold = 5
	}
	if cfg.Failover.CounterResetWindow == 0 {
		cfg.Failover.CounterResetWindow = 5 * time.Minute
	}
	if cfg.Failover.UnavailabilityDuration == 0 {
		cfg.Failover.UnavailabilityDuration = 5 * time.Second
	}
	if cfg.Failover.FailbackInterval == 0 {
		cfg.Failover.FailbackInterval = 5 * time.Minute
	}

	if cfg.RateLimiter.RequestsPerSecond == 0 {
		cfg.RateLimiter.RequestsPerSecond = 1000
	}
	if cfg.RateLimiter.BurstSize == 0 {
		cfg.RateLimiter.BurstSize = 100
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
	if cfg.Gossip.RetransmitMult == 0 {
		cfg.Gossip.RetransmitMult = 3
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Account.Endpoint == "" {
		return fmt.Errorf("account.endpoint is required")
	}
	if u, err := url.Parse(c.Account.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("account.endpoint must be an absolute URL: %q", c.Account.Endpoint)
	}
	for i, loc := range c.Account.PreferredLocations {
		if strings.TrimSpace(loc) == "" {
			return fmt.Errorf("account.preferred_locations[%d] is empty", i)
		}
	}
	if c.Cache.MaxPages < 1 {
		return fmt.Errorf("cache.max_pages must be positive")
	}
	if c.Cache.ForceRefreshRate < 0 {
		return fmt.Errorf("cache.force_refresh_rate must not be negative")
	}
	if c.Cache.MaxItemsPerQuery < 1 {
		return fmt.Errorf("cache.max_items_per_query must be positive")
	}
	if c.Warmup.Workers < 1 {
		return fmt.Errorf("warmup.workers must be positive")
	}
	if c.Failover.ReadFailureThreshold < 1 || c.Failover.WriteFailureThreshold < 1 {
		return fmt.Errorf("failover thresholds must be positive")
	}
	if c.RateLimiter.Enabled && c.RateLimiter.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limiter.requests_per_second must be positive")
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535")
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics.port must differ from server.port")
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
