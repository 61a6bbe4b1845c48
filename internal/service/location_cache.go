package service

import (
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/diagnostics"
	"github.com/devrev/pairdb/partition-router/internal/model"
)

// DefaultUnavailabilityExpiration is how long an endpoint stays marked unavailable
const DefaultUnavailabilityExpiration = 5 * time.Minute

// LocationCacheConfig holds location cache configuration
type LocationCacheConfig struct {
	DefaultEndpoint          string
	PreferredLocations       []string
	ExcludedRegions          []string
	UnavailabilityExpiration time.Duration
}

// LocationsInfo is one immutable view of the account topology and the
// endpoint lists derived from it. Both derived lists are always computed
// together from the same source data.
type LocationsInfo struct {
	PreferredLocations       []string          `json:"preferred_locations"`
	ExcludedRegions          []string          `json:"excluded_regions"`
	AvailableWriteLocations  []string          `json:"available_write_locations"`
	AvailableReadLocations   []string          `json:"available_read_locations"`
	WriteEndpointsByLocation map[string]string `json:"write_endpoints_by_location"`
	ReadEndpointsByLocation  map[string]string `json:"read_endpoints_by_location"`
	WriteEndpoints           []string          `json:"write_endpoints"`
	ReadEndpoints            []string          `json:"read_endpoints"`
}

func (i *LocationsInfo) clone() *LocationsInfo {
	return &LocationsInfo{
		PreferredLocations:       cloneStrings(i.PreferredLocations),
		ExcludedRegions:          cloneStrings(i.ExcludedRegions),
		AvailableWriteLocations:  cloneStrings(i.AvailableWriteLocations),
		AvailableReadLocations:   cloneStrings(i.AvailableReadLocations),
		WriteEndpointsByLocation: cloneStringMap(i.WriteEndpointsByLocation),
		ReadEndpointsByLocation:  cloneStringMap(i.ReadEndpointsByLocation),
		WriteEndpoints:           cloneStrings(i.WriteEndpoints),
		ReadEndpoints:            cloneStrings(i.ReadEndpoints),
	}
}

// UnavailableEndpoint describes an endpoint currently marked unavailable
type UnavailableEndpoint struct {
	Endpoint      string    `json:"endpoint"`
	Operation     string    `json:"operation"`
	LastCheckTime time.Time `json:"last_check_time"`
}

// RouteRequest carries what ResolveServiceEndpoint needs to pick an endpoint
type RouteRequest struct {
	OperationType            model.OperationType
	ResourceType             model.ResourceType
	LocationIndex            int
	IgnorePreferredLocations bool
	// nil uses the client's excluded regions, empty excludes nothing
	ExcludedRegions []string
}

type unavailabilityInfo struct {
	lastCheckTime time.Time
	operation     model.RequestOperation
}

// LocationCache ranks the regional endpoints of a database account and tracks
// which of them recently failed
type LocationCache struct {
	config        *LocationCacheConfig
	locationsInfo atomic.Pointer[LocationsInfo]

	// guards unavailable only; never held while swapping locationsInfo
	mu          sync.RWMutex
	unavailable map[string]*unavailabilityInfo

	diagnostics diagnostics.Sink
	logger      *zap.Logger
	now         func() time.Time
}

// NewLocationCache creates a new location cache
func NewLocationCache(cfg *LocationCacheConfig, sink diagnostics.Sink, logger *zap.Logger) *LocationCache {
	if cfg == nil {
		cfg = &LocationCacheConfig{}
	}
	if cfg.UnavailabilityExpiration <= 0 {
		cfg.UnavailabilityExpiration = DefaultUnavailabilityExpiration
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &LocationCache{
		config:      cfg,
		unavailable: make(map[string]*unavailabilityInfo),
		diagnostics: diagnostics.OrNop(sink),
		logger:      logger,
		now:         time.Now,
	}

	info := &LocationsInfo{
		PreferredLocations:       cloneStrings(cfg.PreferredLocations),
		ExcludedRegions:          cloneStrings(cfg.ExcludedRegions),
		WriteEndpointsByLocation: make(map[string]string),
		ReadEndpointsByLocation:  make(map[string]string),
	}
	c.deriveEndpoints(info)
	c.locationsInfo.Store(info)

	return c
}

// Update applies a topology change. A nil or empty argument leaves the
// corresponding data untouched.
func (c *LocationCache) Update(writeLocations, readLocations []model.AccountRegion, preferredLocations []string) {
	info := c.swap(func(info *LocationsInfo) {
		if len(writeLocations) > 0 {
			info.AvailableWriteLocations, info.WriteEndpointsByLocation = c.endpointsByLocation(writeLocations)
		}
		if len(readLocations) > 0 {
			info.AvailableReadLocations, info.ReadEndpointsByLocation = c.endpointsByLocation(readLocations)
		}
		if len(preferredLocations) > 0 {
			info.PreferredLocations = cloneStrings(preferredLocations)
		}
	})

	c.logger.Info("Account locations updated",
		zap.Strings("write_locations", info.AvailableWriteLocations),
		zap.Strings("read_locations", info.AvailableReadLocations),
		zap.Strings("preferred_locations", info.PreferredLocations),
		zap.Strings("write_endpoints", info.WriteEndpoints),
		zap.Strings("read_endpoints", info.ReadEndpoints))
}

// OnAccountRead applies the topology returned by the account endpoint
func (c *LocationCache) OnAccountRead(props *model.AccountProperties) {
	if props == nil {
		return
	}
	c.Update(props.WritableLocations, props.ReadableLocations, nil)
}

// SetExcludedRegions replaces the client-wide excluded regions
func (c *LocationCache) SetExcludedRegions(regions []string) {
	c.swap(func(info *LocationsInfo) {
		info.ExcludedRegions = cloneStrings(regions)
	})
	c.logger.Info("Excluded regions updated", zap.Strings("excluded_regions", regions))
}

// SetPreferredLocations replaces the preferred locations. An empty list
// falls back to account order.
func (c *LocationCache) SetPreferredLocations(locations []string) {
	c.swap(func(info *LocationsInfo) {
		info.PreferredLocations = cloneStrings(locations)
	})
	c.logger.Info("Preferred locations updated", zap.Strings("preferred_locations", locations))
}

// MarkEndpointUnavailable records that endpoint failed for op. Marking the
// other operation of an already marked endpoint widens it to both.
func (c *LocationCache) MarkEndpointUnavailable(endpoint string, op model.RequestOperation) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.unavailable[endpoint]
	if ok {
		entry.lastCheckTime = now
		entry.operation |= op
	} else {
		entry = &unavailabilityInfo{lastCheckTime: now, operation: op}
		c.unavailable[endpoint] = entry
	}
	marked := entry.operation
	c.mu.Unlock()

	c.logger.Warn("Endpoint marked unavailable",
		zap.String("endpoint", endpoint),
		zap.String("operation", op.String()),
		zap.String("unavailable_for", marked.String()))
	c.diagnostics.EndpointMarkedUnavailable(endpoint, op)

	c.swap(nil)
}

// IsEndpointUnavailable reports whether endpoint is marked unavailable for op
// and the mark has not expired
func (c *LocationCache) IsEndpointUnavailable(endpoint string, op model.RequestOperation) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.unavailable[endpoint]
	if !ok {
		return false
	}
	return entry.operation.Includes(op) && c.now().Sub(entry.lastCheckTime) < c.config.UnavailabilityExpiration
}

// RefreshStaleEndpoints forgets expired unavailability marks and re-derives
// the endpoint lists
func (c *LocationCache) RefreshStaleEndpoints() {
	now := c.now()

	c.mu.Lock()
	purged := 0
	for endpoint, entry := range c.unavailable {
		if now.Sub(entry.lastCheckTime) >= c.config.UnavailabilityExpiration {
			delete(c.unavailable, endpoint)
			purged++
		}
	}
	c.mu.Unlock()

	if purged > 0 {
		c.logger.Info("Expired endpoint unavailability cleared", zap.Int("endpoints", purged))
	}
	c.swap(nil)
}

// UnavailableEndpoints lists the endpoints currently marked unavailable
func (c *LocationCache) UnavailableEndpoints() []UnavailableEndpoint {
	now := c.now()

	c.mu.RLock()
	out := make([]UnavailableEndpoint, 0, len(c.unavailable))
	for endpoint, entry := range c.unavailable {
		if now.Sub(entry.lastCheckTime) >= c.config.UnavailabilityExpiration {
			continue
		}
		out = append(out, UnavailableEndpoint{
			Endpoint:      endpoint,
			Operation:     entry.operation.String(),
			LastCheckTime: entry.lastCheckTime,
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// ReadEndpoints returns the ranked read endpoints
func (c *LocationCache) ReadEndpoints() []string {
	return cloneStrings(c.locationsInfo.Load().ReadEndpoints)
}

// WriteEndpoints returns the ranked write endpoints
func (c *LocationCache) WriteEndpoints() []string {
	return cloneStrings(c.locationsInfo.Load().WriteEndpoints)
}

// Snapshot returns a copy of the current locations info
func (c *LocationCache) Snapshot() *LocationsInfo {
	return c.locationsInfo.Load().clone()
}

// DefaultEndpoint returns the endpoint used when no region qualifies
func (c *LocationCache) DefaultEndpoint() string {
	return c.config.DefaultEndpoint
}

// ApplicableEndpoints ranks the endpoints for op. excludedRegions overrides
// the client's excluded regions when non-nil.
func (c *LocationCache) ApplicableEndpoints(op model.RequestOperation, excludedRegions []string) []string {
	info := c.locationsInfo.Load()
	if excludedRegions == nil {
		excludedRegions = info.ExcludedRegions
	}
	if op == model.RequestOperationWrite {
		return c.rankEndpoints(info, info.WriteEndpointsByLocation, op, excludedRegions)
	}
	return c.rankEndpoints(info, info.ReadEndpointsByLocation, model.RequestOperationRead, excludedRegions)
}

// ResolveServiceEndpoint picks the endpoint a request is sent to.
// LocationIndex selects among the candidates, wrapping around.
func (c *LocationCache) ResolveServiceEndpoint(req RouteRequest) string {
	info := c.locationsInfo.Load()
	index := req.LocationIndex
	if index < 0 {
		index = 0
	}

	if req.IgnorePreferredLocations ||
		(!req.OperationType.IsReadOnly() && !canSupportMultipleWriteLocations(info, req.ResourceType, req.OperationType)) {
		if n := len(info.AvailableWriteLocations); n > 0 {
			return info.WriteEndpointsByLocation[info.AvailableWriteLocations[index%n]]
		}
		return c.config.DefaultEndpoint
	}

	endpoints := c.ApplicableEndpoints(req.OperationType.RequestOperation(), req.ExcludedRegions)
	if len(endpoints) == 0 {
		return c.config.DefaultEndpoint
	}
	return endpoints[index%len(endpoints)]
}

// CanUseMultipleWriteLocations reports whether writes may go to more than one region
func (c *LocationCache) CanUseMultipleWriteLocations() bool {
	return len(c.locationsInfo.Load().WriteEndpoints) > 1
}

func canSupportMultipleWriteLocations(info *LocationsInfo, resource model.ResourceType, op model.OperationType) bool {
	return len(info.WriteEndpoints) > 1 &&
		(resource == model.ResourceDocument ||
			(resource == model.ResourceStoredProcedure && op == model.OperationExecute))
}

// swap installs a copy of the current info with mutate applied and the
// endpoint lists re-derived, retrying if another writer got there first
func (c *LocationCache) swap(mutate func(info *LocationsInfo)) *LocationsInfo {
	for {
		current := c.locationsInfo.Load()
		next := current.clone()
		if mutate != nil {
			mutate(next)
		}
		c.deriveEndpoints(next)

		if c.locationsInfo.CompareAndSwap(current, next) {
			c.diagnostics.EndpointsRecomputed(len(next.ReadEndpoints), len(next.WriteEndpoints))
			return next
		}
	}
}

func (c *LocationCache) deriveEndpoints(info *LocationsInfo) {
	info.WriteEndpoints = c.rankEndpoints(info, info.WriteEndpointsByLocation, model.RequestOperationWrite, info.ExcludedRegions)
	info.ReadEndpoints = c.rankEndpoints(info, info.ReadEndpointsByLocation, model.RequestOperationRead, info.ExcludedRegions)
}

// rankEndpoints walks the effective preferred locations and returns available
// endpoints first, then the unavailable ones, falling back to the default endpoint
func (c *LocationCache) rankEndpoints(
	info *LocationsInfo,
	byLocation map[string]string,
	op model.RequestOperation,
	excludedRegions []string,
) []string {
	excluded := make(map[string]struct{}, len(excludedRegions))
	for _, region := range excludedRegions {
		excluded[region] = struct{}{}
	}

	var available, deferred []string
	seen := make(map[string]struct{})
	for _, location := range effectivePreferredLocations(info) {
		if _, skip := excluded[location]; skip {
			continue
		}
		endpoint, ok := byLocation[location]
		if !ok {
			continue
		}
		if _, dup := seen[endpoint]; dup {
			continue
		}
		seen[endpoint] = struct{}{}

		if c.IsEndpointUnavailable(endpoint, op) {
			deferred = append(deferred, endpoint)
		} else {
			available = append(available, endpoint)
		}
	}

	endpoints := append(available, deferred...)
	if len(endpoints) == 0 && c.config.DefaultEndpoint != "" {
		endpoints = []string{c.config.DefaultEndpoint}
	}
	return endpoints
}

func (c *LocationCache) endpointsByLocation(regions []model.AccountRegion) ([]string, map[string]string) {
	locations := make([]string, 0, len(regions))
	byLocation := make(map[string]string, len(regions))
	for _, region := range regions {
		if !validEndpoint(region.Endpoint) {
			c.logger.Warn("Ignoring region with invalid endpoint",
				zap.String("region", region.Name),
				zap.String("endpoint", region.Endpoint))
			continue
		}
		if _, dup := byLocation[region.Name]; dup {
			continue
		}
		locations = append(locations, region.Name)
		byLocation[region.Name] = region.Endpoint
	}
	return locations, byLocation
}

// effectivePreferredLocations is the user's list followed by the remaining
// read regions and then the remaining write regions, in account order
func effectivePreferredLocations(info *LocationsInfo) []string {
	out := make([]string, 0, len(info.PreferredLocations)+len(info.AvailableReadLocations)+len(info.AvailableWriteLocations))
	seen := make(map[string]struct{}, cap(out))
	for _, group := range [][]string{info.PreferredLocations, info.AvailableReadLocations, info.AvailableWriteLocations} {
		for _, location := range group {
			if _, ok := seen[location]; ok {
				continue
			}
			seen[location] = struct{}{}
			out = append(out, location)
		}
	}
	return out
}

func validEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
