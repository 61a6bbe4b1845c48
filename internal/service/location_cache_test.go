package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/model"
)

const (
	defaultEndpoint = "https://default.documents.example.com"
	location1       = "https://location1.documents.example.com"
	location2       = "https://location2.documents.example.com"
	location3       = "https://location3.documents.example.com"
	location4       = "https://location4.documents.example.com"
)

func testRegions() (write, read []model.AccountRegion) {
	r1 := model.AccountRegion{Name: "Location 1", Endpoint: location1}
	r2 := model.AccountRegion{Name: "Location 2", Endpoint: location2}
	r3 := model.AccountRegion{Name: "Location 3", Endpoint: location3}
	r4 := model.AccountRegion{Name: "Location 4", Endpoint: location4}
	return []model.AccountRegion{r1, r2}, []model.AccountRegion{r1, r2, r3, r4}
}

func newTestLocationCache(t *testing.T, excluded []string) (*LocationCache, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	c := NewLocationCache(&LocationCacheConfig{
		DefaultEndpoint:    defaultEndpoint,
		PreferredLocations: []string{"Location 1", "Location 2"},
		ExcludedRegions:    excluded,
	}, sink, zap.NewNop())
	write, read := testRegions()
	c.Update(write, read, nil)
	return c, sink
}

func TestLocationCache_UpdateDerivesEndpoints(t *testing.T) {
	c, _ := newTestLocationCache(t, nil)

	assert.Equal(t, []string{location1, location2, location3, location4}, c.ReadEndpoints())
	assert.Equal(t, []string{location1, location2}, c.WriteEndpoints())

	info := c.Snapshot()
	assert.Equal(t, []string{"Location 1", "Location 2"}, info.AvailableWriteLocations)
	assert.Equal(t, []string{"Location 1", "Location 2", "Location 3", "Location 4"}, info.AvailableReadLocations)
	assert.Equal(t, location3, info.ReadEndpointsByLocation["Location 3"])
}

func TestLocationCache_NoTopologyUsesDefaultEndpoint(t *testing.T) {
	c := NewLocationCache(&LocationCacheConfig{DefaultEndpoint: defaultEndpoint}, nil, nil)

	assert.Equal(t, []string{defaultEndpoint}, c.ReadEndpoints())
	assert.Equal(t, []string{defaultEndpoint}, c.WriteEndpoints())
	assert.Equal(t, defaultEndpoint, c.ResolveServiceEndpoint(RouteRequest{OperationType: model.OperationCreate, ResourceType: model.ResourceDocument}))
}

func TestLocationCache_PreferredUpdateIsIsolated(t *testing.T) {
	c, _ := newTestLocationCache(t, nil)
	before := c.Snapshot()

	c.Update(nil, nil, []string{"Location 3", "Location 2"})
	after := c.Snapshot()

	assert.Equal(t, before.AvailableWriteLocations, after.AvailableWriteLocations)
	assert.Equal(t, before.AvailableReadLocations, after.AvailableReadLocations)
	assert.Equal(t, before.WriteEndpointsByLocation, after.WriteEndpointsByLocation)
	assert.Equal(t, before.ReadEndpointsByLocation, after.ReadEndpointsByLocation)

	assert.Equal(t, []string{location3, location2, location1, location4}, after.ReadEndpoints)
	assert.Equal(t, []string{location2, location1}, after.WriteEndpoints)
}

func TestLocationCache_EmptyUpdateKeepsPriorData(t *testing.T) {
	c, _ := newTestLocationCache(t, nil)
	before := c.Snapshot()

	c.Update(nil, []model.AccountRegion{}, []string{})

	assert.Equal(t, before, c.Snapshot())
}

func TestLocationCache_UpdateIgnoresInvalidEndpoints(t *testing.T) {
	c := NewLocationCache(&LocationCacheConfig{DefaultEndpoint: defaultEndpoint}, nil, nil)

	c.Update(nil, []model.AccountRegion{
		{Name: "Broken", Endpoint: "not a url"},
		{Name: "Location 1", Endpoint: location1},
	}, nil)

	assert.Equal(t, []string{"Location 1"}, c.Snapshot().AvailableReadLocations)
	assert.Equal(t, []string{location1}, c.ReadEndpoints())
}

func TestLocationCache_UnavailabilityIsPerOperation(t *testing.T) {
	c, sink := newTestLocationCache(t, nil)

	c.MarkEndpointUnavailable(location1, model.RequestOperationWrite)

	assert.True(t, c.IsEndpointUnavailable(location1, model.RequestOperationWrite))
	assert.False(t, c.IsEndpointUnavailable(location1, model.RequestOperationRead))
	assert.False(t, c.IsEndpointUnavailable(location2, model.RequestOperationWrite))
	// a write-only mark still counts against a request for both operations
	assert.True(t, c.IsEndpointUnavailable(location1, model.RequestOperationAll))
	assert.False(t, c.IsEndpointUnavailable(location2, model.RequestOperationAll))

	// Unavailable endpoints move to the tail, they are not dropped
	assert.Equal(t, []string{location2, location1}, c.WriteEndpoints())
	assert.Equal(t, []string{location1, location2, location3, location4}, c.ReadEndpoints())
	assert.Equal(t, []string{location1}, sink.unavailable)

	c.MarkEndpointUnavailable(location1, model.RequestOperationRead)
	assert.True(t, c.IsEndpointUnavailable(location1, model.RequestOperationRead))
	assert.True(t, c.IsEndpointUnavailable(location1, model.RequestOperationWrite))
	assert.Equal(t, []string{location2, location3, location4, location1}, c.ReadEndpoints())

	unavailable := c.UnavailableEndpoints()
	require.Len(t, unavailable, 1)
	assert.Equal(t, "all", unavailable[0].Operation)
}

func TestLocationCache_UnavailabilityExpires(t *testing.T) {
	c, _ := newTestLocationCache(t, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.MarkEndpointUnavailable(location2, model.RequestOperationRead)
	assert.True(t, c.IsEndpointUnavailable(location2, model.RequestOperationRead))
	assert.Equal(t, []string{location1, location3, location4, location2}, c.ReadEndpoints())

	now = now.Add(DefaultUnavailabilityExpiration + time.Second)
	assert.False(t, c.IsEndpointUnavailable(location2, model.RequestOperationRead))
	assert.Empty(t, c.UnavailableEndpoints())

	c.RefreshStaleEndpoints()
	assert.Equal(t, []string{location1, location2, location3, location4}, c.ReadEndpoints())
}

func TestLocationCache_ApplicableEndpointsExclusions(t *testing.T) {
	tests := []struct {
		name            string
		clientExcluded  []string
		requestExcluded []string
		op              model.RequestOperation
		expected        []string
	}{
		{
			name:     "no exclusions",
			op:       model.RequestOperationRead,
			expected: []string{location1, location2, location3, location4},
		},
		{
			name:           "client exclusions apply by default",
			clientExcluded: []string{"Location 1"},
			op:             model.RequestOperationRead,
			expected:       []string{location2, location3, location4},
		},
		{
			name:            "empty request list excludes nothing",
			clientExcluded:  []string{"Location 1"},
			requestExcluded: []string{},
			op:              model.RequestOperationRead,
			expected:        []string{location1, location2, location3, location4},
		},
		{
			name:            "request list overrides client list",
			clientExcluded:  []string{"Location 1"},
			requestExcluded: []string{"Location 2", "Location 3"},
			op:              model.RequestOperationRead,
			expected:        []string{location1, location4},
		},
		{
			name:            "everything excluded falls back to default",
			requestExcluded: []string{"Location 1", "Location 2"},
			op:              model.RequestOperationWrite,
			expected:        []string{defaultEndpoint},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestLocationCache(t, tt.clientExcluded)
			assert.Equal(t, tt.expected, c.ApplicableEndpoints(tt.op, tt.requestExcluded))
		})
	}
}

func TestLocationCache_SetExcludedRegions(t *testing.T) {
	c, _ := newTestLocationCache(t, nil)

	c.SetExcludedRegions([]string{"Location 1"})
	assert.Equal(t, []string{location2}, c.WriteEndpoints())
	assert.Equal(t, []string{location2, location3, location4}, c.ReadEndpoints())

	c.SetExcludedRegions(nil)
	assert.Equal(t, []string{location1, location2}, c.WriteEndpoints())
}

func TestLocationCache_ResolveServiceEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		singleWrite bool
		req         RouteRequest
		expected    string
	}{
		{
			name:     "read uses preferred order",
			req:      RouteRequest{OperationType: model.OperationRead, ResourceType: model.ResourceDocument},
			expected: location1,
		},
		{
			name:     "read index wraps",
			req:      RouteRequest{OperationType: model.OperationQuery, ResourceType: model.ResourceDocument, LocationIndex: 6},
			expected: location3,
		},
		{
			name:     "multi-write document write",
			req:      RouteRequest{OperationType: model.OperationUpsert, ResourceType: model.ResourceDocument, LocationIndex: 1},
			expected: location2,
		},
		{
			name:     "multi-write stored procedure execute",
			req:      RouteRequest{OperationType: model.OperationExecute, ResourceType: model.ResourceStoredProcedure, LocationIndex: 1},
			expected: location2,
		},
		{
			name:     "collection write pinned to account write order",
			req:      RouteRequest{OperationType: model.OperationCreate, ResourceType: model.ResourceCollection, LocationIndex: 2},
			expected: location1,
		},
		{
			name:     "ignore preferred locations",
			req:      RouteRequest{OperationType: model.OperationRead, ResourceType: model.ResourceDocument, IgnorePreferredLocations: true, LocationIndex: 1},
			expected: location2,
		},
		{
			name:        "single write account pins document writes",
			singleWrite: true,
			req:         RouteRequest{OperationType: model.OperationCreate, ResourceType: model.ResourceDocument, LocationIndex: 1},
			expected:    location1,
		},
		{
			name:     "request exclusions apply to reads",
			req:      RouteRequest{OperationType: model.OperationRead, ResourceType: model.ResourceDocument, ExcludedRegions: []string{"Location 1"}},
			expected: location2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestLocationCache(t, nil)
			if tt.singleWrite {
				c.Update([]model.AccountRegion{{Name: "Location 1", Endpoint: location1}}, nil, nil)
				assert.False(t, c.CanUseMultipleWriteLocations())
			}
			assert.Equal(t, tt.expected, c.ResolveServiceEndpoint(tt.req))
		})
	}
}

func TestLocationCache_ConcurrentUpdatesAndMarks(t *testing.T) {
	c, _ := newTestLocationCache(t, nil)
	write, read := testRegions()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			c.Update(write, read, []string{fmt.Sprintf("Location %d", i%4+1)})
		}(i)
		go func(i int) {
			defer wg.Done()
			c.MarkEndpointUnavailable([]string{location1, location2, location3, location4}[i%4], model.RequestOperationRead)
		}(i)
		go func() {
			defer wg.Done()
			info := c.Snapshot()
			for _, endpoint := range info.ReadEndpoints {
				assert.Contains(t, append(mapValues(info.ReadEndpointsByLocation), defaultEndpoint), endpoint)
			}
		}()
	}
	wg.Wait()

	info := c.Snapshot()
	assert.Len(t, info.ReadEndpoints, 4)
	assert.ElementsMatch(t, []string{location1, location2, location3, location4}, info.ReadEndpoints)
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
