package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
)

const pkRangesBody = `{
  "_rid": "coll1",
  "PartitionKeyRanges": [
    {"id": "1", "minInclusive": "", "maxExclusive": "80", "parents": ["0"]},
    {"id": "2", "minInclusive": "80", "maxExclusive": "FF", "parents": ["0"]}
  ],
  "_count": 2
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*AccountClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewAccountClient(AccountClientConfig{
		Endpoint:       srv.URL,
		RequestTimeout: time.Second,
		Authorizer:     TokenAuthorizer{Token: "type=master&sig=abc"},
	}, zap.NewNop())
	require.NoError(t, err)
	return c, srv
}

func TestNewAccountClientValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "/relative"} {
		_, err := NewAccountClient(AccountClientConfig{Endpoint: endpoint}, nil)
		assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err), endpoint)
	}
}

func TestReadPartitionKeyRanges(t *testing.T) {
	var seen http.Header
	var path string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		path = r.URL.EscapedPath()
		w.Header().Set("etag", "\"42\"")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(pkRangesBody))
	})

	page, err := c.ReadPartitionKeyRanges(context.Background(), "dbs/db1/colls/orders", "\"41\"")
	require.NoError(t, err)

	assert.Equal(t, "/dbs/db1/colls/orders/pkranges", path)
	assert.Equal(t, "Incremental feed", seen.Get("A-IM"))
	assert.Equal(t, "\"41\"", seen.Get("If-None-Match"))
	assert.Equal(t, DefaultAPIVersion, seen.Get("x-ms-version"))
	assert.NotEmpty(t, seen.Get("x-ms-activity-id"))
	assert.Equal(t, "type=master&sig=abc", seen.Get("Authorization"))

	assert.False(t, page.NotModified)
	assert.Equal(t, "\"42\"", page.ETag)
	require.Len(t, page.Ranges, 2)
	assert.Equal(t, "1", page.Ranges[0].Range.ID)
	assert.Equal(t, []string{"0"}, page.Ranges[0].Range.Parents)
	assert.Equal(t, model.ServiceIdentity(srv.URL), page.Ranges[1].Identity)
}

func TestReadPartitionKeyRangesOmitsEmptyIfNoneMatch(t *testing.T) {
	var hasHeader atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header["If-None-Match"]
		hasHeader.Store(ok)
		_, _ = w.Write([]byte(pkRangesBody))
	})

	_, err := c.ReadPartitionKeyRanges(context.Background(), "coll1", "")
	require.NoError(t, err)
	assert.False(t, hasHeader.Load())
}

func TestReadPartitionKeyRangesStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   errors.ErrorCode
	}{
		{"not found", http.StatusNotFound, "", errors.ErrCodeNotFound},
		{"throttled", http.StatusTooManyRequests, "", errors.ErrCodeRateLimited},
		{"server error", http.StatusServiceUnavailable, "busy", errors.ErrCodeNetwork},
		{"request timeout", http.StatusRequestTimeout, "", errors.ErrCodeTimeout},
		{"forbidden", http.StatusForbidden, "", errors.ErrCodeInvalidArgument},
		{"malformed body", http.StatusOK, "{not json", errors.ErrCodeDataConversion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			page, err := c.ReadPartitionKeyRanges(context.Background(), "coll1", "")
			assert.Nil(t, page)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestReadPartitionKeyRangesNotModified(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})

	page, err := c.ReadPartitionKeyRanges(context.Background(), "coll1", "\"7\"")
	require.NoError(t, err)
	assert.True(t, page.NotModified)
	assert.Equal(t, "\"7\"", page.ETag)
	assert.Empty(t, page.Ranges)
}

func TestReadPartitionKeyRangesTransportErrors(t *testing.T) {
	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := c.ReadPartitionKeyRanges(ctx, "coll1", "")
		assert.True(t, errors.IsTimeout(err), "got %v", err)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		endpoint := srv.URL
		srv.Close()

		c, err := NewAccountClient(AccountClientConfig{Endpoint: endpoint, RequestTimeout: time.Second}, nil)
		require.NoError(t, err)

		_, err = c.ReadPartitionKeyRanges(context.Background(), "coll1", "")
		assert.Equal(t, errors.ErrCodeNetwork, errors.GetCode(err))
	})
}

func TestEndpointResolverRedirectsRangeReads(t *testing.T) {
	var hits atomic.Int32
	regional := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(pkRangesBody))
	}))
	defer regional.Close()

	c, err := NewAccountClient(AccountClientConfig{
		Endpoint:         "https://global.documents.example.com",
		EndpointResolver: func() string { return regional.URL + "/" },
	}, nil)
	require.NoError(t, err)

	page, err := c.ReadPartitionKeyRanges(context.Background(), "coll1", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, model.ServiceIdentity(regional.URL), page.Ranges[0].Identity)
}

func TestReadAccountTopology(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		_, _ = w.Write([]byte(`{
		  "id": "myaccount",
		  "writableLocations": [{"name": "West US", "databaseAccountEndpoint": "https://myaccount-westus.documents.example.com"}],
		  "readableLocations": [
		    {"name": "West US", "databaseAccountEndpoint": "https://myaccount-westus.documents.example.com"},
		    {"name": "East US", "databaseAccountEndpoint": "https://myaccount-eastus.documents.example.com"}
		  ],
		  "enableMultipleWriteLocations": false
		}`))
	})

	props, err := c.ReadAccountTopology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "myaccount", props.ID)
	require.Len(t, props.ReadableLocations, 2)
	assert.Equal(t, "East US", props.ReadableLocations[1].Name)
	assert.Equal(t, "https://myaccount-westus.documents.example.com", props.WritableLocations[0].Endpoint)
	assert.False(t, props.EnableMultipleWriteLocations)
}

func TestReadAccountTopologyError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.ReadAccountTopology(context.Background())
	assert.Equal(t, errors.ErrCodeNetwork, errors.GetCode(err))
}

func TestResourcePath(t *testing.T) {
	assert.Equal(t, "dbs/db%201/colls/c", resourcePath("/dbs/db 1/colls/c/"))
	assert.Equal(t, "abc", resourcePath("abc"))
}
