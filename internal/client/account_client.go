// Package client talks to the database account over HTTP.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/errors"
	"github.com/devrev/pairdb/partition-router/internal/model"
	"github.com/devrev/pairdb/partition-router/internal/routing"
	"github.com/devrev/pairdb/partition-router/internal/service"
)

const (
	DefaultAPIVersion = "2018-12-31"

	headerAIM         = "A-IM"
	headerIfNoneMatch = "If-None-Match"
	headerETag        = "etag"
	headerVersion     = "x-ms-version"
	headerActivityID  = "x-ms-activity-id"
	headerUserAgent   = "User-Agent"

	incrementalFeed = "Incremental feed"
	userAgent       = "pairdb-partition-router"
)

// Authorizer signs outgoing requests
type Authorizer interface {
	Authorize(req *http.Request) error
}

// TokenAuthorizer sends a fixed authorization token
type TokenAuthorizer struct {
	Token string
}

// Authorize implements Authorizer
func (a TokenAuthorizer) Authorize(req *http.Request) error {
	if a.Token == "" {
		return stderrors.New("authorization token is empty")
	}
	req.Header.Set("Authorization", a.Token)
	return nil
}

// AccountClientConfig holds account client configuration
type AccountClientConfig struct {
	// Endpoint is the account endpoint, e.g. https://myaccount.documents.example.com
	Endpoint       string
	APIVersion     string
	RequestTimeout time.Duration
	// HTTPClient is optional. Its transport is wrapped for tracing.
	HTTPClient *http.Client
	Authorizer Authorizer
	// EndpointResolver, when set, picks the endpoint partition key range
	// reads are sent to. Topology reads always use Endpoint.
	EndpointResolver func() string
}

// AccountClient reads account topology and partition key range listings
type AccountClient struct {
	config     AccountClientConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var (
	_ service.PartitionKeyRangeFetcher = (*AccountClient)(nil)
	_ service.AccountReader            = (*AccountClient)(nil)
)

// NewAccountClient creates a new account client
func NewAccountClient(cfg AccountClientConfig, logger *zap.Logger) (*AccountClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.InvalidArgument("account endpoint is required", nil)
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.InvalidArgument(fmt.Sprintf("invalid account endpoint %q", cfg.Endpoint), err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped := *httpClient
	wrapped.Transport = otelhttp.NewTransport(transport)
	if cfg.RequestTimeout > 0 {
		wrapped.Timeout = cfg.RequestTimeout
	} else if wrapped.Timeout == 0 {
		wrapped.Timeout = 30 * time.Second
	}

	return &AccountClient{
		config:     cfg,
		baseURL:    strings.TrimSuffix(cfg.Endpoint, "/"),
		httpClient: &wrapped,
		logger:     logger,
	}, nil
}

type partitionKeyRangesResponse struct {
	ResourceID         string                    `json:"_rid"`
	PartitionKeyRanges []model.PartitionKeyRange `json:"PartitionKeyRanges"`
	Count              int                       `json:"_count"`
}

// ReadPartitionKeyRanges reads the partition key ranges of a collection that
// changed since ifNoneMatch. A 304 response yields a not-modified page.
func (c *AccountClient) ReadPartitionKeyRanges(ctx context.Context, collectionRID, ifNoneMatch string) (*service.PartitionKeyRangePage, error) {
	endpoint := c.baseURL
	if c.config.EndpointResolver != nil {
		if resolved := c.config.EndpointResolver(); resolved != "" {
			endpoint = strings.TrimSuffix(resolved, "/")
		}
	}

	req, err := c.newRequest(ctx, endpoint+"/"+resourcePath(collectionRID)+"/pkranges")
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAIM, incrementalFeed)
	if ifNoneMatch != "" {
		req.Header.Set(headerIfNoneMatch, ifNoneMatch)
	}

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusNotModified:
		return &service.PartitionKeyRangePage{NotModified: true, ETag: ifNoneMatch}, nil
	case http.StatusNotFound:
		return nil, errors.NotFound("collection", collectionRID)
	case http.StatusOK:
	default:
		return nil, statusError(resp, body).WithDetail("collection_rid", collectionRID)
	}

	var listing partitionKeyRangesResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, errors.DataConversion("failed to decode partition key range listing", err).
			WithDetail("collection_rid", collectionRID)
	}

	page := &service.PartitionKeyRangePage{
		ETag:   resp.Header.Get(headerETag),
		Ranges: make([]routing.RangeWithIdentity, 0, len(listing.PartitionKeyRanges)),
	}
	for _, r := range listing.PartitionKeyRanges {
		page.Ranges = append(page.Ranges, routing.RangeWithIdentity{
			Range:    r,
			Identity: model.ServiceIdentity(endpoint),
		})
	}

	c.logger.Debug("Read partition key ranges",
		zap.String("collection_rid", collectionRID),
		zap.String("if_none_match", ifNoneMatch),
		zap.String("etag", page.ETag),
		zap.Int("ranges", len(page.Ranges)))

	return page, nil
}

// ReadAccountTopology reads the regions of the account
func (c *AccountClient) ReadAccountTopology(ctx context.Context) (*model.AccountProperties, error) {
	req, err := c.newRequest(ctx, c.baseURL+"/")
	if err != nil {
		return nil, err
	}

	resp, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body)
	}

	var props model.AccountProperties
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, errors.DataConversion("failed to decode account properties", err)
	}
	return &props, nil
}

func (c *AccountClient) newRequest(ctx context.Context, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerVersion, c.config.APIVersion)
	req.Header.Set(headerActivityID, uuid.New().String())
	req.Header.Set(headerUserAgent, userAgent)

	if c.config.Authorizer != nil {
		if err := c.config.Authorizer.Authorize(req); err != nil {
			return nil, errors.InternalError("failed to authorize request", err)
		}
	}
	return req, nil
}

func (c *AccountClient) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, nil, errors.Timeout(fmt.Sprintf("request to %s timed out", req.URL.Host), err)
		}
		return nil, nil, errors.Network(fmt.Sprintf("request to %s failed", req.URL.Host), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Network("failed to read response body", err)
	}
	return resp, body, nil
}

func statusError(resp *http.Response, body []byte) *errors.RoutingError {
	msg := fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, resp.Request.URL.Path)
	var e *errors.RoutingError
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e = errors.RateLimited(msg)
	case resp.StatusCode == http.StatusRequestTimeout:
		e = errors.Timeout(msg, nil)
	case resp.StatusCode >= 500:
		e = errors.Network(msg, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e = errors.InvalidArgument(msg, nil)
	default:
		e = errors.InternalError(msg, nil)
	}
	e.WithDetail("status", resp.StatusCode).
		WithDetail("activity_id", resp.Request.Header.Get(headerActivityID))
	if len(body) > 0 && len(body) <= 1024 {
		e.WithDetail("body", string(body))
	}
	return e
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}

// resourcePath escapes each segment of a resource link
func resourcePath(link string) string {
	segments := strings.Split(strings.Trim(link, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
