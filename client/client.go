// Package client implements the HTTP core for the brie API: an authenticated
// client with transparent credential refresh, request deduplication with
// exponential backoff, admission control for bulk work, and a response cache
// with TTL and prefix invalidation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 8 << 20

// Response is the envelope returned for every request.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://api.brie.app.
	BaseURL string
	// Tokens resolves the current identity. Nil means unauthenticated.
	Tokens TokenSource
	// HTTPClient is the underlying transport. Nil uses a 30s-timeout default.
	HTTPClient *http.Client
	// CacheTTL is the response cache TTL. Zero uses DefaultCacheTTL.
	CacheTTL time.Duration
	// MaxConcurrent bounds concurrently running requests. Zero uses 4.
	MaxConcurrent int
	// RequestManager overrides dedup/backoff behavior. Zero uses defaults.
	RequestManager RequestManagerConfig
	// Logger receives debug/warn events. Zero value logs nothing useful;
	// pass zerolog.Nop() to silence explicitly.
	Logger zerolog.Logger
}

// Client is the brie API service: per-resource verb wrappers over the
// request manager, plus the response cache consumed by data controllers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	manager    *RequestManager
	queue      *RequestQueueManager
	cache      *ResponseCache
	log        zerolog.Logger
}

// New creates a client and its request manager.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		cache:      NewResponseCache(cfg.CacheTTL),
		queue:      NewRequestQueueManager(cfg.MaxConcurrent),
		log:        cfg.Logger,
	}
	c.manager = NewRequestManager(cfg.RequestManager, c, cfg.Logger)
	return c, nil
}

// Close shuts down the request manager and stops admitting new work.
func (c *Client) Close() {
	c.queue.Close()
	c.manager.Close()
}

// Manager exposes the request manager for cancellation and metrics.
func (c *Client) Manager() *RequestManager {
	return c.manager
}

// Queue exposes the admission-control queue for bulk callers that want to
// Acquire slots directly.
func (c *Client) Queue() *RequestQueueManager {
	return c.queue
}

// =============================================================================
// Verbs
// =============================================================================

// RequestOption adjusts a single call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	noCache  bool
	header   http.Header
	priority Priority
}

// NoCache bypasses the response cache for a GET.
func NoCache() RequestOption {
	return func(o *requestOptions) { o.noCache = true }
}

// WithPriority sets the admission priority for the call. User-facing reads
// should run high, bulk background work low.
func WithPriority(pri Priority) RequestOption {
	return func(o *requestOptions) { o.priority = pri }
}

// WithHeader adds a header to the call. Caller headers override the default
// auth headers on key collision.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = http.Header{}
		}
		o.header.Set(key, value)
	}
}

// Get performs a GET, consulting the response cache first. A successful
// response populates the cache under the request path.
func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	o := applyOptions(opts)
	if !o.noCache {
		if payload, ok := c.cache.Get(path); ok {
			if out == nil {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
	}

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+path, nil, o)
	if err != nil {
		return err
	}
	c.cache.Set(path, resp.Body)
	return decode(resp, out)
}

// Post performs a POST with a JSON body and invalidates cached reads under
// the resource prefix.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.mutate(ctx, http.MethodPost, path, body, out, opts)
}

// Put performs a PUT with a JSON body and invalidates cached reads under the
// resource prefix.
func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.mutate(ctx, http.MethodPut, path, body, out, opts)
}

// Delete performs a DELETE and invalidates cached reads under the resource
// prefix.
func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.mutate(ctx, http.MethodDelete, path, nil, out, opts)
}

// ClearCacheByPrefix drops cached responses whose path starts with prefix.
// Data controllers call this before a forced refetch to guarantee a real
// network round-trip.
func (c *Client) ClearCacheByPrefix(prefix string) {
	c.cache.ClearPrefix(prefix)
}

func (c *Client) mutate(ctx context.Context, method, path string, body, out any, opts []RequestOption) error {
	o := applyOptions(opts)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	resp, err := c.do(ctx, method, c.baseURL+path, payload, o)
	if err != nil {
		return err
	}
	c.invalidateFor(path)
	return decode(resp, out)
}

// do runs one logical request through admission control and the request
// manager. Cache hits never reach this point, so slots are only held for
// real network work.
func (c *Client) do(ctx context.Context, method, url string, body []byte, o requestOptions) (*Response, error) {
	var resp *Response
	err := c.queue.Run(ctx, o.priority, func(ctx context.Context) error {
		var err error
		resp, err = c.manager.Do(ctx, method, url, body, o.header)
		return err
	})
	return resp, err
}

// invalidateFor clears cached reads for the mutated resource: the path
// itself plus its collection when the path addresses a single item.
func (c *Client) invalidateFor(path string) {
	p := strings.TrimSuffix(path, "/")
	c.cache.ClearPrefix(p)
	if i := strings.LastIndex(p, "/"); i > 0 {
		c.cache.ClearPrefix(p[:i])
	}
}

func applyOptions(opts []RequestOption) requestOptions {
	o := requestOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func decode(resp *Response, out any) error {
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// =============================================================================
// Executor
// =============================================================================

// Execute performs one authenticated attempt. It implements Executor for the
// request manager; retries and classification live there, credential refresh
// lives in authorizedDo.
func (c *Client) Execute(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	build := func() (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for key, values := range header {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}
		return req, nil
	}

	resp, err := c.authorizedDo(ctx, build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Body:       payload,
		Headers:    resp.Header,
	}, nil
}
