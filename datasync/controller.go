// Package datasync provides per-collection data controllers on top of the
// client package: cached reads with TTL, optimistic create/update/delete,
// pagination, focus-triggered refresh, and an offline replay queue.
//
// One Controller instance owns one list-like resource (bills, budgets,
// goals). All state is owned by the controller and mutated only through its
// action methods.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/brie-expense-tracker/client-go/client"
)

// Item is a collection element addressable by id.
type Item interface {
	GetID() string
}

// API is the client surface the controller consumes. *client.Client
// satisfies it.
type API interface {
	Get(ctx context.Context, path string, out any, opts ...client.RequestOption) error
	Post(ctx context.Context, path string, body, out any, opts ...client.RequestOption) error
	Put(ctx context.Context, path string, body, out any, opts ...client.RequestOption) error
	Delete(ctx context.Context, path string, out any, opts ...client.RequestOption) error
	ClearCacheByPrefix(prefix string)
}

// ErrItemNotFound is returned by update/delete for an unknown id.
var ErrItemNotFound = errors.New("item not found in collection")

// State is the collection lifecycle. A loaded collection re-enters loading
// on a forced refetch but never reverts to idle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoadingMore
	StateLoaded
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoadingMore:
		return "loading_more"
	case StateLoaded:
		return "loaded"
	case StateErrored:
		return "errored"
	default:
		return "idle"
	}
}

// Pagination tracks the paginated collection shape.
type Pagination struct {
	Page       int
	TotalPages int
	TotalItems int
	HasMore    bool
}

// Config configures a controller.
type Config struct {
	// Path is the collection resource path, e.g. /api/bills.
	Path string
	// CacheTTL is how long a successful fetch satisfies unforced refetches.
	// Zero uses 5 minutes.
	CacheTTL time.Duration
	// MaxRetries bounds the controller's own retry loop on retryable fetch
	// failures. Zero uses 3.
	MaxRetries int
	// RetryDelay is the wait between controller retries. Zero uses 1s.
	RetryDelay time.Duration
	// FocusMinInterval is the minimum interval between focus-triggered
	// forced refetches. Zero uses 2s.
	FocusMinInterval time.Duration
	// Paginated selects the paginated list shape.
	Paginated bool
	// PageSize is the page size for the paginated shape. Zero uses 20.
	PageSize int
	// Store persists the offline queue. Nil uses an in-memory store.
	Store QueueStore
	// Logger receives replay and retry events.
	Logger zerolog.Logger
}

// Option adjusts a controller at construction.
type Option[T Item] func(*Controller[T])

// WithAltID registers an alternate identifier extractor, for backing stores
// whose items are addressed by a key other than the primary id.
func WithAltID[T Item](fn func(T) string) Option[T] {
	return func(c *Controller[T]) { c.altID = fn }
}

// entry tags each held item as confirmed or pending. Optimistic inserts stay
// pending until the server item replaces them by temp id; reconciliation is
// a whole-entry replace, never a field patch.
type entry[T Item] struct {
	item    T
	pending bool
	tempID  string
}

// Controller owns the state of one collection resource.
type Controller[T Item] struct {
	api   API
	cfg   Config
	log   zerolog.Logger
	altID func(T) string
	focus *rate.Limiter

	mu              sync.Mutex
	entries         []entry[T]
	loading         bool
	loadingMore     bool
	hasLoadedOnce   bool
	err             error
	lastAuthErr     error
	lastRefreshedAt time.Time
	cacheExpiresAt  time.Time
	retryCount      int
	pg              Pagination
	queue           []QueuedOp
}

// NewController creates a controller for the collection at cfg.Path and
// reloads any persisted offline queue.
func NewController[T Item](api API, cfg Config, opts ...Option[T]) (*Controller[T], error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("Path is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.FocusMinInterval == 0 {
		cfg.FocusMinInterval = 2 * time.Second
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 20
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryQueueStore()
	}

	c := &Controller[T]{
		api:   api,
		cfg:   cfg,
		log:   cfg.Logger,
		focus: rate.NewLimiter(rate.Every(cfg.FocusMinInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	queue, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	c.queue = queue
	return c, nil
}

// Snapshot is a copy of the collection state at one instant.
type Snapshot[T Item] struct {
	Items           []T
	State           State
	HasLoadedOnce   bool
	Err             error
	LastAuthErr     error
	LastRefreshedAt time.Time
	RetryCount      int
	Pagination      Pagination
	QueuedOps       int
}

// Snapshot returns the current collection state by value.
func (c *Controller[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]T, len(c.entries))
	for i, e := range c.entries {
		items[i] = e.item
	}
	return Snapshot[T]{
		Items:           items,
		State:           c.stateLocked(),
		HasLoadedOnce:   c.hasLoadedOnce,
		Err:             c.err,
		LastAuthErr:     c.lastAuthErr,
		LastRefreshedAt: c.lastRefreshedAt,
		RetryCount:      c.retryCount,
		Pagination:      c.pg,
		QueuedOps:       len(c.queue),
	}
}

func (c *Controller[T]) stateLocked() State {
	switch {
	case c.loadingMore:
		return StateLoadingMore
	case c.loading:
		return StateLoading
	case c.err != nil:
		return StateErrored
	case c.hasLoadedOnce:
		return StateLoaded
	default:
		return StateIdle
	}
}

// Refetch performs the remote read. It is a no-op while a fetch is already
// in flight, and a no-op when force is false and the collection's TTL has
// not elapsed. On success it replaces the item list and replays the offline
// queue; permission-class failures yield an empty collection with no error.
func (c *Controller[T]) Refetch(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.loading || c.loadingMore {
		c.mu.Unlock()
		return nil
	}
	if !force && c.hasLoadedOnce && time.Now().Before(c.cacheExpiresAt) {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	c.err = nil
	c.mu.Unlock()

	if force {
		// Drop cached responses so the read is a true network round-trip.
		c.api.ClearCacheByPrefix(c.cfg.Path)
	}
	return c.fetch(ctx)
}

// fetch runs the read with the controller's retry loop and settles state.
func (c *Controller[T]) fetch(ctx context.Context) error {
	attempt := 0
	for {
		items, pg, err := c.fetchPage(ctx, 1)
		if err == nil {
			c.settleSuccess(items, pg)
			c.replayQueue(ctx)
			return nil
		}

		kind := client.ErrorKind(err)
		if kind == client.KindPermission {
			// An unauthenticated read is an expected transient state
			// during session bootstrap: empty collection, no error.
			c.mu.Lock()
			c.entries = nil
			c.loading = false
			c.hasLoadedOnce = true
			c.err = nil
			c.lastAuthErr = err
			c.mu.Unlock()
			c.log.Debug().Str("path", c.cfg.Path).Err(err).Msg("suppressed permission failure as empty state")
			return nil
		}
		if kind != client.KindCanceled && client.IsRetryable(err) && attempt < c.cfg.MaxRetries {
			attempt++
			c.mu.Lock()
			c.retryCount = attempt
			c.mu.Unlock()
			c.log.Debug().
				Str("path", c.cfg.Path).
				Int("attempt", attempt).
				Err(err).
				Msg("fetch failed, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.RetryDelay):
				continue
			}
		}

		c.mu.Lock()
		c.entries = nil
		c.loading = false
		c.hasLoadedOnce = true
		c.err = err
		c.mu.Unlock()
		return err
	}
}

func (c *Controller[T]) settleSuccess(items []T, pg Pagination) {
	entries := make([]entry[T], len(items))
	for i, item := range items {
		entries[i] = entry[T]{item: item}
	}
	now := time.Now()

	c.mu.Lock()
	c.entries = entries
	c.pg = pg
	c.loading = false
	c.hasLoadedOnce = true
	c.err = nil
	c.lastAuthErr = nil
	c.retryCount = 0
	c.lastRefreshedAt = now
	c.cacheExpiresAt = now.Add(c.cfg.CacheTTL)
	c.mu.Unlock()
}

// OnFocus refetches when the collection is stale. Bursts of focus events are
// coalesced: at most one forced refetch per FocusMinInterval.
func (c *Controller[T]) OnFocus(ctx context.Context) error {
	c.mu.Lock()
	stale := !c.hasLoadedOnce || time.Now().After(c.cacheExpiresAt)
	c.mu.Unlock()
	if !stale {
		return nil
	}
	if !c.focus.Allow() {
		c.log.Debug().Str("path", c.cfg.Path).Msg("focus refetch coalesced")
		return nil
	}
	return c.Refetch(ctx, true)
}

// indexOfLocked finds an item by primary id, temp id, or the alternate
// identifier when configured. Caller holds the mutex.
func (c *Controller[T]) indexOfLocked(id string) int {
	for i, e := range c.entries {
		if e.item.GetID() == id || (e.pending && e.tempID == id) {
			return i
		}
		if c.altID != nil && c.altID(e.item) == id {
			return i
		}
	}
	return -1
}

func (c *Controller[T]) itemPath(id string) string {
	return c.cfg.Path + "/" + id
}
