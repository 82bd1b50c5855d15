package datasync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brie-expense-tracker/client-go/client"
)

type testItem struct {
	ID     string  `json:"id"`
	Key    string  `json:"key,omitempty"`
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

func (t testItem) GetID() string { return t.ID }

// fakeAPI implements API with programmable verb handlers and call recording.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	cleared  []string
	getFn    func(path string, out any) error
	postFn   func(path string, body, out any) error
	putFn    func(path string, body, out any) error
	deleteFn func(path string) error
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeAPI) Get(_ context.Context, path string, out any, _ ...client.RequestOption) error {
	f.record("GET " + path)
	if f.getFn == nil {
		return setOut(out, []testItem{})
	}
	return f.getFn(path, out)
}

func (f *fakeAPI) Post(_ context.Context, path string, body, out any, _ ...client.RequestOption) error {
	f.record("POST " + path)
	if f.postFn == nil {
		return nil
	}
	return f.postFn(path, body, out)
}

func (f *fakeAPI) Put(_ context.Context, path string, body, out any, _ ...client.RequestOption) error {
	f.record("PUT " + path)
	if f.putFn == nil {
		return nil
	}
	return f.putFn(path, body, out)
}

func (f *fakeAPI) Delete(_ context.Context, path string, _ any, _ ...client.RequestOption) error {
	f.record("DELETE " + path)
	if f.deleteFn == nil {
		return nil
	}
	return f.deleteFn(path)
}

func (f *fakeAPI) ClearCacheByPrefix(prefix string) {
	f.mu.Lock()
	f.cleared = append(f.cleared, prefix)
	f.mu.Unlock()
}

// setOut copies v into out through a JSON round-trip, the same way the real
// client decodes responses.
func setOut(out, v any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func listFn(items ...testItem) func(path string, out any) error {
	return func(_ string, out any) error {
		return setOut(out, items)
	}
}

func newTestController(t *testing.T, api API, mutate ...func(*Config)) *Controller[testItem] {
	t.Helper()
	cfg := Config{
		Path:       "/api/bills",
		RetryDelay: 2 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewController[testItem](api, cfg)
	require.NoError(t, err)
	return c
}

// =============================================================================
// Refetch
// =============================================================================

func TestController_RefetchLoadsItems(t *testing.T) {
	api := &fakeAPI{getFn: listFn(testItem{ID: "b1", Name: "rent"})}
	c := newTestController(t, api)

	require.NoError(t, c.Refetch(context.Background(), false))

	snap := c.Snapshot()
	assert.Equal(t, StateLoaded, snap.State)
	assert.True(t, snap.HasLoadedOnce)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "b1", snap.Items[0].ID)
	assert.False(t, snap.LastRefreshedAt.IsZero())
}

func TestController_RefetchWithinTTLIsNoop(t *testing.T) {
	api := &fakeAPI{getFn: listFn(testItem{ID: "b1"})}
	c := newTestController(t, api)
	ctx := context.Background()

	require.NoError(t, c.Refetch(ctx, false))
	require.NoError(t, c.Refetch(ctx, false))

	assert.Equal(t, 1, api.callCount("GET"), "second unforced refetch within TTL must not hit the network")
}

func TestController_ForcedRefetchClearsCachePrefix(t *testing.T) {
	api := &fakeAPI{getFn: listFn()}
	c := newTestController(t, api)
	ctx := context.Background()

	require.NoError(t, c.Refetch(ctx, false))
	require.NoError(t, c.Refetch(ctx, true))

	assert.Equal(t, 2, api.callCount("GET"))
	assert.Contains(t, api.cleared, "/api/bills")
}

func TestController_RefetchReentrancyGuard(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	api := &fakeAPI{}
	api.getFn = func(_ string, out any) error {
		close(started)
		<-release
		return setOut(out, []testItem{})
	}
	c := newTestController(t, api)

	done := make(chan struct{})
	go func() {
		c.Refetch(context.Background(), false)
		close(done)
	}()
	<-started

	// Second refetch while one is in flight is a no-op.
	require.NoError(t, c.Refetch(context.Background(), true))
	assert.Equal(t, 1, api.callCount("GET"))
	close(release)
	<-done
}

func TestController_PermissionFailureIsEmptyState(t *testing.T) {
	api := &fakeAPI{}
	api.getFn = func(_ string, _ any) error {
		return &client.Error{Kind: client.KindPermission, StatusCode: http.StatusUnauthorized}
	}
	c := newTestController(t, api)

	require.NoError(t, c.Refetch(context.Background(), false), "permission failures are absorbed")

	snap := c.Snapshot()
	assert.Equal(t, StateLoaded, snap.State)
	assert.Empty(t, snap.Items)
	assert.NoError(t, snap.Err)
	assert.Error(t, snap.LastAuthErr, "suppressed failure stays observable for diagnostics")
}

func TestController_RetryableFailureRetriesThenSucceeds(t *testing.T) {
	var attempts int
	api := &fakeAPI{}
	api.getFn = func(_ string, out any) error {
		attempts++
		if attempts == 1 {
			return &client.Error{Kind: client.KindServer, StatusCode: http.StatusInternalServerError}
		}
		return setOut(out, []testItem{{ID: "b1"}})
	}
	c := newTestController(t, api)

	require.NoError(t, c.Refetch(context.Background(), false))
	assert.Equal(t, 2, attempts)

	snap := c.Snapshot()
	assert.Len(t, snap.Items, 1)
	assert.Zero(t, snap.RetryCount, "retry count resets on success")
}

func TestController_RetriesExhaustedSurfacesError(t *testing.T) {
	api := &fakeAPI{}
	api.getFn = func(_ string, _ any) error {
		return &client.Error{Kind: client.KindServer, StatusCode: http.StatusBadGateway}
	}
	c := newTestController(t, api, func(cfg *Config) { cfg.MaxRetries = 2 })

	err := c.Refetch(context.Background(), false)
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Equal(t, StateErrored, snap.State)
	assert.Empty(t, snap.Items)
	assert.Error(t, snap.Err)
	assert.Equal(t, 3, api.callCount("GET"), "initial attempt plus MaxRetries")
}

func TestController_ValidationFailureNotRetried(t *testing.T) {
	api := &fakeAPI{}
	api.getFn = func(_ string, _ any) error {
		return &client.Error{Kind: client.KindValidation, StatusCode: http.StatusUnprocessableEntity}
	}
	c := newTestController(t, api)

	require.Error(t, c.Refetch(context.Background(), false))
	assert.Equal(t, 1, api.callCount("GET"))
}

// =============================================================================
// Optimistic Mutations
// =============================================================================

func TestController_AddItemReconcilesTempID(t *testing.T) {
	api := &fakeAPI{getFn: listFn()}
	api.postFn = func(_ string, body, out any) error {
		item := body.(testItem)
		item.ID = "server-1"
		return setOut(out, item)
	}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	created, err := c.AddItem(context.Background(), testItem{Name: "water"})
	require.NoError(t, err)
	assert.Equal(t, "server-1", created.ID)

	snap := c.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "server-1", snap.Items[0].ID, "temp item replaced by server item")
}

func TestController_AddItemRollsBackOnValidation(t *testing.T) {
	api := &fakeAPI{getFn: listFn(testItem{ID: "b1"})}
	api.postFn = func(_ string, _, _ any) error {
		return &client.Error{Kind: client.KindValidation, StatusCode: http.StatusUnprocessableEntity, Message: "name required"}
	}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	_, err := c.AddItem(context.Background(), testItem{})
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Len(t, snap.Items, 1, "optimistic insert rolled back")
	assert.Zero(t, snap.QueuedOps)
}

func TestController_AddItemNetworkFailureKeepsItemAndQueues(t *testing.T) {
	api := &fakeAPI{getFn: listFn()}
	api.postFn = func(_ string, _, _ any) error {
		return &client.Error{Kind: client.KindNetwork, Err: context.DeadlineExceeded}
	}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	item, err := c.AddItem(context.Background(), testItem{Name: "gas"})
	require.NoError(t, err, "network failure is absorbed, create assumed to eventually succeed")
	assert.Equal(t, "gas", item.Name)

	snap := c.Snapshot()
	assert.Len(t, snap.Items, 1, "optimistic item kept")
	assert.Equal(t, 1, snap.QueuedOps)
}

func TestController_UpdateItemRollsBackToExactSnapshot(t *testing.T) {
	original := testItem{ID: "b1", Name: "rent", Amount: 1200}
	api := &fakeAPI{getFn: listFn(original)}
	api.putFn = func(_ string, _, _ any) error {
		return &client.Error{Kind: client.KindValidation, StatusCode: http.StatusUnprocessableEntity}
	}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	_, err := c.UpdateItem(context.Background(), "b1", map[string]any{"amount": 5})
	require.Error(t, err)

	snap := c.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, original, snap.Items[0], "item restored to exact pre-call value")
}

func TestController_UpdateItemMergesOptimistically(t *testing.T) {
	api := &fakeAPI{getFn: listFn(testItem{ID: "b1", Name: "rent", Amount: 1200})}
	api.putFn = func(_ string, _, out any) error {
		return setOut(out, testItem{ID: "b1", Name: "rent", Amount: 1300})
	}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	updated, err := c.UpdateItem(context.Background(), "b1", map[string]any{"amount": 1300})
	require.NoError(t, err)
	assert.Equal(t, 1300.0, updated.Amount)
	assert.Equal(t, "rent", updated.Name, "unchanged fields preserved")
}

func TestController_UpdateItemUnknownIDFailsFast(t *testing.T) {
	api := &fakeAPI{getFn: listFn()}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	_, err := c.UpdateItem(context.Background(), "missing", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.Zero(t, api.callCount("PUT"), "no remote call for unknown id")
}

func TestController_UpdateItemMatchesAlternateID(t *testing.T) {
	api := &fakeAPI{getFn: listFn(testItem{ID: "b1", Key: "alt-9"})}
	api.putFn = func(_ string, _, out any) error {
		return setOut(out, testItem{ID: "b1", Key: "alt-9", Amount: 7})
	}
	cfg := Config{Path: "/api/bills", RetryDelay: 2 * time.Millisecond}
	c, err := NewController[testItem](api, cfg, WithAltID[testItem](func(i testItem) string { return i.Key }))
	require.NoError(t, err)
	require.NoError(t, c.Refetch(context.Background(), false))

	_, err = c.UpdateItem(context.Background(), "alt-9", map[string]any{"amount": 7})
	require.NoError(t, err)
}

func TestController_DeleteItemOptimisticRemoval(t *testing.T) {
	api := &fakeAPI{getFn: listFn(testItem{ID: "b1"}, testItem{ID: "b2"})}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	require.NoError(t, c.DeleteItem(context.Background(), "b1"))
	snap := c.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "b2", snap.Items[0].ID)
}

func TestController_DeleteItemNetworkFailureStaysVisibleAndReplays(t *testing.T) {
	var deleteAttempts int
	api := &fakeAPI{getFn: listFn(testItem{ID: "abc"})}
	api.deleteFn = func(_ string) error {
		deleteAttempts++
		if deleteAttempts == 1 {
			return &client.Error{Kind: client.KindNetwork, Err: context.DeadlineExceeded}
		}
		return nil
	}
	c := newTestController(t, api)
	ctx := context.Background()
	require.NoError(t, c.Refetch(ctx, false))

	require.NoError(t, c.DeleteItem(ctx, "abc"), "network-failed delete is queued, not surfaced")
	snap := c.Snapshot()
	assert.Len(t, snap.Items, 1, "item remains visible")
	assert.Equal(t, 1, snap.QueuedOps)

	// The queued delete replays automatically on the next successful
	// refetch.
	require.NoError(t, c.Refetch(ctx, true))
	assert.Equal(t, 2, deleteAttempts)
	assert.Zero(t, c.Snapshot().QueuedOps)
}

// =============================================================================
// Pagination
// =============================================================================

// paginatedGet serves page N of a canned page set for paths shaped like
// /api/bills?page=N&limit=M.
func paginatedGet(pages map[int][]testItem, totalPages int) func(path string, out any) error {
	return func(path string, out any) error {
		page := 1
		if u, err := url.Parse(path); err == nil {
			if p := u.Query().Get("page"); p != "" {
				page, _ = strconv.Atoi(p)
			}
		}
		return setOut(out, pageResponse[testItem]{
			Items:      pages[page],
			Page:       page,
			TotalPages: totalPages,
			TotalItems: totalPages * len(pages[1]),
		})
	}
}

func TestController_LoadMoreAppendsNextPage(t *testing.T) {
	api := &fakeAPI{}
	api.getFn = paginatedGet(map[int][]testItem{
		1: {{ID: "b1"}, {ID: "b2"}},
		2: {{ID: "b3"}},
	}, 2)
	c := newTestController(t, api, func(cfg *Config) {
		cfg.Paginated = true
		cfg.PageSize = 2
	})
	ctx := context.Background()

	require.NoError(t, c.Refetch(ctx, false))
	snap := c.Snapshot()
	assert.Len(t, snap.Items, 2)
	assert.True(t, snap.Pagination.HasMore)

	require.NoError(t, c.LoadMore(ctx))
	snap = c.Snapshot()
	assert.Len(t, snap.Items, 3)
	assert.False(t, snap.Pagination.HasMore)
	assert.Equal(t, 2, snap.Pagination.Page)

	// No further pages: no-op.
	require.NoError(t, c.LoadMore(ctx))
	assert.Equal(t, 2, api.callCount("GET"))
}

func TestController_LoadMoreNoopForFlatShape(t *testing.T) {
	api := &fakeAPI{getFn: listFn(testItem{ID: "b1"})}
	c := newTestController(t, api)
	require.NoError(t, c.Refetch(context.Background(), false))

	require.NoError(t, c.LoadMore(context.Background()))
	assert.Equal(t, 1, api.callCount("GET"))
}

// =============================================================================
// Focus Refresh
// =============================================================================

func TestController_OnFocusFreshCacheIsNoop(t *testing.T) {
	api := &fakeAPI{getFn: listFn()}
	c := newTestController(t, api)
	ctx := context.Background()

	require.NoError(t, c.Refetch(ctx, false))
	require.NoError(t, c.OnFocus(ctx))
	assert.Equal(t, 1, api.callCount("GET"), "fresh cache: focus does not refetch")
}

func TestController_OnFocusDebouncesBursts(t *testing.T) {
	api := &fakeAPI{getFn: listFn()}
	c := newTestController(t, api, func(cfg *Config) {
		cfg.CacheTTL = time.Nanosecond // always stale
		cfg.FocusMinInterval = time.Hour
	})
	ctx := context.Background()

	require.NoError(t, c.OnFocus(ctx))
	require.NoError(t, c.OnFocus(ctx))
	require.NoError(t, c.OnFocus(ctx))
	assert.Equal(t, 1, api.callCount("GET"), "burst of focus events coalesced")
}
