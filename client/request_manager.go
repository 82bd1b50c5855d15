package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// Configuration
// =============================================================================

// RequestManagerConfig configures deduplication, backoff and sweep behavior.
type RequestManagerConfig struct {
	// MaxRetryAttempts is the retry ceiling for retryable failures.
	MaxRetryAttempts int
	// InitialBackoff is the base delay for the first retry.
	InitialBackoff time.Duration
	// MaxBackoff clamps the exponential delay.
	MaxBackoff time.Duration
	// Jitter adds randomness to the computed delay (0.0 to 1.0).
	Jitter float64
	// StalenessWindow is the maximum age of an in-flight entry before it is
	// canceled and evicted rather than joined.
	StalenessWindow time.Duration
	// AttemptTimeout bounds a single network attempt.
	AttemptTimeout time.Duration
	// InFlightSweepInterval is how often stale in-flight entries are swept.
	InFlightSweepInterval time.Duration
	// StateSweepInterval is how often idle backoff state is swept.
	StateSweepInterval time.Duration
	// StateMaxIdle is how long untouched backoff state survives.
	StateMaxIdle time.Duration
}

// DefaultRequestManagerConfig returns the defaults used by the client.
func DefaultRequestManagerConfig() RequestManagerConfig {
	return RequestManagerConfig{
		MaxRetryAttempts:      3,
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            10 * time.Second,
		Jitter:                0.2,
		StalenessWindow:       5 * time.Second,
		AttemptTimeout:        3 * time.Second,
		InFlightSweepInterval: 2 * time.Second,
		StateSweepInterval:    30 * time.Second,
		StateMaxIdle:          60 * time.Second,
	}
}

// Executor performs one authenticated network attempt. Implemented by Client.
type Executor interface {
	Execute(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error)
}

// Signature derives the deduplication key for a logical request. Two calls
// with equal method, URL and body share one underlying network call.
func Signature(method, url string, body []byte) string {
	return method + "|" + url + "|" + string(body)
}

// ErrManagerClosed is returned by Do after Close.
var ErrManagerClosed = errors.New("request manager is closed")

// =============================================================================
// Request Manager
// =============================================================================

// RequestManager wraps an Executor with deduplication by request signature,
// exponential backoff with jitter on retryable failures, and periodic sweeps
// that evict abandoned state. All registries live on the manager instance;
// construct one per process and Close it on shutdown.
type RequestManager struct {
	cfg  RequestManagerConfig
	exec Executor
	log  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightEntry
	backoff  map[string]*backoffState
	closed   bool

	done      chan struct{}
	closeOnce sync.Once

	total     int64
	deduped   int64
	retried   int64
	succeeded int64
	failed    int64
	evicted   int64
}

// inflightEntry tracks one owned network call and the waiters joined to it.
type inflightEntry struct {
	signature string
	createdAt time.Time
	cancel    context.CancelFunc

	done chan struct{}
	res  *Response
	err  error
}

// backoffState suppresses attempts for a signature until the window elapses.
type backoffState struct {
	until    time.Time
	attempts int
	lastErr  error
	touched  time.Time
}

// NewRequestManager creates a manager around exec and starts its sweeps.
// Zero-value config fields fall back to the defaults.
func NewRequestManager(cfg RequestManagerConfig, exec Executor, log zerolog.Logger) *RequestManager {
	def := DefaultRequestManagerConfig()
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = def.Jitter
	}
	if cfg.StalenessWindow == 0 {
		cfg.StalenessWindow = def.StalenessWindow
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.InFlightSweepInterval == 0 {
		cfg.InFlightSweepInterval = def.InFlightSweepInterval
	}
	if cfg.StateSweepInterval == 0 {
		cfg.StateSweepInterval = def.StateSweepInterval
	}
	if cfg.StateMaxIdle == 0 {
		cfg.StateMaxIdle = def.StateMaxIdle
	}

	m := &RequestManager{
		cfg:      cfg,
		exec:     exec,
		log:      log,
		inflight: make(map[string]*inflightEntry),
		backoff:  make(map[string]*backoffState),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Do issues the request, joining an existing in-flight call for the same
// signature when one is young enough. Every waiter for one signature settles
// with the same outcome.
func (m *RequestManager) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	sig := Signature(method, url, body)
	atomic.AddInt64(&m.total, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if e, ok := m.inflight[sig]; ok {
		if time.Since(e.createdAt) < m.cfg.StalenessWindow {
			m.mu.Unlock()
			atomic.AddInt64(&m.deduped, 1)
			return m.wait(ctx, e)
		}
		// Stale entry: cancel the underlying call and evict before
		// issuing a fresh attempt.
		e.cancel()
		delete(m.inflight, sig)
		atomic.AddInt64(&m.evicted, 1)
		m.log.Debug().Str("signature", sig).Msg("evicted stale in-flight entry")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &inflightEntry{
		signature: sig,
		createdAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.inflight[sig] = e
	m.mu.Unlock()

	m.run(runCtx, e, method, url, body, header)
	cancel()
	return m.wait(ctx, e)
}

// run owns the attempt loop for one entry and broadcasts the outcome.
func (m *RequestManager) run(ctx context.Context, e *inflightEntry, method, url string, body []byte, header http.Header) {
	var res *Response
	var err error
	defer func() { m.settle(e, res, err) }()

	for {
		// Honor an active backoff window for this signature before the
		// attempt; other signatures are unaffected.
		if wait := m.backoffWait(e.signature); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = &Error{Kind: KindCanceled, Err: ctx.Err()}
				return
			case <-timer.C:
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		resp, execErr := m.exec.Execute(attemptCtx, method, url, body, header)
		cancel()

		cerr := m.classify(resp, execErr)
		if cerr == nil {
			m.clearBackoff(e.signature)
			atomic.AddInt64(&m.succeeded, 1)
			res = resp
			return
		}
		if cerr.Kind == KindCanceled || !cerr.Retryable() || isClientStatus(cerr) {
			err = cerr
			return
		}

		attempts := m.recordFailure(e.signature, cerr)
		if attempts > m.cfg.MaxRetryAttempts {
			// Ceiling reached: reject all waiters and drop the state so
			// a later call starts clean.
			m.clearBackoff(e.signature)
			err = cerr
			return
		}
		atomic.AddInt64(&m.retried, 1)
		m.log.Debug().
			Str("signature", e.signature).
			Int("attempt", attempts).
			Str("kind", cerr.Kind.String()).
			Msg("retryable failure, backing off")
	}
}

// isClientStatus reports a 4xx other than 429. Those are never retried,
// whatever their taxonomy kind says: the request itself is wrong.
func isClientStatus(cerr *Error) bool {
	return cerr.StatusCode >= 400 && cerr.StatusCode < 500 &&
		cerr.StatusCode != http.StatusTooManyRequests
}

// classify converts an attempt outcome into a classified error, or nil on
// success.
func (m *RequestManager) classify(resp *Response, err error) *Error {
	if err != nil {
		return classifyErr(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp.StatusCode, resp.Body)
}

func (m *RequestManager) wait(ctx context.Context, e *inflightEntry) (*Response, error) {
	select {
	case <-e.done:
		return e.res, e.err
	case <-ctx.Done():
		return nil, &Error{Kind: KindCanceled, Err: ctx.Err()}
	}
}

// settle records the outcome, evicts the entry and wakes every waiter.
func (m *RequestManager) settle(e *inflightEntry, res *Response, err error) {
	m.mu.Lock()
	if cur, ok := m.inflight[e.signature]; ok && cur == e {
		delete(m.inflight, e.signature)
	}
	m.mu.Unlock()

	e.res = res
	e.err = err
	close(e.done)
	if err != nil {
		atomic.AddInt64(&m.failed, 1)
	}
}

// =============================================================================
// Backoff State
// =============================================================================

// backoffWait returns how long the caller must sleep before attempting the
// signature, or zero when no window is active.
func (m *RequestManager) backoffWait(sig string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs, ok := m.backoff[sig]
	if !ok {
		return 0
	}
	bs.touched = time.Now()
	if wait := time.Until(bs.until); wait > 0 {
		return wait
	}
	return 0
}

// recordFailure increments the signature's attempt count and schedules the
// next backoff window. Returns the new attempt count.
func (m *RequestManager) recordFailure(sig string, cerr *Error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs, ok := m.backoff[sig]
	if !ok {
		bs = &backoffState{}
		m.backoff[sig] = bs
	}
	bs.attempts++
	bs.lastErr = cerr
	bs.touched = time.Now()
	bs.until = time.Now().Add(m.backoffDelay(bs.attempts))
	return bs.attempts
}

func (m *RequestManager) clearBackoff(sig string) {
	m.mu.Lock()
	delete(m.backoff, sig)
	m.mu.Unlock()
}

// backoffDelay computes min(initial * 2^(attempt-1), max) with jitter.
func (m *RequestManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(m.cfg.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(m.cfg.MaxBackoff) {
		delay = float64(m.cfg.MaxBackoff)
	}
	if m.cfg.Jitter > 0 {
		delay += delay * m.cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// =============================================================================
// Cancellation
// =============================================================================

// CancelAll cancels every in-flight call. Intended for logout.
func (m *RequestManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.inflight {
		e.cancel()
	}
}

// CancelMatching cancels in-flight calls whose signature contains pattern.
// Intended for navigation-away from a resource.
func (m *RequestManager) CancelMatching(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	canceled := 0
	for _, e := range m.inflight {
		if strings.Contains(e.signature, pattern) {
			e.cancel()
			canceled++
		}
	}
	return canceled
}

// Close stops the sweeps and cancels all in-flight calls.
func (m *RequestManager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
		m.CancelAll()
	})
}

// =============================================================================
// Sweeps
// =============================================================================

// sweepLoop force-evicts in-flight entries past the staleness window and
// drops idle backoff state. Both are safety nets against leaks from
// abandoned callers, not part of the retry contract.
func (m *RequestManager) sweepLoop() {
	inflightTicker := time.NewTicker(m.cfg.InFlightSweepInterval)
	defer inflightTicker.Stop()
	stateTicker := time.NewTicker(m.cfg.StateSweepInterval)
	defer stateTicker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-inflightTicker.C:
			m.sweepInFlight()
		case <-stateTicker.C:
			m.sweepState()
		}
	}
}

func (m *RequestManager) sweepInFlight() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for sig, e := range m.inflight {
		if now.Sub(e.createdAt) >= m.cfg.StalenessWindow {
			e.cancel()
			delete(m.inflight, sig)
			atomic.AddInt64(&m.evicted, 1)
			m.log.Warn().Str("signature", sig).Msg("swept stale in-flight entry")
		}
	}
}

func (m *RequestManager) sweepState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for sig, bs := range m.backoff {
		if now.Sub(bs.touched) >= m.cfg.StateMaxIdle && now.After(bs.until) {
			delete(m.backoff, sig)
			m.log.Debug().Str("signature", sig).Msg("swept idle backoff state")
		}
	}
}

// =============================================================================
// Metrics
// =============================================================================

// Metrics returns a snapshot of the manager's counters.
func (m *RequestManager) Metrics() map[string]int64 {
	return map[string]int64{
		"total_requests":     atomic.LoadInt64(&m.total),
		"deduped_requests":   atomic.LoadInt64(&m.deduped),
		"retried_requests":   atomic.LoadInt64(&m.retried),
		"succeeded_requests": atomic.LoadInt64(&m.succeeded),
		"failed_requests":    atomic.LoadInt64(&m.failed),
		"evicted_entries":    atomic.LoadInt64(&m.evicted),
	}
}
