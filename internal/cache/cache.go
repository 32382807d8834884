// Package cache implements the shared fetch cache that sits between widget
// data views and remote JSON APIs. Widgets subscribe to a URL with their own
// refresh interval; the cache deduplicates concurrent fetches, coalesces the
// subscriber intervals into one effective polling period, retries transient
// failures with exponential backoff, and keeps the last good payload around
// when a refresh fails (stale-while-revalidate).
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"resty.dev/v3"

	"dashfetch/internal/classify"
	"dashfetch/internal/ratelimit"
)

// State describes where a cache entry is in its fetch lifecycle.
type State string

const (
	// StateIdle means no fetch has been attempted yet.
	StateIdle State = "idle"
	// StateFetching means a fetch is in flight.
	StateFetching State = "fetching"
	// StateFresh means the last fetch succeeded within the staleness window.
	StateFresh State = "fresh"
	// StateStale means the last fetch succeeded but the staleness window has
	// passed.
	StateStale State = "stale"
	// StateFailed means the last fetch failed. Previously fetched data, if
	// any, is still held.
	StateFailed State = "failed"
)

const (
	defaultStalenessWindow = 5 * time.Second
	defaultEvictionGrace   = 30 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultRetryCount      = 2
	defaultRetryWait       = 1 * time.Second
	defaultRetryMaxWait    = 10 * time.Second
)

// Options tunes a Cache. The zero value picks sensible defaults.
type Options struct {
	// StalenessWindow is how long a successful fetch satisfies new
	// subscribers without refetching. It is independent of, and typically
	// shorter than, subscriber poll intervals.
	StalenessWindow time.Duration

	// EvictionGrace is how long an entry with no subscribers is kept before
	// being dropped, so a remounting widget can reuse cached data. Negative
	// evicts immediately.
	EvictionGrace time.Duration

	// RequestTimeout bounds each HTTP attempt. Expiry is classified as a
	// timeout failure.
	RequestTimeout time.Duration

	// RetryCount, RetryWait, RetryMaxWait configure the backoff for
	// transient failures. Non-transient kinds (rate limit, auth, not found)
	// are never retried. Negative RetryCount disables retries.
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration

	// Limiter, when set, throttles outbound requests per API host before
	// each fetch attempt.
	Limiter *ratelimit.Limiter

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = defaultStalenessWindow
	}
	if o.EvictionGrace == 0 {
		o.EvictionGrace = defaultEvictionGrace
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.RetryCount == 0 {
		o.RetryCount = defaultRetryCount
	} else if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryWait <= 0 {
		o.RetryWait = defaultRetryWait
	}
	if o.RetryMaxWait <= 0 {
		o.RetryMaxWait = defaultRetryMaxWait
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Snapshot is a non-blocking read of one entry's current state. RawData and
// LastError can both be set at once: consumers keep showing the last good
// value while an error indicator is up.
type Snapshot struct {
	RawData   any
	State     State
	LastError *classify.Error
	FetchedAt time.Time
}

// Handle identifies one subscription. Its Updates channel receives a
// coalesced signal whenever the entry changes state, so a consumer knows to
// re-read the snapshot.
type Handle struct {
	url     string
	id      string
	updates chan struct{}
}

// URL returns the subscribed URL.
func (h *Handle) URL() string { return h.url }

// Updates signals entry changes. The channel has a one-slot buffer and is
// never closed; signals are dropped rather than queued when the consumer
// lags.
func (h *Handle) Updates() <-chan struct{} { return h.updates }

// entry is the per-URL cache record. All fields are guarded by Cache.mu.
type entry struct {
	url         string
	state       State
	rawData     any
	fetchedAt   time.Time
	lastError   *classify.Error
	subscribers map[string]time.Duration // subscriber id -> interval, 0 = manual-only
	updateChans map[string]chan struct{}

	inflight   bool
	nextSeq    uint64
	appliedSeq uint64

	pollTimer  *time.Timer
	evictTimer *time.Timer
	waiters    []chan struct{}
}

// effectiveInterval is the shortest nonzero interval any subscriber asked
// for. ok is false when every subscriber is manual-only.
func (e *entry) effectiveInterval() (time.Duration, bool) {
	var min time.Duration
	for _, iv := range e.subscribers {
		if iv <= 0 {
			continue
		}
		if min == 0 || iv < min {
			min = iv
		}
	}
	return min, min > 0
}

// Cache is the shared fetch cache. It must be constructed with New and
// injected into every consumer; there is no package-level instance.
type Cache struct {
	client *resty.Client
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Cache. Close must be called when done.
func New(opts Options) *Cache {
	opts = opts.withDefaults()

	c := &Cache{
		opts:    opts,
		logger:  opts.Logger,
		entries: make(map[string]*entry),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.client = resty.New().
		SetHeader("Accept", "application/json").
		SetTimeout(opts.RequestTimeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryConditions(retryCondition).
		AddRetryHooks(c.retryHook)

	return c
}

// retryCondition retries only failures the classifier considers transient.
// Rate limits, auth failures, and 404s will not fix themselves, and a
// rate-limit notice embedded in a 200 body counts as a rate limit here too.
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return classify.FromTransport(err).Kind.Transient()
	}
	cerr := classifyResponse(r)
	return cerr != nil && cerr.Kind.Transient()
}

func (c *Cache) retryHook(r *resty.Response, err error) {
	if err != nil {
		c.logger.Debug("retrying fetch after error",
			"url", r.Request.URL,
			"attempt", r.Request.Attempt,
			"error", err.Error())
		return
	}
	c.logger.Debug("retrying fetch after bad response",
		"url", r.Request.URL,
		"attempt", r.Request.Attempt,
		"status_code", r.StatusCode())
}

// classifyResponse decodes the body and runs the full classification,
// including body-embedded provider errors on 2xx responses. It returns nil
// when the response carries usable data.
func classifyResponse(r *resty.Response) *classify.Error {
	var decoded any
	parseErr := json.Unmarshal(r.Bytes(), &decoded)
	return classify.Response(r.StatusCode(), r.Header(), decoded, parseErr)
}

// Close stops all timers, cancels in-flight requests, and drops every entry.
func (c *Cache) Close() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for url, e := range c.entries {
		stopTimersLocked(e)
		delete(c.entries, url)
	}
}

// Subscribe registers interest in url with the given refresh interval
// (0 = manual-only). It triggers an initial fetch unless a fresh entry or an
// in-flight fetch already covers the URL, and recomputes the effective poll
// interval.
func (c *Cache) Subscribe(url, subscriberID string, refreshInterval time.Duration) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[url]
	if e == nil {
		e = &entry{
			url:         url,
			state:       StateIdle,
			subscribers: make(map[string]time.Duration),
			updateChans: make(map[string]chan struct{}),
		}
		c.entries[url] = e
	}
	if e.evictTimer != nil {
		e.evictTimer.Stop()
		e.evictTimer = nil
	}

	e.subscribers[subscriberID] = refreshInterval
	h := &Handle{url: url, id: subscriberID, updates: make(chan struct{}, 1)}
	e.updateChans[subscriberID] = h.updates

	c.reschedulePollLocked(e)

	if !e.inflight && c.needsFetchLocked(e) {
		c.startFetchLocked(e)
	}
	return h
}

// Unsubscribe removes the subscription. When the last subscriber leaves, the
// entry is kept for the eviction grace period and then dropped; polling stops
// immediately.
func (c *Cache) Unsubscribe(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[h.url]
	if e == nil {
		return
	}
	delete(e.subscribers, h.id)
	delete(e.updateChans, h.id)

	if len(e.subscribers) > 0 {
		c.reschedulePollLocked(e)
		return
	}

	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	if c.opts.EvictionGrace < 0 {
		c.evictLocked(e)
		return
	}
	e.evictTimer = time.AfterFunc(c.opts.EvictionGrace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.entries[e.url] == e && len(e.subscribers) == 0 {
			c.evictLocked(e)
		}
	})
}

func (c *Cache) evictLocked(e *entry) {
	stopTimersLocked(e)
	delete(c.entries, e.url)
	c.logger.Debug("evicted cache entry", "url", e.url)
}

func stopTimersLocked(e *entry) {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	if e.evictTimer != nil {
		e.evictTimer.Stop()
		e.evictTimer = nil
	}
}

// GetSnapshot reads the current state of url without blocking. An unknown URL
// reads as idle with no data.
func (c *Cache) GetSnapshot(url string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[url]
	if e == nil {
		return Snapshot{State: StateIdle}
	}
	state := e.state
	if state == StateFresh && time.Since(e.fetchedAt) > c.opts.StalenessWindow {
		state = StateStale
	}
	return Snapshot{
		RawData:   e.rawData,
		State:     state,
		LastError: e.lastError,
		FetchedAt: e.fetchedAt,
	}
}

// EffectiveInterval reports the current coalesced poll interval for url. ok
// is false when the URL is unknown or all its subscribers are manual-only.
func (c *Cache) EffectiveInterval(url string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[url]
	if e == nil {
		return 0, false
	}
	return e.effectiveInterval()
}

// Refresh forces a fetch for url regardless of freshness. A refresh while a
// fetch is already in flight coalesces into that fetch.
func (c *Cache) Refresh(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[url]
	if e == nil || e.inflight {
		return
	}
	c.startFetchLocked(e)
}

// WaitSettled blocks until the entry for url has settled (fresh, stale, or
// failed) or ctx is done. Subscribers arriving during an in-flight fetch wait
// for that fetch's result instead of triggering their own.
func (c *Cache) WaitSettled(ctx context.Context, url string) error {
	c.mu.Lock()
	e := c.entries[url]
	if e == nil || (e.state != StateIdle && e.state != StateFetching) {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// needsFetchLocked reports whether a subscriber arriving now should trigger a
// fetch: nothing has been fetched yet, or the last success is outside the
// staleness window.
func (c *Cache) needsFetchLocked(e *entry) bool {
	if e.state == StateIdle || e.state == StateFailed {
		return true
	}
	return time.Since(e.fetchedAt) > c.opts.StalenessWindow
}

// reschedulePollLocked restarts the poll timer from the current effective
// interval. Manual-only entries get no timer.
func (c *Cache) reschedulePollLocked(e *entry) {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	interval, ok := e.effectiveInterval()
	if !ok {
		return
	}
	e.pollTimer = time.AfterFunc(interval, func() {
		c.pollFired(e)
	})
}

func (c *Cache) pollFired(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[e.url] != e {
		return
	}
	if _, ok := e.effectiveInterval(); !ok {
		return
	}
	if !e.inflight {
		c.startFetchLocked(e)
	}
	c.reschedulePollLocked(e)
}

// startFetchLocked begins a fetch attempt for e. Callers must hold mu and
// ensure no fetch is already in flight; the sequence number lets completion
// handling discard results that an attempt started later has already
// superseded.
func (c *Cache) startFetchLocked(e *entry) {
	e.nextSeq++
	seq := e.nextSeq
	e.inflight = true
	e.state = StateFetching
	c.notifyLocked(e)

	c.logger.Debug("starting fetch", "url", e.url, "seq", seq)
	go c.fetch(e, seq)
}

func (c *Cache) fetch(e *entry, seq uint64) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(c.ctx, e.url); err != nil {
			c.apply(e, seq, nil, classify.FromTransport(err))
			return
		}
	}

	resp, err := c.client.R().SetContext(c.ctx).Get(e.url)

	var (
		decoded any
		cerr    *classify.Error
	)
	if err != nil {
		cerr = classify.FromTransport(err)
	} else {
		parseErr := json.Unmarshal(resp.Bytes(), &decoded)
		cerr = classify.Response(resp.StatusCode(), resp.Header(), decoded, parseErr)
	}

	if cerr != nil {
		c.apply(e, seq, nil, cerr)
		return
	}
	c.apply(e, seq, decoded, nil)
}

// apply records the outcome of fetch attempt seq. Completions older than one
// already applied are discarded so rawData/fetchedAt only move forward. On
// failure the previous rawData is kept so consumers can show the last good
// value next to the error.
func (c *Cache) apply(e *entry, seq uint64, data any, cerr *classify.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq <= e.appliedSeq {
		c.logger.Debug("discarding superseded fetch result", "url", e.url, "seq", seq)
		return
	}
	e.appliedSeq = seq
	if seq == e.nextSeq {
		e.inflight = false
	}

	if cerr != nil {
		e.lastError = cerr
		e.state = StateFailed
		c.logger.Warn("fetch failed", "url", e.url, "kind", cerr.Kind, "error", cerr.Error())
	} else {
		e.rawData = data
		e.fetchedAt = time.Now()
		e.lastError = nil
		e.state = StateFresh
		c.logger.Debug("fetch succeeded", "url", e.url, "seq", seq)
	}

	for _, ch := range e.waiters {
		close(ch)
	}
	e.waiters = nil
	c.notifyLocked(e)
}

// notifyLocked signals every subscriber's update channel without blocking.
func (c *Cache) notifyLocked(e *entry) {
	for _, ch := range e.updateChans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
