package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashfetch/internal/classify"
)

// testOptions keeps retries and timers fast enough for unit tests.
func testOptions() Options {
	return Options{
		StalenessWindow: time.Minute,
		EvictionGrace:   -1,
		RequestTimeout:  2 * time.Second,
		RetryCount:      2,
		RetryWait:       5 * time.Millisecond,
		RetryMaxWait:    20 * time.Millisecond,
	}
}

// countingServer returns an httptest server that serves body with status and
// counts requests.
func countingServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func settle(t *testing.T, c *Cache, url string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitSettled(ctx, url))
}

func TestSubscribe_FetchesAndCaches(t *testing.T) {
	srv, hits := countingServer(t, 200, `{"price": 42}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	snap := c.GetSnapshot(srv.URL)
	assert.Equal(t, StateFresh, snap.State)
	assert.Nil(t, snap.LastError)
	assert.False(t, snap.FetchedAt.IsZero())
	require.NotNil(t, snap.RawData)
	assert.Equal(t, 42.0, snap.RawData.(map[string]any)["price"])
	assert.EqualValues(t, 1, hits.Load())
}

func TestSubscribe_NearSimultaneousSubscribersShareOneFetch(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(`{"ok": true}`))
	}))
	t.Cleanup(srv.Close)

	c := New(testOptions())
	defer c.Close()

	// Second subscriber arrives while the first fetch is still in flight.
	c.Subscribe(srv.URL, "w1", 0)
	c.Subscribe(srv.URL, "w2", 0)
	close(release)
	settle(t, c, srv.URL)

	assert.EqualValues(t, 1, hits.Load(), "in-flight fetch must be shared, not duplicated")
	assert.Equal(t, StateFresh, c.GetSnapshot(srv.URL).State)
}

func TestSubscribe_FreshEntrySkipsFetch(t *testing.T) {
	srv, hits := countingServer(t, 200, `{"ok": true}`)
	c := New(testOptions()) // staleness window one minute
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)
	c.Subscribe(srv.URL, "w2", 0)
	settle(t, c, srv.URL)

	assert.EqualValues(t, 1, hits.Load(), "a fresh entry satisfies late subscribers")
}

func TestEffectiveInterval(t *testing.T) {
	srv, _ := countingServer(t, 200, `{}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "slow", 30*time.Second)
	h10 := c.Subscribe(srv.URL, "fast", 10*time.Second)

	iv, ok := c.EffectiveInterval(srv.URL)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, iv, "shortest nonzero interval wins")

	c.Unsubscribe(h10)
	iv, ok = c.EffectiveInterval(srv.URL)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, iv, "interval recomputed when a subscriber leaves")
}

func TestEffectiveInterval_ManualOnly(t *testing.T) {
	srv, _ := countingServer(t, 200, `{}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "manual", 0)

	_, ok := c.EffectiveInterval(srv.URL)
	assert.False(t, ok, "manual-only subscribers yield no poll interval")
}

func TestPolling_RefetchesAtEffectiveInterval(t *testing.T) {
	srv, hits := countingServer(t, 200, `{"n": 1}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 30*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, hits.Load(), int64(3), "periodic polling should keep fetching")
}

func TestManualOnly_NoPolling(t *testing.T) {
	srv, hits := countingServer(t, 200, `{}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)
	time.Sleep(100 * time.Millisecond)

	assert.EqualValues(t, 1, hits.Load(), "manual-only entries fetch once, then only via Refresh")
}

func TestRefresh_ForcesFetchAndCoalesces(t *testing.T) {
	srv, hits := countingServer(t, 200, `{"ok": true}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	c.Refresh(srv.URL)
	settle(t, c, srv.URL)
	assert.EqualValues(t, 2, hits.Load(), "refresh fetches even when fresh")
}

func TestStaleWhileRevalidate_KeepsDataNextToError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if fail.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"price": 10}`))
	}))
	t.Cleanup(srv.Close)

	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	fail.Store(true)
	c.Refresh(srv.URL)
	settle(t, c, srv.URL)

	snap := c.GetSnapshot(srv.URL)
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, classify.KindRateLimit, snap.LastError.Kind)
	require.NotNil(t, snap.RawData, "last good data survives a failed refresh")
	assert.Equal(t, 10.0, snap.RawData.(map[string]any)["price"])
}

func TestRetry_TransientFailureRetried(t *testing.T) {
	srv, hits := countingServer(t, 500, `{}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	snap := c.GetSnapshot(srv.URL)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, classify.KindServer, snap.LastError.Kind)
	assert.EqualValues(t, 3, hits.Load(), "two extra attempts for transient failures")
}

func TestRetry_RateLimitNotRetried(t *testing.T) {
	srv, hits := countingServer(t, 200, `{"Note": "API rate limit exceeded, please retry in 25 seconds"}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	snap := c.GetSnapshot(srv.URL)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, classify.KindRateLimit, snap.LastError.Kind,
		"a 200 body with a rate-limit notice is a failure, not data")
	assert.Equal(t, 25, snap.LastError.RetryAfterSec)
	assert.Nil(t, snap.RawData)
	assert.EqualValues(t, 1, hits.Load(), "rate limits are never retried")
}

func TestRetry_NotFoundNotRetried(t *testing.T) {
	srv, hits := countingServer(t, 404, `{}`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	assert.Equal(t, classify.KindNotFound, c.GetSnapshot(srv.URL).LastError.Kind)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetch_NonJSONBodyIsInvalidData(t *testing.T) {
	srv, hits := countingServer(t, 200, `<html>not json</html>`)
	c := New(testOptions())
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	snap := c.GetSnapshot(srv.URL)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, classify.KindInvalidData, snap.LastError.Kind)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetch_TimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.RequestTimeout = 30 * time.Millisecond
	opts.RetryCount = -1
	c := New(opts)
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	snap := c.GetSnapshot(srv.URL)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, classify.KindTimeout, snap.LastError.Kind)
}

func TestEviction_ImmediateWhenGraceNegative(t *testing.T) {
	srv, _ := countingServer(t, 200, `{"ok": true}`)
	c := New(testOptions()) // EvictionGrace -1
	defer c.Close()

	h := c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)
	c.Unsubscribe(h)

	snap := c.GetSnapshot(srv.URL)
	assert.Equal(t, StateIdle, snap.State, "entry dropped when last subscriber leaves")
	assert.Nil(t, snap.RawData)
}

func TestEviction_ResubscribeWithinGraceReusesEntry(t *testing.T) {
	srv, hits := countingServer(t, 200, `{"ok": true}`)
	opts := testOptions()
	opts.EvictionGrace = 200 * time.Millisecond
	c := New(opts)
	defer c.Close()

	h := c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)
	c.Unsubscribe(h)
	c.Subscribe(srv.URL, "w1", 0)

	assert.EqualValues(t, 1, hits.Load(), "cached data reused inside the grace window")
	assert.Equal(t, StateFresh, c.GetSnapshot(srv.URL).State)
}

func TestEviction_AfterGraceExpires(t *testing.T) {
	srv, _ := countingServer(t, 200, `{"ok": true}`)
	opts := testOptions()
	opts.EvictionGrace = 20 * time.Millisecond
	c := New(opts)
	defer c.Close()

	h := c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)
	c.Unsubscribe(h)

	assert.Eventually(t, func() bool {
		return c.GetSnapshot(srv.URL).State == StateIdle
	}, time.Second, 10*time.Millisecond, "entry evicted after the grace period")
}

func TestApply_SupersededCompletionDiscarded(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	e := &entry{
		url:         "http://example.test/data",
		state:       StateFetching,
		subscribers: map[string]time.Duration{"w1": 0},
		updateChans: map[string]chan struct{}{},
		nextSeq:     2,
		inflight:    true,
	}
	c.mu.Lock()
	c.entries[e.url] = e
	c.mu.Unlock()

	c.apply(e, 2, map[string]any{"v": "newer"}, nil)
	c.apply(e, 1, map[string]any{"v": "older"}, nil)

	snap := c.GetSnapshot(e.url)
	assert.Equal(t, "newer", snap.RawData.(map[string]any)["v"],
		"a slower, earlier-started attempt must not overwrite a newer result")
}

func TestSnapshot_StaleDerivedFromWindow(t *testing.T) {
	srv, _ := countingServer(t, 200, `{"ok": true}`)
	opts := testOptions()
	opts.StalenessWindow = 20 * time.Millisecond
	c := New(opts)
	defer c.Close()

	c.Subscribe(srv.URL, "w1", 0)
	settle(t, c, srv.URL)

	require.Equal(t, StateFresh, c.GetSnapshot(srv.URL).State)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateStale, c.GetSnapshot(srv.URL).State)
}

func TestHandle_UpdatesSignalled(t *testing.T) {
	srv, _ := countingServer(t, 200, `{"ok": true}`)
	c := New(testOptions())
	defer c.Close()

	h := c.Subscribe(srv.URL, "w1", 0)

	select {
	case <-h.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal after subscribe")
	}
}

func TestGetSnapshot_UnknownURL(t *testing.T) {
	c := New(testOptions())
	defer c.Close()

	snap := c.GetSnapshot("http://never.subscribed/")
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.RawData)
	assert.Nil(t, snap.LastError)
}
