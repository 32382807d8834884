// Package ratelimit throttles outbound fetches per API host, so a dashboard
// full of widgets pointed at one provider cannot stampede it even when their
// refresh intervals line up.
package ratelimit

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out one token-bucket limiter per host. It is injected into
// the fetch cache, not shared through package state.
type Limiter struct {
	defaultLimit rate.Limit
	burst        int

	mu        sync.Mutex
	perHost   map[string]*rate.Limiter
	overrides map[string]rate.Limit
}

// New creates a Limiter allowing perSec requests per second per host with the
// given burst. perSec <= 0 means unlimited.
func New(perSec float64, burst int) *Limiter {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		defaultLimit: limit,
		burst:        burst,
		perHost:      make(map[string]*rate.Limiter),
		overrides:    make(map[string]rate.Limit),
	}
}

// SetHostLimit overrides the request rate for one host, e.g. Alpha Vantage's
// free tier of 5 calls per minute. It applies to limiters created afterwards
// and replaces an existing limiter for the host.
func (l *Limiter) SetHostLimit(host string, perSec float64) {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[host] = limit
	l.perHost[host] = rate.NewLimiter(limit, l.burst)
}

// Wait blocks until the host behind rawURL may be called, or ctx is done.
// Unparsable URLs are not limited; the fetch will fail on its own terms.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return l.forHost(u.Host).Wait(ctx)
}

// Allow reports whether a call to the host behind rawURL may happen now,
// consuming a token if so.
func (l *Limiter) Allow(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	return l.forHost(u.Host).Allow()
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.perHost[host]; ok {
		return lim
	}
	limit := l.defaultLimit
	if override, ok := l.overrides[host]; ok {
		limit = override
	}
	lim := rate.NewLimiter(limit, l.burst)
	l.perHost[host] = lim
	return lim
}
