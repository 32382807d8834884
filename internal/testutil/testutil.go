// Package testutil provides shared helpers for tests that need fake JSON
// APIs to fetch from.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// JSONServer starts an httptest server that answers every request with the
// given status and JSON body. The server is closed when the test ends.
func JSONServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// CountingJSONServer is JSONServer plus a request counter, for asserting how
// many fetches actually went out.
func CountingJSONServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int64) {
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

// SwitchableServer serves the response variant selected by the current mode,
// letting a test flip a working endpoint into a failing one mid-flight.
type SwitchableServer struct {
	*httptest.Server
	mode atomic.Int32

	statuses []int
	bodies   []string
}

// NewSwitchableServer starts a server with the given (status, body) variants.
// Mode 0 is active initially.
func NewSwitchableServer(t *testing.T, statuses []int, bodies []string) *SwitchableServer {
	t.Helper()
	if len(statuses) == 0 || len(statuses) != len(bodies) {
		t.Fatal("statuses and bodies must be non-empty and the same length")
	}
	s := &SwitchableServer{statuses: statuses, bodies: bodies}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := int(s.mode.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.statuses[m])
		w.Write([]byte(s.bodies[m]))
	}))
	t.Cleanup(s.Server.Close)
	return s
}

// SetMode selects which variant subsequent requests receive.
func (s *SwitchableServer) SetMode(mode int) {
	s.mode.Store(int32(mode))
}
