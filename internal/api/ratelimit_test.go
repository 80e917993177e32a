package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/contentforge/contentforged/internal/config"
	"github.com/contentforge/contentforged/internal/job"
)

func TestSubmitLimiterBurstThenDeny(t *testing.T) {
	sl := newSubmitLimiter(&config.Config{RateLimitRPS: 1, RateLimitBurst: 2})

	if !sl.allow("10.0.0.1") || !sl.allow("10.0.0.1") {
		t.Fatal("burst submissions denied")
	}
	if sl.allow("10.0.0.1") {
		t.Error("third immediate submission allowed, want deny")
	}
	if !sl.allow("10.0.0.2") {
		t.Error("different client denied by another client's bucket")
	}
}

func TestSubmitLimiterDisabled(t *testing.T) {
	sl := newSubmitLimiter(&config.Config{RateLimitRPS: 0})
	if sl != nil {
		t.Fatal("limiter built with throttling disabled, want nil")
	}
	for i := 0; i < 100; i++ {
		if !sl.allow("10.0.0.1") {
			t.Fatal("nil limiter denied a request")
		}
	}
}

func TestSubmitLimiterEvictsIdleBuckets(t *testing.T) {
	sl := newSubmitLimiter(&config.Config{RateLimitRPS: 1, RateLimitBurst: 1})
	sl.allow("10.0.0.1")

	// Age everything past the idle window so the next allow sweeps.
	sl.mu.Lock()
	sl.buckets["10.0.0.1"].seen = time.Now().Add(-2 * staleAfter)
	sl.lastSweep = time.Now().Add(-2 * staleAfter)
	sl.mu.Unlock()

	sl.allow("10.0.0.2")

	sl.mu.Lock()
	_, ok := sl.buckets["10.0.0.1"]
	sl.mu.Unlock()
	if ok {
		t.Error("idle bucket survived the sweep")
	}
}

// newThrottledServer builds a server with submission throttling on and auth
// off, so every request comes from the same loopback client.
func newThrottledServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := job.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := testConfig(t)
	cfg.APIKeys = nil
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 2

	mux := http.NewServeMux()
	NewHandler(store, &fakeWaker{}, cfg).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitJob_RateLimited(t *testing.T) {
	srv := newThrottledServer(t)
	body := []byte(`{"source_url":"https://example.com/article","mock_mode":true}`)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST %d: %v", i, err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}

	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted {
		t.Errorf("burst submissions = %v, want two 202s", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third submission = %d, want 429", codes[2])
	}

	// Reads are never throttled.
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/jobs")
		if err != nil {
			t.Fatalf("GET %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %d: status = %d, want 200", i, resp.StatusCode)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Errorf("clientIP = %q, want 10.0.0.1", got)
	}

	req.RemoteAddr = "[::1]:5555"
	if got := clientIP(req); got != "::1" {
		t.Errorf("clientIP for IPv6 = %q, want ::1", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("clientIP with XFF = %q, want 203.0.113.9", got)
	}
}
