package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowExhaustsBurstThenBlocks(t *testing.T) {
	l := New(1, 2, time.Minute)

	if !l.Allow("peer-a") {
		t.Fatalf("first request should be allowed")
	}
	if !l.Allow("peer-a") {
		t.Fatalf("second request should be allowed (burst = 2)")
	}
	if l.Allow("peer-a") {
		t.Fatalf("third immediate request should be throttled")
	}
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	l := New(1, 1, time.Minute)

	if !l.Allow("peer-a") {
		t.Fatalf("peer-a's first request should be allowed")
	}
	if !l.Allow("peer-b") {
		t.Fatalf("peer-b should have its own independent bucket")
	}
	if l.Allow("peer-a") {
		t.Fatalf("peer-a should now be throttled")
	}
}

func TestCleanupEvictsIdleKeys(t *testing.T) {
	l := New(1, 1, time.Millisecond)
	l.Allow("peer-a")
	time.Sleep(5 * time.Millisecond)
	l.Cleanup()

	l.mu.RLock()
	_, exists := l.entries["peer-a"]
	l.mu.RUnlock()
	if exists {
		t.Fatalf("expected idle key to be evicted")
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l := New(1, 1, time.Minute)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
}
