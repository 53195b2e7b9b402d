package api

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientAddressPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/sessions", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	req.RemoteAddr = "127.0.0.1:1234"

	if got := clientAddress(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded IP, got %q", got)
	}
}

func TestRateLimiterBlocksExcessBurst(t *testing.T) {
	limiter := newAPIRateLimiter(1, 1)
	if limiter == nil {
		t.Fatal("expected limiter to be created")
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.allow("192.0.2.10") {
		t.Fatal("first request should be allowed")
	}
	if limiter.allow("192.0.2.10") {
		t.Fatal("second immediate request should be rate limited")
	}
	if !limiter.allow("192.0.2.11") {
		t.Fatal("other clients keep their own bucket")
	}

	now = now.Add(2 * time.Second)
	if !limiter.allow("192.0.2.10") {
		t.Fatal("expected bucket to refill")
	}
}

func TestRateLimiterDropsIdleClients(t *testing.T) {
	limiter := newAPIRateLimiter(5, 5)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.allow("192.0.2.10")
	limiter.allow("192.0.2.11")
	if limiter.tracked() != 2 {
		t.Fatalf("expected two tracked clients, got %d", limiter.tracked())
	}

	now = now.Add(11 * time.Minute)
	limiter.allow("192.0.2.12")
	if limiter.tracked() != 1 {
		t.Fatalf("expected idle clients dropped, got %d", limiter.tracked())
	}
}

func TestDisabledRateLimiter(t *testing.T) {
	if newAPIRateLimiter(0, 10) != nil || newAPIRateLimiter(10, 0) != nil {
		t.Fatal("expected zero settings to disable limiting")
	}
}
