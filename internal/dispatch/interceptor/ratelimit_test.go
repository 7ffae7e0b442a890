package interceptor_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"dispatchkit/internal/dispatch/interceptor"
	"dispatchkit/internal/domain"
)

type stubLimiter struct {
	result interceptor.RateLimitResult
	keys   []string
}

func (s *stubLimiter) Allow(key string) interceptor.RateLimitResult {
	s.keys = append(s.keys, key)
	return s.result
}

func TestRateLimitAllowed(t *testing.T) {
	limiter := &stubLimiter{result: interceptor.RateLimitResult{Allowed: true}}
	rl := interceptor.NewRateLimit(limiter, nil)

	rec, req := newAttrRequest(http.MethodGet, "/v1/catalog")
	req.RemoteAddr = "203.0.113.7:51234"

	proceed, err := rl.PreHandle(rec, req, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !proceed {
		t.Fatal("expected allowed request to proceed")
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "203.0.113.7" {
		t.Errorf("expected limiter keyed by client IP, got %v", limiter.keys)
	}
}

func TestRateLimitDenied(t *testing.T) {
	limiter := &stubLimiter{result: interceptor.RateLimitResult{Allowed: false, RetryAfter: 3}}
	rl := interceptor.NewRateLimit(limiter, nil)

	rec, req := newAttrRequest(http.MethodGet, "/v1/catalog")
	req.RemoteAddr = "203.0.113.7:51234"

	proceed, err := rl.PreHandle(rec, req, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proceed {
		t.Fatal("expected denied request to abort")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("expected Retry-After '3', got %q", got)
	}

	var body domain.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body.Error != "rate_limited" || body.RetryAfter != 3 {
		t.Errorf("unexpected error body: %+v", body)
	}
}

func TestRateLimitKeyWithoutPort(t *testing.T) {
	limiter := &stubLimiter{result: interceptor.RateLimitResult{Allowed: true}}
	rl := interceptor.NewRateLimit(limiter, nil)

	rec, req := newAttrRequest(http.MethodGet, "/v1/catalog")
	req.RemoteAddr = "203.0.113.7"

	rl.PreHandle(rec, req, nil)
	if len(limiter.keys) != 1 || limiter.keys[0] != "203.0.113.7" {
		t.Errorf("expected raw RemoteAddr as key, got %v", limiter.keys)
	}
}
