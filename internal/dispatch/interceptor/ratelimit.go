package interceptor

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/domain"
	"dispatchkit/internal/platform/telemetry"
)

// RateLimit enforces per-IP rate limits during pre-handle. A denied request
// is an abort by policy: the 429 response is written here and the chain stops.
type RateLimit struct {
	dispatch.NopInterceptor
	limiter RateLimiter
	metrics *telemetry.DispatchMetrics // optional, may be nil
}

// NewRateLimit creates the rate limit interceptor.
func NewRateLimit(limiter RateLimiter, m *telemetry.DispatchMetrics) *RateLimit {
	return &RateLimit{limiter: limiter, metrics: m}
}

func (rl *RateLimit) PreHandle(w http.ResponseWriter, r *http.Request, _ dispatch.Handler) (bool, error) {
	ip := clientIP(r)
	if result := rl.limiter.Allow(ip); !result.Allowed {
		if rl.metrics != nil {
			rl.metrics.RecordRateLimitDecision(r.Context(), "ip", "denied")
		}
		writeRateLimitError(w, result.RetryAfter)
		return false, nil
	}

	if rl.metrics != nil {
		rl.metrics.RecordRateLimitDecision(r.Context(), "ip", "allowed")
	}
	return true, nil
}

func clientIP(r *http.Request) string {
	// Use RemoteAddr directly. X-Forwarded-For is client-controlled and
	// must not be trusted without a validated trusted proxy list.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitError(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	if err := json.NewEncoder(w).Encode(domain.ErrorResponse{
		Error:      "rate_limited",
		Message:    "too many requests",
		RetryAfter: retryAfter,
	}); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
