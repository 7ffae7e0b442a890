package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/platform/telemetry"
)

// Backend is a dispatch.Handler that forwards requests to one upstream
// service through a reverse proxy. It writes the upstream response directly
// and returns a nil Result, so the dispatcher skips rendering.
type Backend struct {
	name    string
	rp      *httputil.ReverseProxy
	metrics *telemetry.DispatchMetrics // optional, may be nil
}

// NewBackend creates a proxying handler for the named upstream. The metrics
// parameter is optional; pass nil to skip metric recording.
func NewBackend(name, rawURL string, m *telemetry.DispatchMetrics) (*Backend, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s URL: %w", name, err)
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host

			// Strip Authorization — backends trust principal headers
			req.Header.Del("Authorization")

			// Inject principal headers resolved by the auth interceptor
			if principal, ok := dispatch.PrincipalFrom(req); ok {
				req.Header.Set("X-Principal-ID", principal.ID)
				var b strings.Builder
				for i, s := range principal.Scopes {
					if i > 0 {
						b.WriteByte(' ')
					}
					b.WriteString(string(s))
				}
				req.Header.Set("X-Principal-Scopes", b.String())
			}

			// Propagate request ID
			if reqID := dispatch.RequestIDFrom(req); reqID != "" {
				req.Header.Set("X-Request-ID", reqID)
			}
		},
	}

	return &Backend{name: name, rp: rp, metrics: m}, nil
}

// Handle implements dispatch.Handler.
func (b *Backend) Handle(w http.ResponseWriter, r *http.Request) (*dispatch.Result, error) {
	start := time.Now()
	b.rp.ServeHTTP(w, r)

	if b.metrics != nil {
		duration := time.Since(start).Seconds()
		b.metrics.RecordProxyRequest(r.Context(), b.name, dispatch.StatusOf(w), duration)
	}
	return nil, nil
}
