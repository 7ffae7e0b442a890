package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ShutdownFunc releases telemetry resources.
type ShutdownFunc func(ctx context.Context) error

// Setup initializes OpenTelemetry with a Prometheus exporter.
// Returns a shutdown function that must be called on exit.
func Setup(ctx context.Context, serviceName string) (ShutdownFunc, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// DispatchMetrics holds all OTel instruments for the dispatch layer.
type DispatchMetrics struct {
	requestsTotal           otelmetric.Int64Counter
	requestDuration         otelmetric.Float64Histogram
	preHandleAbortsTotal    otelmetric.Int64Counter
	panicsRecoveredTotal    otelmetric.Int64Counter
	deferredTotal           otelmetric.Int64Counter
	unmatchedTotal          otelmetric.Int64Counter
	authValidationsTotal    otelmetric.Int64Counter
	jwksRefreshesTotal      otelmetric.Int64Counter
	rateLimitDecisionsTotal otelmetric.Int64Counter
	proxyRequestsTotal      otelmetric.Int64Counter
	proxyDuration           otelmetric.Float64Histogram
}

// NewDispatchMetrics creates and registers all dispatch metrics.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter("dispatch")
	m := &DispatchMetrics{}
	var err error

	latencyBuckets := otelmetric.WithExplicitBucketBoundaries(
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	)

	if m.requestsTotal, err = meter.Int64Counter("dispatch_requests_total",
		otelmetric.WithDescription("Total dispatched requests")); err != nil {
		return nil, fmt.Errorf("creating requests_total: %w", err)
	}
	if m.requestDuration, err = meter.Float64Histogram("dispatch_request_duration_seconds",
		otelmetric.WithDescription("Request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating request_duration: %w", err)
	}
	if m.preHandleAbortsTotal, err = meter.Int64Counter("dispatch_prehandle_aborts_total",
		otelmetric.WithDescription("Requests aborted during pre-handle")); err != nil {
		return nil, fmt.Errorf("creating prehandle_aborts_total: %w", err)
	}
	if m.panicsRecoveredTotal, err = meter.Int64Counter("dispatch_panics_recovered_total",
		otelmetric.WithDescription("Handler panics recovered")); err != nil {
		return nil, fmt.Errorf("creating panics_recovered_total: %w", err)
	}
	if m.deferredTotal, err = meter.Int64Counter("dispatch_deferred_total",
		otelmetric.WithDescription("Deferred (concurrent) handling outcomes")); err != nil {
		return nil, fmt.Errorf("creating deferred_total: %w", err)
	}
	if m.unmatchedTotal, err = meter.Int64Counter("dispatch_unmatched_total",
		otelmetric.WithDescription("Requests with no matching handler")); err != nil {
		return nil, fmt.Errorf("creating unmatched_total: %w", err)
	}
	if m.authValidationsTotal, err = meter.Int64Counter("dispatch_auth_validations_total",
		otelmetric.WithDescription("Total auth validations")); err != nil {
		return nil, fmt.Errorf("creating auth_validations_total: %w", err)
	}
	if m.jwksRefreshesTotal, err = meter.Int64Counter("dispatch_jwks_refreshes_total",
		otelmetric.WithDescription("Total JWKS refreshes")); err != nil {
		return nil, fmt.Errorf("creating jwks_refreshes_total: %w", err)
	}
	if m.rateLimitDecisionsTotal, err = meter.Int64Counter("dispatch_ratelimit_decisions_total",
		otelmetric.WithDescription("Total rate limit decisions")); err != nil {
		return nil, fmt.Errorf("creating ratelimit_decisions_total: %w", err)
	}
	if m.proxyRequestsTotal, err = meter.Int64Counter("dispatch_proxy_requests_total",
		otelmetric.WithDescription("Total proxied requests")); err != nil {
		return nil, fmt.Errorf("creating proxy_requests_total: %w", err)
	}
	if m.proxyDuration, err = meter.Float64Histogram("dispatch_proxy_duration_seconds",
		otelmetric.WithDescription("Proxy request duration"), latencyBuckets); err != nil {
		return nil, fmt.Errorf("creating proxy_duration: %w", err)
	}

	return m, nil
}

// RecordRequest records a completed request.
func (m *DispatchMetrics) RecordRequest(ctx context.Context, method, path string, status int, durationSec float64) {
	attrs := otelmetric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(status),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, durationSec, attrs)
}

// RecordPreHandleAbort records a pre-handle abort; reason is "policy" or "error".
func (m *DispatchMetrics) RecordPreHandleAbort(ctx context.Context, reason string) {
	m.preHandleAbortsTotal.Add(ctx, 1, otelmetric.WithAttributes(reasonAttr(reason)))
}

// RecordPanic records a recovered handler panic.
func (m *DispatchMetrics) RecordPanic(ctx context.Context) {
	m.panicsRecoveredTotal.Add(ctx, 1)
}

// RecordDeferred records the outcome of a deferred dispatch:
// "completed", "error", "timeout" or "canceled".
func (m *DispatchMetrics) RecordDeferred(ctx context.Context, result string) {
	m.deferredTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}

// RecordUnmatched records a request no mapping could resolve.
func (m *DispatchMetrics) RecordUnmatched(ctx context.Context, method string) {
	m.unmatchedTotal.Add(ctx, 1, otelmetric.WithAttributes(methodAttr(method)))
}

// RecordAuthValidation records an auth validation result.
func (m *DispatchMetrics) RecordAuthValidation(ctx context.Context, result string) {
	m.authValidationsTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}

// RecordJWKSRefresh records a JWKS refresh attempt.
func (m *DispatchMetrics) RecordJWKSRefresh(ctx context.Context, result string) {
	m.jwksRefreshesTotal.Add(ctx, 1, otelmetric.WithAttributes(resultAttr(result)))
}

// RecordRateLimitDecision records a rate limit decision.
func (m *DispatchMetrics) RecordRateLimitDecision(ctx context.Context, layer, result string) {
	m.rateLimitDecisionsTotal.Add(ctx, 1, otelmetric.WithAttributes(
		layerAttr(layer),
		resultAttr(result),
	))
}

// RecordProxyRequest records a proxied request to a backend.
func (m *DispatchMetrics) RecordProxyRequest(ctx context.Context, backend string, status int, durationSec float64) {
	attrs := otelmetric.WithAttributes(
		backendAttr(backend),
		statusAttr(status),
	)
	m.proxyRequestsTotal.Add(ctx, 1, attrs)
	m.proxyDuration.Record(ctx, durationSec, attrs)
}
