package interceptor

import (
	"net/http"
	"time"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/platform/telemetry"
)

const attrMetricsStart = "interceptor.metrics.start"

// Metrics records request count and duration. Register it first so
// after-completion (reverse order) sees the full request lifecycle.
type Metrics struct {
	dispatch.NopInterceptor
	m *telemetry.DispatchMetrics
}

// NewMetrics creates the metrics interceptor.
func NewMetrics(m *telemetry.DispatchMetrics) *Metrics {
	return &Metrics{m: m}
}

func (mi *Metrics) PreHandle(_ http.ResponseWriter, r *http.Request, _ dispatch.Handler) (bool, error) {
	dispatch.SetAttribute(r, attrMetricsStart, time.Now())
	return true, nil
}

func (mi *Metrics) AfterCompletion(w http.ResponseWriter, r *http.Request, _ dispatch.Handler, _ error) error {
	if mi.m == nil {
		return nil
	}
	v, ok := dispatch.Attribute(r, attrMetricsStart)
	if !ok {
		return nil
	}
	start, ok := v.(time.Time)
	if !ok {
		return nil
	}
	mi.m.RecordRequest(r.Context(), r.Method, r.URL.Path, dispatch.StatusOf(w), time.Since(start).Seconds())
	return nil
}
