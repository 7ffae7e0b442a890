package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"dispatchkit/internal/domain"
	"dispatchkit/internal/platform/telemetry"
)

const defaultDeferredTimeout = 30 * time.Second

// Dispatcher is the front controller: it resolves each request to a Chain via
// the handler mapping and drives it through pre-handle, handler invocation,
// post-handle (or the concurrent-handling notification), render, and
// after-completion. Errors at any stage trigger after-completion for the
// passed interceptor prefix exactly once.
type Dispatcher struct {
	mapping         HandlerMapping
	metrics         *telemetry.DispatchMetrics // optional, may be nil
	deferredTimeout time.Duration
}

// NewDispatcher creates a Dispatcher. The metrics parameter is optional; pass
// nil to skip metric recording. deferredTimeout bounds how long a deferred
// (concurrent) handler may take; zero selects the default.
func NewDispatcher(mapping HandlerMapping, m *telemetry.DispatchMetrics, deferredTimeout time.Duration) *Dispatcher {
	if deferredTimeout <= 0 {
		deferredTimeout = defaultDeferredTimeout
	}
	return &Dispatcher{mapping: mapping, metrics: m, deferredTimeout: deferredTimeout}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &StatusWriter{ResponseWriter: w, Code: http.StatusOK}
	r = WithAttributes(r)

	chain, err := d.mapping.Resolve(r)
	if err != nil {
		if errors.Is(err, domain.ErrNoHandlerFound) {
			if d.metrics != nil {
				d.metrics.RecordUnmatched(r.Context(), r.Method)
			}
			writeJSONError(sw, http.StatusNotFound, "not_found", "no handler for request path")
			return
		}
		slog.Error("resolving handler", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONError(sw, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}

	d.dispatch(sw, r, chain)
}

func (d *Dispatcher) dispatch(w *StatusWriter, r *http.Request, chain *Chain) {
	cursor, proceed, err := chain.ApplyPreHandle(w, r)
	if err != nil {
		// Cleanup for the passed prefix already ran inside the chain.
		if d.metrics != nil {
			d.metrics.RecordPreHandleAbort(r.Context(), "error")
		}
		slog.Error("pre-handle failed", "path", r.URL.Path, "error", err)
		d.fail(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}
	if !proceed {
		if d.metrics != nil {
			d.metrics.RecordPreHandleAbort(r.Context(), "policy")
		}
		return
	}

	res, err := d.invoke(chain, w, r)
	if err != nil {
		chain.TriggerAfterCompletion(w, r, cursor, err)
		slog.Error("handler failed", "path", r.URL.Path, "error", err)
		d.fail(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}

	if res.Concurrent() {
		if err := chain.ApplyAfterConcurrentHandlingStarted(w, r, cursor); err != nil {
			chain.TriggerAfterCompletion(w, r, cursor, err)
			slog.Error("concurrent-handling notification failed", "path", r.URL.Path, "error", err)
			d.fail(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
			return
		}
		d.awaitDeferred(w, r, chain, cursor, res)
		return
	}

	if err := chain.ApplyPostHandle(w, r, res); err != nil {
		chain.TriggerAfterCompletion(w, r, cursor, err)
		slog.Error("post-handle failed", "path", r.URL.Path, "error", err)
		d.fail(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}

	if err := render(w, res); err != nil {
		chain.TriggerAfterCompletion(w, r, cursor, err)
		slog.Error("rendering result", "path", r.URL.Path, "error", err)
		return
	}

	chain.TriggerAfterCompletion(w, r, cursor, nil)
}

// invoke runs the handler, converting panics into errors so the chain's
// cleanup guarantees hold for panicking handlers too.
func (d *Dispatcher) invoke(chain *Chain, w http.ResponseWriter, r *http.Request) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if d.metrics != nil {
				d.metrics.RecordPanic(r.Context())
			}
			slog.Error("panic recovered",
				"panic", rec,
				"request_id", RequestIDFrom(r),
				"stack", string(debug.Stack()),
			)
			res, err = nil, fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return chain.Handler().Handle(w, r)
}

// awaitDeferred completes a concurrent dispatch. The chain has already been
// notified and stepped aside; waiting for the outcome is the dispatcher's
// responsibility, bounded by the configured timeout and the request context.
func (d *Dispatcher) awaitDeferred(w *StatusWriter, r *http.Request, chain *Chain, cursor int, res *Result) {
	timer := time.NewTimer(d.deferredTimeout)
	defer timer.Stop()

	select {
	case out := <-res.done:
		if out.Err != nil {
			if d.metrics != nil {
				d.metrics.RecordDeferred(r.Context(), "error")
			}
			chain.TriggerAfterCompletion(w, r, cursor, out.Err)
			slog.Error("deferred handling failed", "path", r.URL.Path, "error", out.Err)
			d.fail(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
			return
		}
		if d.metrics != nil {
			d.metrics.RecordDeferred(r.Context(), "completed")
		}
		if err := render(w, out.Result); err != nil {
			chain.TriggerAfterCompletion(w, r, cursor, err)
			slog.Error("rendering deferred result", "path", r.URL.Path, "error", err)
			return
		}
		chain.TriggerAfterCompletion(w, r, cursor, nil)

	case <-timer.C:
		if d.metrics != nil {
			d.metrics.RecordDeferred(r.Context(), "timeout")
		}
		chain.TriggerAfterCompletion(w, r, cursor, domain.ErrHandlingTimeout)
		d.fail(w, http.StatusGatewayTimeout, "timeout", "request handling timed out")

	case <-r.Context().Done():
		if d.metrics != nil {
			d.metrics.RecordDeferred(r.Context(), "canceled")
		}
		chain.TriggerAfterCompletion(w, r, cursor, r.Context().Err())
	}
}

// render writes a synchronous result. A nil result means the handler already
// answered the client.
func render(w http.ResponseWriter, res *Result) error {
	if res == nil {
		return nil
	}
	for key, vals := range res.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if res.Body == nil {
		w.WriteHeader(status)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res.Body); err != nil {
		return fmt.Errorf("encoding result body: %w", err)
	}
	return nil
}

// fail emits a JSON error response unless something was already written.
func (d *Dispatcher) fail(w *StatusWriter, status int, code, msg string) {
	if w.Written {
		return
	}
	writeJSONError(w, status, code, msg)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(domain.ErrorResponse{Error: code, Message: msg}); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}
