package interceptor

import (
	"log/slog"
	"net/http"
	"time"

	"dispatchkit/internal/dispatch"
)

const attrLoggingStart = "interceptor.logging.start"

// Logging logs each request on completion using slog. The start time is
// stamped in pre-handle; after-completion sees the final status, the duration
// and whatever error terminated the request.
type Logging struct {
	dispatch.NopInterceptor
	logger *slog.Logger
}

// NewLogging creates the logging interceptor. A nil logger uses slog.Default.
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

func (l *Logging) PreHandle(_ http.ResponseWriter, r *http.Request, _ dispatch.Handler) (bool, error) {
	dispatch.SetAttribute(r, attrLoggingStart, time.Now())
	return true, nil
}

func (l *Logging) AfterCompletion(w http.ResponseWriter, r *http.Request, _ dispatch.Handler, cause error) error {
	var durationMs float64
	if v, ok := dispatch.Attribute(r, attrLoggingStart); ok {
		if start, ok := v.(time.Time); ok {
			durationMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	principal, _ := dispatch.PrincipalFrom(r)
	args := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", dispatch.StatusOf(w),
		"duration_ms", durationMs,
		"request_id", dispatch.RequestIDFrom(r),
		"principal_id", principal.ID,
		"remote_addr", r.RemoteAddr,
	}

	if cause != nil {
		l.logger.Error("request failed", append(args, "error", cause)...)
		return nil
	}
	l.logger.Info("request", args...)
	return nil
}
