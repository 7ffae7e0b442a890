package dispatch

import "net/http"

// HandlerMapping resolves an incoming request to an execution chain.
// Implementations report domain.ErrNoHandlerFound when nothing matches.
type HandlerMapping interface {
	Resolve(r *http.Request) (*Chain, error)
}

// StatusWriter wraps http.ResponseWriter to capture the status code and
// whether anything was written. The Dispatcher consults Written before
// emitting error responses, so an interceptor that already answered the
// client is not overwritten.
type StatusWriter struct {
	http.ResponseWriter
	Code    int
	Written bool
}

func (sw *StatusWriter) WriteHeader(code int) {
	if !sw.Written {
		sw.Code = code
		sw.Written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.Written = true
	return sw.ResponseWriter.Write(b)
}

// StatusOf returns the response status captured by a StatusWriter, or 0 when
// w is not one.
func StatusOf(w http.ResponseWriter) int {
	if sw, ok := w.(*StatusWriter); ok {
		return sw.Code
	}
	return 0
}
