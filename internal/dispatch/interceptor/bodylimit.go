package interceptor

import (
	"net/http"

	"dispatchkit/internal/dispatch"
)

// BodyLimit caps the request body size during pre-handle. Handlers reading
// past the limit get an error from the body reader and the client a
// 413 Request Entity Too Large response.
type BodyLimit struct {
	dispatch.NopInterceptor
	Max int64
}

func (b BodyLimit) PreHandle(w http.ResponseWriter, r *http.Request, _ dispatch.Handler) (bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, b.Max)
	return true, nil
}
