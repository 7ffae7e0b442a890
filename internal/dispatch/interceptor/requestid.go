package interceptor

import (
	"net/http"

	"github.com/google/uuid"

	"dispatchkit/internal/dispatch"
)

// RequestID assigns a unique request ID to each request during pre-handle.
// If the incoming request already has an X-Request-ID header, it is preserved.
type RequestID struct {
	dispatch.NopInterceptor
}

func (RequestID) PreHandle(w http.ResponseWriter, r *http.Request, _ dispatch.Handler) (bool, error) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.New().String()
	}
	dispatch.SetRequestID(r, id)
	w.Header().Set("X-Request-ID", id)
	return true, nil
}
