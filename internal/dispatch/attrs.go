package dispatch

import (
	"context"
	"net/http"
	"sync"

	"dispatchkit/internal/domain"
)

// Attributes is a per-request mutable key/value store, seeded into the request
// context by the Dispatcher before the chain runs. Interceptors receive the
// request by pointer and cannot swap its context, so state they produce for
// later phases and for the handler (principal, request ID, timings, route
// params) travels through this store.
type Attributes struct {
	mu     sync.Mutex
	values map[string]any
}

func newAttributes() *Attributes {
	return &Attributes{values: make(map[string]any)}
}

// Set stores a value under key.
func (a *Attributes) Set(key string, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[key] = v
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[key]
	return v, ok
}

type attrsKey struct{}

// WithAttributes returns a request whose context carries a fresh attribute
// store. Requests that already carry one are returned unchanged.
func WithAttributes(r *http.Request) *http.Request {
	if attrsFrom(r.Context()) != nil {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), attrsKey{}, newAttributes()))
}

func attrsFrom(ctx context.Context) *Attributes {
	a, _ := ctx.Value(attrsKey{}).(*Attributes)
	return a
}

// SetAttribute stores a request-scoped value. It is a no-op on requests that
// did not pass through the Dispatcher.
func SetAttribute(r *http.Request, key string, v any) {
	if a := attrsFrom(r.Context()); a != nil {
		a.Set(key, v)
	}
}

// Attribute returns a request-scoped value.
func Attribute(r *http.Request, key string) (any, bool) {
	if a := attrsFrom(r.Context()); a != nil {
		return a.Get(key)
	}
	return nil, false
}

const (
	attrPrincipal  = "dispatch.principal"
	attrRequestID  = "dispatch.request_id"
	attrPathParams = "dispatch.path_params"
)

// SetPrincipal records the authenticated principal for this request.
func SetPrincipal(r *http.Request, p domain.Principal) {
	SetAttribute(r, attrPrincipal, p)
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(r *http.Request) (domain.Principal, bool) {
	v, ok := Attribute(r, attrPrincipal)
	if !ok {
		return domain.Principal{}, false
	}
	p, ok := v.(domain.Principal)
	return p, ok
}

// SetRequestID records the request ID for this request.
func SetRequestID(r *http.Request, id string) {
	SetAttribute(r, attrRequestID, id)
}

// RequestIDFrom returns the request ID, or "" when none was assigned.
func RequestIDFrom(r *http.Request) string {
	v, _ := Attribute(r, attrRequestID)
	id, _ := v.(string)
	return id
}

// SetPathParams records the route parameters extracted by the handler mapping.
func SetPathParams(r *http.Request, params map[string]string) {
	SetAttribute(r, attrPathParams, params)
}

// PathParam returns the named route parameter, or "" when absent.
func PathParam(r *http.Request, name string) string {
	v, _ := Attribute(r, attrPathParams)
	params, _ := v.(map[string]string)
	return params[name]
}
