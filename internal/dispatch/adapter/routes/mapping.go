package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatchkit/internal/dispatch"
	"dispatchkit/internal/domain"
)

// Mapping resolves requests to execution chains using chi's routing tree for
// pattern matching. Each registration pairs a handler with the global
// interceptors known at registration time followed by its own route
// interceptors; the resulting chain is built once and reused, which is safe
// because chains carry no per-request state.
type Mapping struct {
	mux    *chi.Mux
	global []dispatch.Interceptor
	chains map[string]*dispatch.Chain // "METHOD pattern" -> chain
}

// NewMapping creates an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{
		mux:    chi.NewRouter(),
		chains: make(map[string]*dispatch.Chain),
	}
}

// Use appends interceptors that apply to every route registered afterwards.
// Like chi middleware, global interceptors must be registered before routes.
func (m *Mapping) Use(interceptors ...dispatch.Interceptor) {
	if len(m.chains) > 0 {
		panic("routes: global interceptors must be registered before routes")
	}
	m.global = append(m.global, interceptors...)
}

// Handle registers a handler for the given method and chi pattern, with
// optional route-specific interceptors appended after the global ones.
func (m *Mapping) Handle(method, pattern string, h dispatch.Handler, interceptors ...dispatch.Interceptor) {
	// Placeholder registration: only the routing tree is used for matching,
	// dispatch never calls the http.Handler itself.
	m.mux.Method(method, pattern, http.NotFoundHandler())

	ics := make([]dispatch.Interceptor, 0, len(m.global)+len(interceptors))
	ics = append(ics, m.global...)
	ics = append(ics, interceptors...)
	m.chains[method+" "+pattern] = dispatch.NewChain(h, ics...)
}

// HandleFunc registers a handler function. See Handle.
func (m *Mapping) HandleFunc(method, pattern string, h dispatch.HandlerFunc, interceptors ...dispatch.Interceptor) {
	m.Handle(method, pattern, h, interceptors...)
}

// Resolve implements dispatch.HandlerMapping. Route parameters of the matched
// pattern are published through the request's attribute store
// (dispatch.PathParam).
func (m *Mapping) Resolve(r *http.Request) (*dispatch.Chain, error) {
	rctx := chi.NewRouteContext()
	if !m.mux.Match(rctx, r.Method, r.URL.Path) {
		return nil, domain.ErrNoHandlerFound
	}

	chain, ok := m.chains[r.Method+" "+rctx.RoutePattern()]
	if !ok {
		return nil, domain.ErrNoHandlerFound
	}

	if len(rctx.URLParams.Keys) > 0 {
		params := make(map[string]string, len(rctx.URLParams.Keys))
		for i, k := range rctx.URLParams.Keys {
			params[k] = rctx.URLParams.Values[i]
		}
		dispatch.SetPathParams(r, params)
	}

	return chain, nil
}
