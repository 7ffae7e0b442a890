package dispatch

import "net/http"

// Interceptor hooks into the three phases of handler execution. PreHandle runs
// before the handler in registration order; returning false aborts the request
// without it counting as an error (the interceptor is expected to have written
// the response). PostHandle and AfterCompletion run in reverse order, scoped to
// the interceptors whose PreHandle succeeded. AfterConcurrentHandlingStarted
// replaces PostHandle when the handler defers its result.
//
// Embed NopInterceptor to implement only the hooks you need.
type Interceptor interface {
	PreHandle(w http.ResponseWriter, r *http.Request, h Handler) (bool, error)
	PostHandle(w http.ResponseWriter, r *http.Request, h Handler, res *Result) error
	AfterConcurrentHandlingStarted(w http.ResponseWriter, r *http.Request, h Handler) error

	// AfterCompletion is the cleanup hook. cause is nil on success, otherwise
	// the error that terminated the request. Errors returned here are logged
	// by the chain and do not stop cleanup of earlier interceptors.
	AfterCompletion(w http.ResponseWriter, r *http.Request, h Handler, cause error) error
}

// NopInterceptor implements Interceptor with no-op hooks.
type NopInterceptor struct{}

func (NopInterceptor) PreHandle(http.ResponseWriter, *http.Request, Handler) (bool, error) {
	return true, nil
}

func (NopInterceptor) PostHandle(http.ResponseWriter, *http.Request, Handler, *Result) error {
	return nil
}

func (NopInterceptor) AfterConcurrentHandlingStarted(http.ResponseWriter, *http.Request, Handler) error {
	return nil
}

func (NopInterceptor) AfterCompletion(http.ResponseWriter, *http.Request, Handler, error) error {
	return nil
}

// Funcs adapts a set of optional closures into an Interceptor.
// Nil fields behave like the NopInterceptor defaults.
type Funcs struct {
	Pre        func(w http.ResponseWriter, r *http.Request, h Handler) (bool, error)
	Post       func(w http.ResponseWriter, r *http.Request, h Handler, res *Result) error
	Concurrent func(w http.ResponseWriter, r *http.Request, h Handler) error
	Completion func(w http.ResponseWriter, r *http.Request, h Handler, cause error) error
}

func (f Funcs) PreHandle(w http.ResponseWriter, r *http.Request, h Handler) (bool, error) {
	if f.Pre == nil {
		return true, nil
	}
	return f.Pre(w, r, h)
}

func (f Funcs) PostHandle(w http.ResponseWriter, r *http.Request, h Handler, res *Result) error {
	if f.Post == nil {
		return nil
	}
	return f.Post(w, r, h, res)
}

func (f Funcs) AfterConcurrentHandlingStarted(w http.ResponseWriter, r *http.Request, h Handler) error {
	if f.Concurrent == nil {
		return nil
	}
	return f.Concurrent(w, r, h)
}

func (f Funcs) AfterCompletion(w http.ResponseWriter, r *http.Request, h Handler, cause error) error {
	if f.Completion == nil {
		return nil
	}
	return f.Completion(w, r, h, cause)
}
