package dispatch

import "net/http"

// Handler is the application-level unit of work a request resolves to.
// Returning a nil Result means the handler wrote the response itself and
// nothing is left to render.
type Handler interface {
	Handle(w http.ResponseWriter, r *http.Request) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) (*Result, error)

func (f HandlerFunc) Handle(w http.ResponseWriter, r *http.Request) (*Result, error) {
	return f(w, r)
}

// Result carries a handler's outcome until the dispatcher renders it, after
// PostHandle has run. Body is encoded as JSON; a nil Body renders status only.
type Result struct {
	Status int
	Header http.Header
	Body   any

	done <-chan Outcome
}

// Outcome is the terminal value of deferred (concurrent) handling.
type Outcome struct {
	Result *Result
	Err    error
}

// NewResult creates a synchronous result.
func NewResult(status int, body any) *Result {
	return &Result{Status: status, Header: make(http.Header), Body: body}
}

// WithHeader sets a response header to apply at render time.
func (res *Result) WithHeader(key, value string) *Result {
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Set(key, value)
	return res
}

// NewConcurrentResult marks the request as deferred: the handler has handed
// its work to another goroutine, which must send exactly one Outcome on done.
// The chain is notified via AfterConcurrentHandlingStarted; the dispatcher,
// not the chain, waits for the outcome.
func NewConcurrentResult(done <-chan Outcome) *Result {
	return &Result{done: done}
}

// Concurrent reports whether the result defers completion.
func (res *Result) Concurrent() bool {
	return res != nil && res.done != nil
}
