package dispatch

import (
	"log/slog"
	"net/http"
)

// Chain pairs a resolved handler with the ordered interceptors registered for
// its route.
//
// A Chain carries no per-request state: ApplyPreHandle returns an execution
// cursor (the count of interceptors whose PreHandle succeeded) that the caller
// threads back into the completion phases. One Chain value can therefore serve
// concurrent requests; the interceptor slice is never mutated after
// construction.
type Chain struct {
	handler      Handler
	interceptors []Interceptor
}

// NewChain builds a chain for handler h. The interceptor order is the
// registration order: PreHandle runs forward through it, the completion
// phases run in reverse.
func NewChain(h Handler, interceptors ...Interceptor) *Chain {
	ics := make([]Interceptor, len(interceptors))
	copy(ics, interceptors)
	return &Chain{handler: h, interceptors: ics}
}

// Handler returns the handler this chain wraps.
func (c *Chain) Handler() Handler {
	return c.handler
}

// Len returns the number of interceptors in the chain.
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// ApplyPreHandle calls PreHandle on each interceptor in registration order.
//
// If an interceptor returns false, the request is aborted by policy:
// AfterCompletion runs for the interceptors already passed (not the one that
// declined), and proceed is false with a nil error. If PreHandle fails, the
// same cleanup runs with the error, which is then returned to the caller. The
// declining or failing interceptor never receives AfterCompletion.
//
// The returned cursor must be handed back to TriggerAfterCompletion and
// ApplyAfterConcurrentHandlingStarted for this request.
func (c *Chain) ApplyPreHandle(w http.ResponseWriter, r *http.Request) (cursor int, proceed bool, err error) {
	for i, ic := range c.interceptors {
		ok, err := ic.PreHandle(w, r, c.handler)
		if err != nil {
			c.TriggerAfterCompletion(w, r, i, err)
			return i, false, err
		}
		if !ok {
			c.TriggerAfterCompletion(w, r, i, nil)
			return i, false, nil
		}
	}
	return len(c.interceptors), true, nil
}

// ApplyPostHandle calls PostHandle in reverse registration order. It is only
// reached when every PreHandle succeeded and the handler completed
// synchronously. The first error stops the iteration and propagates; the
// caller is expected to still trigger after-completion with it.
func (c *Chain) ApplyPostHandle(w http.ResponseWriter, r *http.Request, res *Result) error {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		if err := c.interceptors[i].PostHandle(w, r, c.handler, res); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAfterConcurrentHandlingStarted notifies the passed prefix, in reverse
// order, that the handler deferred its result. It is taken instead of
// ApplyPostHandle and fires once; the chain does not wait for the deferred
// outcome. The first error stops the iteration and propagates.
func (c *Chain) ApplyAfterConcurrentHandlingStarted(w http.ResponseWriter, r *http.Request, cursor int) error {
	for i := min(cursor, len(c.interceptors)) - 1; i >= 0; i-- {
		if err := c.interceptors[i].AfterConcurrentHandlingStarted(w, r, c.handler); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterCompletion calls AfterCompletion in reverse order on exactly the
// prefix recorded by cursor, passing cause (nil on success). A cursor of zero
// is a no-op. Hook errors are logged and cleanup continues with the earlier
// interceptors, so every passed interceptor gets its cleanup call.
func (c *Chain) TriggerAfterCompletion(w http.ResponseWriter, r *http.Request, cursor int, cause error) {
	for i := min(cursor, len(c.interceptors)) - 1; i >= 0; i-- {
		if err := c.interceptors[i].AfterCompletion(w, r, c.handler, cause); err != nil {
			slog.Error("after-completion hook failed",
				"interceptor", i,
				"path", r.URL.Path,
				"error", err,
			)
		}
	}
}
