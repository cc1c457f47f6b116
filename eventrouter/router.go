// Package eventrouter implements the Event Router (spec section 4.3): a
// subscriber registry keyed by event method name, delivering each event to
// its subscribers in subscription order and isolating one handler's panic
// or error from the rest.
//
// Grounded on the teacher's client/notifications.go, which holds a
// handler slice per fixed notification kind and invokes each under a
// recover-and-log wrapper. Generalized from four fixed kinds to an open
// string-keyed registry with handle-based unsubscribe, per the teacher's
// own later additions (unsubscribe by id) and the spec's general
// push toward explicit subscriber registries over ambient delegates.
package eventrouter

import (
	"sync"

	"github.com/localrivet/webdriverbidi/logx"
)

// Handle identifies one subscription, returned by Subscribe and consumed
// by Unsubscribe.
type Handle uint64

// Handler receives one event's decoded payload, whatever shape the
// injected codec.Codec's DecodeEvent produced for this method (the
// default codec hands back json.RawMessage unparsed; a typed per-module
// wrapper would hand back a concrete struct). It is invoked on the
// dispatcher's single delivery path; it must not block for long.
type Handler func(method string, event interface{})

type subscription struct {
	handle Handle
	fn     Handler
}

// Router is the subscriber registry. The zero value is not usable; use
// New.
type Router struct {
	mu     sync.Mutex
	next   Handle
	subs   map[string][]subscription
	logger logx.Logger
}

// New creates an empty Router. A nil logger is treated as logx.NopLogger.
func New(logger logx.Logger) *Router {
	if logger == nil {
		logger = logx.NopLogger{}
	}
	return &Router{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers fn to be invoked for every event whose method
// matches. Handlers for the same method are invoked in subscription
// order. Re-entrant calls to Subscribe from inside a handler take effect
// starting with the next Deliver, never the one in progress.
func (r *Router) Subscribe(method string, fn Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	h := r.next
	r.subs[method] = append(r.subs[method], subscription{handle: h, fn: fn})
	return h
}

// Unsubscribe removes the subscription identified by h. Unknown or
// already-removed handles are a no-op, making Unsubscribe idempotent.
func (r *Router) Unsubscribe(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for method, subs := range r.subs {
		for i, s := range subs {
			if s.handle != h {
				continue
			}
			r.subs[method] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Deliver invokes every subscriber registered for method, in subscription
// order, with a snapshot of the subscriber list taken before the first
// call. A handler that panics or is otherwise misbehaved is caught and
// logged (spec section 7: handler errors are never propagated) and does
// not prevent the remaining handlers in this delivery from running.
func (r *Router) Deliver(method string, event interface{}) {
	r.mu.Lock()
	subs := r.subs[method]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	r.mu.Unlock()

	for _, s := range snapshot {
		r.invoke(s, method, event)
	}
}

func (r *Router) invoke(s subscription, method string, event interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler for %q panicked: %v", method, rec)
		}
	}()
	s.fn(method, event)
}
