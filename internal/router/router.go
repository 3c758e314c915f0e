package router

import (
	"context"

	"github.com/tracyhatemice/mailroute/internal/message"
)

// Handler processes one routed message.
type Handler func(ctx context.Context, msg *message.Message) error

type rule struct {
	pred    Predicate
	handler Handler
}

// Router holds an ordered list of rules and an optional default handler.
// Register rules before the first Dispatch; a Router is not modified by
// dispatching and may then be shared between goroutines.
type Router struct {
	rules    []rule
	fallback Handler
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// AddRule appends a rule. Rules are tried in the order they were added.
func (r *Router) AddRule(p Predicate, h Handler) {
	r.rules = append(r.rules, rule{pred: p, handler: h})
}

// Default sets the handler run when no rule matches, replacing any earlier
// default.
func (r *Router) Default(h Handler) {
	r.fallback = h
}

// Len returns the number of registered rules.
func (r *Router) Len() int {
	return len(r.rules)
}

// Route returns the handler that Dispatch would run for msg, or nil when the
// message would be dropped.
func (r *Router) Route(msg *message.Message) Handler {
	for _, rl := range r.rules {
		if rl.pred.Match(msg) {
			return rl.handler
		}
	}
	return r.fallback
}

// Dispatch runs the first matching rule's handler, or the default handler if
// none match. With no match and no default the message is dropped and
// Dispatch returns nil. Handler errors are returned unchanged.
func (r *Router) Dispatch(ctx context.Context, msg *message.Message) error {
	h := r.Route(msg)
	if h == nil {
		return nil
	}
	return h(ctx, msg)
}
