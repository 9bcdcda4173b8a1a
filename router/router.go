// Package router decouples "an email arrived" from "something handles it".
// Handlers are registered per (negotiation, supplier) key as negotiations
// start and end; dispatch is asynchronous so a slow conversation never delays
// routing for the others.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/procurehq/parley/agent/contract"
)

// Handler is the asynchronous reaction bound to one routing key.
type Handler func(ctx context.Context, ev *contract.EmailEvent) error

// Option customizes a Router.
type Option func(*Router)

// WithDone installs a supervision hook invoked after every dispatched handler
// finishes, with the handler's error (nil on success). Dispatch itself is
// fire-and-forget; this is how tests and operators observe handler outcomes.
func WithDone(fn func(ev *contract.EmailEvent, err error)) Option {
	return func(r *Router) { r.done = fn }
}

// Router maps composite keys to registered handlers.
type Router struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler
	done           func(ev *contract.EmailEvent, err error)
}

// New constructs an empty Router.
func New(opts ...Option) *Router {
	r := &Router{handlers: make(map[string]Handler)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func routingKey(ngID, supplierID string) string { return ngID + ":" + supplierID }

// Register binds a handler to a (negotiation, supplier) key, overwriting any
// existing registration for that key.
func (r *Router) Register(ngID, supplierID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[routingKey(ngID, supplierID)] = h
}

// Unregister removes a key's handler. Unregistering an unknown key is a no-op.
func (r *Router) Unregister(ngID, supplierID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, routingKey(ngID, supplierID))
}

// SetDefaultHandler installs a fallback for events with no exact-key match.
func (r *Router) SetDefaultHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandler = h
}

// Push routes one event. The matched handler runs on its own goroutine and
// Push returns immediately; events with no matching handler and no default
// are dropped with a log line. Handlers already in flight are not cancelled
// when the pushing context ends.
func (r *Router) Push(ctx context.Context, ev *contract.EmailEvent) {
	r.mu.RLock()
	handler := r.defaultHandler
	if ev.NgID != "" && ev.SupplierID != "" {
		if h, ok := r.handlers[routingKey(ev.NgID, ev.SupplierID)]; ok {
			handler = h
		}
	}
	done := r.done
	r.mu.RUnlock()

	if handler == nil {
		log.Info().
			Str("ng_id", ev.NgID).
			Str("supplier_id", ev.SupplierID).
			Str("sender", ev.Sender).
			Msg("dropping unroutable email event")
		return
	}

	go func(ctx context.Context) {
		err := handler(ctx, ev)
		if err != nil {
			log.Error().Err(err).
				Str("ng_id", ev.NgID).
				Str("supplier_id", ev.SupplierID).
				Msg("email event handler failed")
		}
		if done != nil {
			done(ev, err)
		}
	}(context.WithoutCancel(ctx))
}
