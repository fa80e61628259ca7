// Package connectivity is the in-process message bus between the controller
// and page agents. Each agent registers a Handler under the id of the
// context it lives in; the controller calls that id without knowing how the
// agent is hosted.
//
//	bus := connectivity.New(connectivity.WithMiddleware(connectivity.Recovery(logger)))
//	bus.RegisterLocal("tab-42", agent.HandleMessage)
//	resp, err := bus.Call(ctx, "tab-42", payload)
//
// A Call to an id with nothing registered fails with *ErrNotRegistered,
// which the controller reads as "no receiver".
package connectivity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Handler is a transport-agnostic message function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Router dispatches messages to registered handlers.
// Thread-safe: calls use RLock, registrations use full Lock.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	mws      []HandlerMiddleware
	logger   *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware wraps every handler registered afterwards.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.mws = append(r.mws, mws...) }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers h under id, replacing any previous handler.
func (r *Router) RegisterLocal(id string, h Handler) {
	if len(r.mws) > 0 {
		h = Chain(r.mws...)(h)
	}
	r.mu.Lock()
	_, replaced := r.handlers[id]
	r.handlers[id] = h
	r.mu.Unlock()
	r.logger.Debug("connectivity: registered", "id", id, "replaced", replaced)
}

// Unregister removes the handler for id. It reports whether one existed.
func (r *Router) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.handlers[id]
	delete(r.handlers, id)
	r.mu.Unlock()
	if ok {
		r.logger.Debug("connectivity: unregistered", "id", id)
	}
	return ok
}

// Has reports whether a handler is registered for id.
func (r *Router) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[id]
	return ok
}

// IDs lists registered ids in lexical order.
func (r *Router) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Call delivers payload to the handler registered for id.
func (r *Router) Call(ctx context.Context, id string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.handlers[id]
	r.mu.RUnlock()

	if h == nil {
		return nil, &ErrNotRegistered{ID: id}
	}
	r.logger.DebugContext(ctx, "connectivity: call", "id", id, "payload_bytes", len(payload))
	return h(ctx, payload)
}
