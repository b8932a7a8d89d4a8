package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/careflow/internal/ir"
)

// Request is what a handler receives for one fired action.
type Request struct {
	// Action is the candidate being executed.
	Action ir.Action

	// Params are the resolved parameters. content and text are rendered.
	Params map[string]any

	// Resource is the event's resource (sender, else receiver).
	Resource ir.ResourceID

	// Context is a snapshot of the evaluation context.
	Context map[string]any

	// Now is the engine clock reading for this event.
	Now time.Time
}

// Result carries a handler's effects back to the batch.
type Result struct {
	// ContextUpdate is merged into the context before the next candidate.
	ContextUpdate map[string]any

	// ActionUpdate is merged into the stored action document.
	ActionUpdate map[string]any
}

// Handler executes one action type.
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps action types to handlers.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds an action type to a handler, replacing any previous one.
func (r *Registry) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Get returns the handler for an action type.
func (r *Registry) Get(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
