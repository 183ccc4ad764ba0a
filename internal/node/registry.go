package node

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c-u-l8er/packetflow/internal/packet"
)

// Handler executes one packet's payload. Handlers are supplied by the
// embedding application; the node only invokes them. A handler must respect
// ctx, which carries the packet's timeout when one is set.
type Handler func(ctx context.Context, data any) (any, error)

// handlerKey identifies a handler by the (group, element) pair it serves.
type handlerKey struct {
	group   packet.Group
	element string
}

// Registry maps (group, element) pairs to handlers. Registration of an
// existing pair replaces the previous handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]Handler)}
}

// Register stores a handler for the (group, element) pair.
func (r *Registry) Register(group packet.Group, element string, h Handler) error {
	if !group.Valid() {
		return fmt.Errorf("%w: %q", packet.ErrInvalidGroup, group)
	}
	if element == "" {
		return fmt.Errorf("handler element must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for (%s, %s) must not be nil", group, element)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{group, element}] = h
	return nil
}

// Lookup resolves the handler for a (group, element) pair.
func (r *Registry) Lookup(group packet.Group, element string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerKey{group, element}]
	return h, ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List returns the registered pairs as "group:element" strings, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, fmt.Sprintf("%s:%s", k.group, k.element))
	}
	sort.Strings(out)
	return out
}
