package relay

import (
	"context"
	"strings"
	"sync"
)

// Registry routes events to handlers by topic. A handler may be registered
// for an exact topic ("orders/create") or for every event of a resource
// ("orders/*"). Exact registrations win over resource wildcards.
type Registry struct {
	mu        sync.RWMutex
	exact     map[string]Handler
	resources map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:     make(map[string]Handler),
		resources: make(map[string]Handler),
	}
}

// Register binds a handler to a topic. A topic of the form "resource/*"
// binds the handler to every event of that resource. Later registrations
// for the same topic replace earlier ones.
func (r *Registry) Register(topic string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resource, event, ok := strings.Cut(topic, "/"); ok && event == "*" {
		r.resources[resource] = handler
		return
	}
	r.exact[topic] = handler
}

// Resolve returns the handler for a topic, or false if none is registered.
func (r *Registry) Resolve(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.exact[topic]; ok {
		return h, true
	}
	resource, _, _ := strings.Cut(topic, "/")
	h, ok := r.resources[resource]
	return h, ok
}

// Topics returns all registered topic patterns, for diagnostics.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.exact)+len(r.resources))
	for t := range r.exact {
		topics = append(topics, t)
	}
	for res := range r.resources {
		topics = append(topics, res+"/*")
	}
	return topics
}

// Handle dispatches an event to its registered handler. An unroutable topic
// is a permanent failure: requeueing cannot make a handler appear.
func (r *Registry) Handle(ctx context.Context, event Event) error {
	h, ok := r.Resolve(event.Topic)
	if !ok {
		return Permanent("unroutable topic "+event.Topic, ErrNoHandler)
	}
	return h.Handle(ctx, event)
}

// Ensure Registry itself satisfies Handler, so it can sit behind the
// worker pool directly.
var _ Handler = (*Registry)(nil)
