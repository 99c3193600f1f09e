package deletion

import (
	"cascadecore/pkg/domain"
	"errors"
	"fmt"
)

// Registry maps owner type names to handlers. It is built once at startup
// and never mutated afterwards; iteration follows registration order.
type Registry struct {
	handlers []*Handler
	byOwner  map[domain.EntityType]*Handler
}

// RegistryBuilder collects handlers in the order they are registered.
type RegistryBuilder struct {
	handlers []*Handler
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{}
}

// Register appends a handler. Order is significant: vetoes and cascades run
// in registration order.
func (b *RegistryBuilder) Register(h *Handler) *RegistryBuilder {
	b.handlers = append(b.handlers, h)
	return b
}

// Build validates the collected handlers and returns an immutable registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	r := &Registry{
		handlers: make([]*Handler, 0, len(b.handlers)),
		byOwner:  make(map[domain.EntityType]*Handler, len(b.handlers)),
	}
	var errs []error
	for i, h := range b.handlers {
		if h == nil {
			errs = append(errs, fmt.Errorf("handler %d is nil", i))
			continue
		}
		if h.owner == "" {
			errs = append(errs, fmt.Errorf("handler %s has no owner type", h.name))
			continue
		}
		errs = append(errs, h.errs...)
		if prev, dup := r.byOwner[h.owner]; dup {
			errs = append(errs, fmt.Errorf("handlers %s and %s both own %s", prev.name, h.name, h.owner))
			continue
		}
		frozen := h.freeze()
		r.handlers = append(r.handlers, frozen)
		r.byOwner[h.owner] = frozen
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("build deletion registry: %w", errors.Join(errs...))
	}
	return r, nil
}

// MustBuild is Build for static wiring; it panics on a misconfigured registry.
func (b *RegistryBuilder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Handler looks up the handler owning t. ok is false when no handler is
// registered, which is distinct from a handler with no callbacks.
func (r *Registry) Handler(t domain.EntityType) (*Handler, bool) {
	h, ok := r.byOwner[t]
	return h, ok
}

// Handlers returns every handler in registration order.
func (r *Registry) Handlers() []*Handler {
	return append([]*Handler(nil), r.handlers...)
}

// ReferencingTypes lists the owner types whose handlers clean up after a
// deletion of t, in registration order.
func (r *Registry) ReferencingTypes(t domain.EntityType) []domain.EntityType {
	var out []domain.EntityType
	for _, h := range r.handlers {
		if _, ok := h.cascades[t]; ok {
			out = append(out, h.owner)
		}
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int { return len(r.handlers) }
