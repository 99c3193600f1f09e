// Package deletion dispatches entity deletions to per-type handlers that can
// veto a deletion or strip now-dangling references from dependent entities.
//
// A Handler is bound to the entity type it maintains (its owner type) and
// carries sparse callback tables keyed by the type being deleted. Only the
// callbacks a handler actually implements are registered.
package deletion

import (
	"cascadecore/pkg/domain"
	"context"
	"fmt"
)

// VetoResult is either allowed or denied with a human readable reason.
type VetoResult struct {
	denied bool
	reason string
}

// Allow returns a result that permits the deletion.
func Allow() VetoResult { return VetoResult{} }

// Deny returns a result that blocks the deletion with reason.
func Deny(reason string) VetoResult { return VetoResult{denied: true, reason: reason} }

// Allowed reports whether no constraint was violated.
func (v VetoResult) Allowed() bool { return !v.denied }

// Reason returns the denial reason; empty when allowed.
func (v VetoResult) Reason() string { return v.reason }

// VetoFunc checks whether target may be deleted. It must not mutate anything.
type VetoFunc func(ctx context.Context, tx domain.Transaction, target domain.Entity) (VetoResult, error)

// CascadeFunc strips references to deleted out of referrer and persists
// referrer through the bypass path when it changed.
type CascadeFunc func(ctx context.Context, tx domain.Transaction, deleted, referrer domain.Entity) error

// DetachFunc detaches target from its structural container right before
// target itself is deleted. It must be a no-op when there is nothing to detach.
type DetachFunc func(ctx context.Context, tx domain.Transaction, target domain.Entity) error

// Handler groups the callbacks for one maintained entity type.
type Handler struct {
	name     string
	owner    domain.EntityType
	vetoes   map[domain.EntityType]VetoFunc
	cascades map[domain.EntityType]CascadeFunc
	detach   DetachFunc
	errs     []error
}

// NewHandler constructs an empty handler for the owner type.
func NewHandler(name string, owner domain.EntityType) *Handler {
	return &Handler{
		name:     name,
		owner:    owner,
		vetoes:   make(map[domain.EntityType]VetoFunc),
		cascades: make(map[domain.EntityType]CascadeFunc),
	}
}

// Name returns the handler name used in logs.
func (h *Handler) Name() string { return h.name }

// OwnerTypeName returns the registry key.
func (h *Handler) OwnerTypeName() domain.EntityType { return h.owner }

// OnVeto registers a veto for deletions of t.
func (h *Handler) OnVeto(t domain.EntityType, fn VetoFunc) *Handler {
	if fn == nil {
		h.errs = append(h.errs, fmt.Errorf("handler %s: nil veto for %s", h.name, t))
		return h
	}
	if _, dup := h.vetoes[t]; dup {
		h.errs = append(h.errs, fmt.Errorf("handler %s: duplicate veto for %s", h.name, t))
		return h
	}
	h.vetoes[t] = fn
	return h
}

// OnCascade registers the cleanup run on each owner-type instance that
// references a deleted instance of t.
func (h *Handler) OnCascade(t domain.EntityType, fn CascadeFunc) *Handler {
	if fn == nil {
		h.errs = append(h.errs, fmt.Errorf("handler %s: nil cascade for %s", h.name, t))
		return h
	}
	if _, dup := h.cascades[t]; dup {
		h.errs = append(h.errs, fmt.Errorf("handler %s: duplicate cascade for %s", h.name, t))
		return h
	}
	h.cascades[t] = fn
	return h
}

// OnDetach registers the structural self-detach for the owner type.
func (h *Handler) OnDetach(fn DetachFunc) *Handler {
	if fn == nil || h.detach != nil {
		h.errs = append(h.errs, fmt.Errorf("handler %s: detach must be set exactly once", h.name))
		return h
	}
	h.detach = fn
	return h
}

// Veto returns the veto registered for deletions of t.
func (h *Handler) Veto(t domain.EntityType) (VetoFunc, bool) {
	fn, ok := h.vetoes[t]
	return fn, ok
}

// Cascade returns the cascade registered for deletions of t.
func (h *Handler) Cascade(t domain.EntityType) (CascadeFunc, bool) {
	fn, ok := h.cascades[t]
	return fn, ok
}

// Detach returns the self-detach callback, if any.
func (h *Handler) Detach() (DetachFunc, bool) {
	return h.detach, h.detach != nil
}

// VetoTypes lists the deleted types h can veto, in domain.EntityTypes order.
func (h *Handler) VetoTypes() []domain.EntityType { return keysInOrder(h.vetoes) }

// CascadeTypes lists the deleted types h cleans up after.
func (h *Handler) CascadeTypes() []domain.EntityType { return keysInOrder(h.cascades) }

func keysInOrder[F any](m map[domain.EntityType]F) []domain.EntityType {
	var out []domain.EntityType
	for _, t := range domain.EntityTypes {
		if _, ok := m[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) freeze() *Handler {
	cp := &Handler{
		name:     h.name,
		owner:    h.owner,
		vetoes:   make(map[domain.EntityType]VetoFunc, len(h.vetoes)),
		cascades: make(map[domain.EntityType]CascadeFunc, len(h.cascades)),
		detach:   h.detach,
	}
	for t, fn := range h.vetoes {
		cp.vetoes[t] = fn
	}
	for t, fn := range h.cascades {
		cp.cascades[t] = fn
	}
	return cp
}

func typeOf[T domain.Entity]() domain.EntityType {
	var zero T
	return zero.EntityType()
}

func typeMismatch(want domain.EntityType, got domain.Entity) error {
	if got == nil {
		return fmt.Errorf("expected %s, got nil entity", want)
	}
	return fmt.Errorf("expected %s, got %s %q", want, got.EntityType(), got.EntityID())
}

// VetoFor registers a typed veto on deletions of T.
func VetoFor[T domain.Entity](h *Handler, fn func(ctx context.Context, tx domain.Transaction, target T) (VetoResult, error)) *Handler {
	want := typeOf[T]()
	return h.OnVeto(want, func(ctx context.Context, tx domain.Transaction, target domain.Entity) (VetoResult, error) {
		typed, ok := target.(T)
		if !ok {
			return VetoResult{}, typeMismatch(want, target)
		}
		return fn(ctx, tx, typed)
	})
}

// CascadeOn registers a typed cleanup run on each R referencing a deleted D.
// R must be the handler's owner type.
func CascadeOn[D, R domain.Entity](h *Handler, fn func(ctx context.Context, tx domain.Transaction, deleted D, referrer R) error) *Handler {
	deletedType, referrerType := typeOf[D](), typeOf[R]()
	if referrerType != h.owner {
		h.errs = append(h.errs, fmt.Errorf("handler %s: cascade on %s maintains %s, not %s", h.name, deletedType, referrerType, h.owner))
		return h
	}
	return h.OnCascade(deletedType, func(ctx context.Context, tx domain.Transaction, deleted, referrer domain.Entity) error {
		d, ok := deleted.(D)
		if !ok {
			return typeMismatch(deletedType, deleted)
		}
		r, ok := referrer.(R)
		if !ok {
			return typeMismatch(referrerType, referrer)
		}
		return fn(ctx, tx, d, r)
	})
}

// DetachFor registers a typed self-detach. T must be the handler's owner type.
func DetachFor[T domain.Entity](h *Handler, fn func(ctx context.Context, tx domain.Transaction, target T) error) *Handler {
	want := typeOf[T]()
	if want != h.owner {
		h.errs = append(h.errs, fmt.Errorf("handler %s: detach for %s on %s handler", h.name, want, h.owner))
		return h
	}
	return h.OnDetach(func(ctx context.Context, tx domain.Transaction, target domain.Entity) error {
		typed, ok := target.(T)
		if !ok {
			return typeMismatch(want, target)
		}
		return fn(ctx, tx, typed)
	})
}
