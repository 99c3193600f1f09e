package domain

import (
	"context"

	"github.com/juju/errors"
)

// Transaction exposes the entity operations a persistence implementation must
// support within one atomic scope. Entities passed in and returned are
// copies; mutating them has no effect until Update is called.
type Transaction interface {
	Snapshot() TransactionView
	Get(t EntityType, id string) (Entity, bool)
	List(t EntityType) []Entity
	Create(e Entity) (Entity, error)
	// Update persists e after consulting the store's access policy.
	Update(e Entity) (Entity, error)
	// UpdateBypassingAccessControl persists e without the access policy. It
	// is reserved for system-triggered integrity fixups.
	UpdateBypassingAccessControl(e Entity) (Entity, error)
	Delete(t EntityType, id string) error
	// FindReferencing returns every live instance of referencingType holding
	// a reference to (ownerType, ownerID), ascending by id.
	FindReferencing(ownerType EntityType, ownerID string, referencingType EntityType) []Entity
	Changes() []Change
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	FindReferencing(ownerType EntityType, ownerID string, referencingType EntityType) []Entity
}

// PersistentStore is a minimal abstraction over transactional backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Get(t EntityType, id string) (Entity, bool)
	List(t EntityType) []Entity
}

// AccessPolicy decides whether a user-initiated update may be written.
type AccessPolicy interface {
	CanUpdate(ctx context.Context, e Entity) error
}

// NotFound builds the error returned when an id does not resolve.
func NotFound(t EntityType, id string) error {
	return errors.NotFoundf("%s %q", t, id)
}

// IsNotFound reports whether err was produced by NotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.NotFound)
}
