// Package access holds the access policies consulted by user-initiated
// updates. System cascades write through the bypass path and never see them.
package access

import (
	"cascadecore/pkg/domain"
	"context"

	"github.com/juju/errors"
)

var (
	_ domain.AccessPolicy = AllowAll{}
	_ domain.AccessPolicy = ReadOnlyTypes{}
)

// AllowAll permits every update.
type AllowAll struct{}

// CanUpdate implements domain.AccessPolicy.
func (AllowAll) CanUpdate(context.Context, domain.Entity) error { return nil }

// ReadOnlyTypes forbids updates to the listed entity types.
type ReadOnlyTypes map[domain.EntityType]struct{}

// NewReadOnlyTypes builds a policy from type names.
func NewReadOnlyTypes(types ...string) ReadOnlyTypes {
	p := make(ReadOnlyTypes, len(types))
	for _, t := range types {
		p[domain.EntityType(t)] = struct{}{}
	}
	return p
}

// CanUpdate implements domain.AccessPolicy.
func (p ReadOnlyTypes) CanUpdate(_ context.Context, e domain.Entity) error {
	if _, ro := p[e.EntityType()]; ro {
		return errors.Forbiddenf("%s %q is read only", e.EntityType(), e.EntityID())
	}
	return nil
}
