// Package handlers holds the concrete deletion handlers of the entity graph.
// Each handler maintains one entity type and strips references held by that
// type when a referenced entity is deleted.
package handlers

import (
	"cascadecore/internal/deletion"
	"cascadecore/pkg/domain"

	"go.uber.org/zap"
)

// Default returns the standard handler set in registration order. The
// organisation unit handler comes first so its veto runs before any cascade.
func Default(logger *zap.Logger) []*deletion.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []*deletion.Handler{
		OrganisationUnit(logger),
		DataSet(logger),
		User(logger),
		Program(logger),
		OrganisationUnitGroup(logger),
	}
}

// NewRegistry builds a registry from Default.
func NewRegistry(logger *zap.Logger) (*deletion.Registry, error) {
	b := deletion.NewRegistryBuilder()
	for _, h := range Default(logger) {
		b.Register(h)
	}
	return b.Build()
}

// save writes referrer through the bypass path when changed is true. A
// referrer returned by the reverse lookup that no longer holds the reference
// means the two sides of a relation disagree; that is logged and skipped.
func save(tx domain.Transaction, logger *zap.Logger, changed bool, deleted, referrer domain.Entity) error {
	if !changed {
		logger.Warn("referrer does not hold the reference",
			zap.String("deleted_type", string(deleted.EntityType())),
			zap.String("deleted_id", deleted.EntityID()),
			zap.String("referrer_type", string(referrer.EntityType())),
			zap.String("referrer_id", referrer.EntityID()),
		)
		return nil
	}
	_, err := tx.UpdateBypassingAccessControl(referrer)
	return err
}
