package handlers

import (
	"cascadecore/internal/deletion"
	"cascadecore/pkg/domain"
	"context"

	"go.uber.org/zap"
)

// User drops deleted organisation units from user assignments.
func User(logger *zap.Logger) *deletion.Handler {
	log := logger.Named("user")
	h := deletion.NewHandler("user", domain.EntityUser)
	return deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, unit *domain.OrganisationUnit, user *domain.User) error {
		return save(tx, log, user.RemoveOrganisationUnit(unit.ID), unit, user)
	})
}
