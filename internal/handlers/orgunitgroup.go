package handlers

import (
	"cascadecore/internal/deletion"
	"cascadecore/pkg/domain"
	"context"

	"go.uber.org/zap"
)

// OrganisationUnitGroup drops deleted organisation units from group members.
func OrganisationUnitGroup(logger *zap.Logger) *deletion.Handler {
	log := logger.Named("organisation-unit-group")
	h := deletion.NewHandler("organisation-unit-group", domain.EntityOrganisationUnitGroup)
	return deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, unit *domain.OrganisationUnit, g *domain.OrganisationUnitGroup) error {
		return save(tx, log, g.RemoveMember(unit.ID), unit, g)
	})
}
