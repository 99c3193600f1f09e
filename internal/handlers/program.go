package handlers

import (
	"cascadecore/internal/deletion"
	"cascadecore/pkg/domain"
	"context"

	"go.uber.org/zap"
)

// Program drops deleted organisation units from program assignments.
func Program(logger *zap.Logger) *deletion.Handler {
	log := logger.Named("program")
	h := deletion.NewHandler("program", domain.EntityProgram)
	return deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, unit *domain.OrganisationUnit, p *domain.Program) error {
		return save(tx, log, p.RemoveOrganisationUnit(unit.ID), unit, p)
	})
}
