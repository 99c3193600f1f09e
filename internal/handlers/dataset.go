package handlers

import (
	"cascadecore/internal/deletion"
	"cascadecore/pkg/domain"
	"context"

	"go.uber.org/zap"
)

// DataSet drops deleted organisation units from data set sources.
func DataSet(logger *zap.Logger) *deletion.Handler {
	log := logger.Named("data-set")
	h := deletion.NewHandler("data-set", domain.EntityDataSet)
	return deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, unit *domain.OrganisationUnit, ds *domain.DataSet) error {
		return save(tx, log, ds.RemoveSource(unit.ID), unit, ds)
	})
}
