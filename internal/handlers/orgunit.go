package handlers

import (
	"cascadecore/internal/deletion"
	"cascadecore/pkg/domain"
	"context"
	"strings"

	"go.uber.org/zap"
)

// OrganisationUnitHandlerName identifies the organisation unit handler in
// logs and denial errors.
const OrganisationUnitHandlerName = "organisation-unit"

// OrganisationUnit maintains organisation units. It refuses to delete a unit
// that still has children, detaches a deleted unit from its parent, and
// drops deleted data sets, users, programs and groups from every unit.
func OrganisationUnit(logger *zap.Logger) *deletion.Handler {
	log := logger.Named(OrganisationUnitHandlerName)
	h := deletion.NewHandler(OrganisationUnitHandlerName, domain.EntityOrganisationUnit)

	deletion.VetoFor(h, func(_ context.Context, tx domain.Transaction, unit *domain.OrganisationUnit) (deletion.VetoResult, error) {
		if !unit.HasChildren() {
			return deletion.Allow(), nil
		}
		names := make([]string, 0, len(unit.ChildIDs))
		for _, id := range unit.ChildIDs {
			child, ok := tx.Get(domain.EntityOrganisationUnit, id)
			if !ok {
				log.Warn("child unit not found", zap.String("unit_id", unit.ID), zap.String("child_id", id))
				names = append(names, id)
				continue
			}
			names = append(names, child.DisplayName())
		}
		return deletion.Deny(strings.Join(names, ",")), nil
	})

	deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, ds *domain.DataSet, unit *domain.OrganisationUnit) error {
		return save(tx, log, unit.RemoveDataSet(ds.ID), ds, unit)
	})
	deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, user *domain.User, unit *domain.OrganisationUnit) error {
		return save(tx, log, unit.RemoveUser(user.ID), user, unit)
	})
	deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, program *domain.Program, unit *domain.OrganisationUnit) error {
		return save(tx, log, unit.RemoveProgram(program.ID), program, unit)
	})
	deletion.CascadeOn(h, func(_ context.Context, tx domain.Transaction, group *domain.OrganisationUnitGroup, unit *domain.OrganisationUnit) error {
		return save(tx, log, unit.RemoveGroup(group.ID), group, unit)
	})

	deletion.DetachFor(h, func(_ context.Context, tx domain.Transaction, unit *domain.OrganisationUnit) error {
		if !unit.HasParent() {
			return nil
		}
		found, ok := tx.Get(domain.EntityOrganisationUnit, *unit.ParentID)
		if !ok {
			log.Warn("parent unit not found", zap.String("unit_id", unit.ID), zap.String("parent_id", *unit.ParentID))
			return nil
		}
		parent := found.(*domain.OrganisationUnit)
		if !parent.RemoveChild(unit.ID) {
			return nil
		}
		_, err := tx.UpdateBypassingAccessControl(parent)
		return err
	})
	return h
}
