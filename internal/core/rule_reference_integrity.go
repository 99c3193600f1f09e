package core

import (
	"cascadecore/pkg/domain"
	"context"
	"fmt"
)

const referenceIntegrityRuleName = "reference_integrity"

// ReferenceIntegrityRule checks the entities touched by a transaction.
// A reference to a missing entity blocks the commit, so does a surviving
// entity that still points at a deleted one. A reference the target does not
// reciprocate is reported as a warning.
func ReferenceIntegrityRule() domain.Rule {
	return referenceIntegrityRule{}
}

type referenceIntegrityRule struct{}

type reverseLookup interface {
	FindReferencing(ownerType domain.EntityType, ownerID string, referencingType domain.EntityType) []domain.Entity
}

func (referenceIntegrityRule) Name() string { return referenceIntegrityRuleName }

func (referenceIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		switch change.Action {
		case domain.ActionCreate, domain.ActionUpdate:
			// a later change in the same transaction may have removed it
			current, ok := view.Get(change.Entity, change.EntityID)
			if !ok {
				continue
			}
			checkOutgoing(&res, view, current)
		case domain.ActionDelete:
			checkDangling(&res, view, change.Entity, change.EntityID)
		}
	}
	return res, nil
}

func checkOutgoing(res *domain.Result, view domain.RuleView, e domain.Entity) {
	refs := e.References()
	for _, targetType := range domain.EntityTypes {
		ids := refs[targetType]
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if targetType == e.EntityType() && id == e.EntityID() {
				res.Violations = append(res.Violations, referenceViolation(e, domain.SeverityBlock,
					fmt.Sprintf("%s %s references itself", e.EntityType(), e.EntityID())))
				continue
			}
			target, ok := view.Get(targetType, id)
			if !ok {
				res.Violations = append(res.Violations, referenceViolation(e, domain.SeverityBlock,
					fmt.Sprintf("%s %s references missing %s %s", e.EntityType(), e.EntityID(), targetType, id)))
				continue
			}
			if !domain.ContainsID(target.References()[e.EntityType()], e.EntityID()) {
				res.Violations = append(res.Violations, referenceViolation(e, domain.SeverityWarn,
					fmt.Sprintf("%s %s is not linked back from %s %s", e.EntityType(), e.EntityID(), targetType, id)))
			}
		}
	}
}

func checkDangling(res *domain.Result, view domain.RuleView, t domain.EntityType, id string) {
	for _, referencingType := range domain.EntityTypes {
		for _, e := range referencing(view, t, id, referencingType) {
			res.Violations = append(res.Violations, referenceViolation(e, domain.SeverityBlock,
				fmt.Sprintf("%s %s still references deleted %s %s", e.EntityType(), e.EntityID(), t, id)))
		}
	}
}

func referencing(view domain.RuleView, t domain.EntityType, id string, referencingType domain.EntityType) []domain.Entity {
	if rl, ok := view.(reverseLookup); ok {
		return rl.FindReferencing(t, id, referencingType)
	}
	var out []domain.Entity
	for _, e := range view.List(referencingType) {
		if domain.ContainsID(e.References()[t], id) {
			out = append(out, e)
		}
	}
	return out
}

func referenceViolation(e domain.Entity, severity domain.Severity, message string) domain.Violation {
	return domain.Violation{
		Rule:     referenceIntegrityRuleName,
		Severity: severity,
		Message:  message,
		Entity:   e.EntityType(),
		EntityID: e.EntityID(),
	}
}
