package core

import "cascadecore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Entity             = domain.Entity
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	RulesEngine        = domain.RulesEngine
	Transaction        = domain.Transaction
	TransactionView    = domain.TransactionView
	PersistentStore    = domain.PersistentStore
)

const (
	EntityOrganisationUnit      = domain.EntityOrganisationUnit
	EntityDataSet               = domain.EntityDataSet
	EntityUser                  = domain.EntityUser
	EntityProgram               = domain.EntityProgram
	EntityOrganisationUnitGroup = domain.EntityOrganisationUnitGroup
)
