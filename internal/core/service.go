package core

import (
	"cascadecore/internal/deletion"
	"cascadecore/pkg/domain"
	"context"
	"fmt"

	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Relation names one of the bidirectional links an organisation unit takes
// part in.
type Relation string

const (
	// RelationChild places OtherID under the unit in the hierarchy.
	RelationChild Relation = "child"
	// RelationDataSet assigns the data set to the unit.
	RelationDataSet Relation = "data_set"
	// RelationUser attaches the user to the unit.
	RelationUser Relation = "user"
	// RelationProgram enrols the unit in the program.
	RelationProgram Relation = "program"
	// RelationGroup adds the unit to the group.
	RelationGroup Relation = "group"
)

// Link connects UnitID to OtherID through Relation. For RelationChild the
// unit is the parent and OtherID the child unit.
type Link struct {
	Relation Relation `yaml:"relation"`
	UnitID   string   `yaml:"unit"`
	OtherID  string   `yaml:"other"`
}

// Service exposes transactional graph operations on top of a store and
// routes deletions through the coordinator.
type Service struct {
	store       PersistentStore
	coordinator *deletion.Coordinator
	logger      *zap.Logger
}

// NewService constructs a service. logger may be nil.
func NewService(store PersistentStore, coordinator *deletion.Coordinator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, coordinator: coordinator, logger: logger}
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Coordinator returns the deletion coordinator.
func (s *Service) Coordinator() *deletion.Coordinator { return s.coordinator }

// Create persists a new entity.
func (s *Service) Create(ctx context.Context, e Entity) (Entity, Result, error) {
	var created Entity
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.Create(e)
		return err
	})
	return created, res, err
}

// Update mutates an entity through the access-checked path.
func (s *Service) Update(ctx context.Context, t EntityType, id string, mutator func(Entity) error) (Entity, Result, error) {
	var updated Entity
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		current, ok := tx.Get(t, id)
		if !ok {
			return domain.NotFound(t, id)
		}
		if err := mutator(current); err != nil {
			return err
		}
		var err error
		updated, err = tx.Update(current)
		return err
	})
	return updated, res, err
}

// Link sets both sides of a relation in one transaction.
func (s *Service) Link(ctx context.Context, link Link) (Result, error) {
	return s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return applyLink(tx, link)
	})
}

// Seed creates entities and links them in a single transaction. Entities
// should be passed without back references; links fill in both sides.
func (s *Service) Seed(ctx context.Context, entities []Entity, links []Link) (Result, error) {
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		for _, e := range entities {
			if _, err := tx.Create(e); err != nil {
				return err
			}
		}
		for _, link := range links {
			if err := applyLink(tx, link); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.logger.Info("graph seeded", zap.Int("entities", len(entities)), zap.Int("links", len(links)))
	}
	return res, err
}

// Delete routes a deletion request through the coordinator.
func (s *Service) Delete(ctx context.Context, t EntityType, id string) (deletion.Report, error) {
	return s.coordinator.RequestDeletion(ctx, t, id)
}

// DeleteMany deletes ids of one type, each in its own transaction.
func (s *Service) DeleteMany(ctx context.Context, t EntityType, ids []string) ([]deletion.BatchResult, error) {
	return s.coordinator.RequestDeletions(ctx, t, ids)
}

// List returns copies of every entity of type t ordered by id.
func (s *Service) List(t EntityType) []Entity { return s.store.List(t) }

// Get returns a copy of one entity.
func (s *Service) Get(t EntityType, id string) (Entity, bool) { return s.store.Get(t, id) }

var relationTypes = map[Relation]EntityType{
	RelationChild:   EntityOrganisationUnit,
	RelationDataSet: EntityDataSet,
	RelationUser:    EntityUser,
	RelationProgram: EntityProgram,
	RelationGroup:   EntityOrganisationUnitGroup,
}

func applyLink(tx Transaction, link Link) error {
	otherType, ok := relationTypes[link.Relation]
	if !ok {
		return errors.NotValidf("relation %q", link.Relation)
	}
	found, ok := tx.Get(EntityOrganisationUnit, link.UnitID)
	if !ok {
		return domain.NotFound(EntityOrganisationUnit, link.UnitID)
	}
	unit := found.(*domain.OrganisationUnit)
	other, ok := tx.Get(otherType, link.OtherID)
	if !ok {
		return domain.NotFound(otherType, link.OtherID)
	}

	switch o := other.(type) {
	case *domain.OrganisationUnit:
		if o.ID == unit.ID {
			return errors.NotValidf("unit %q as its own child", unit.ID)
		}
		if o.HasParent() && *o.ParentID != unit.ID {
			return errors.NotValidf("unit %q already has parent %q", o.ID, *o.ParentID)
		}
		if descendsFrom(tx, unit, o.ID) {
			return errors.NotValidf("unit %q under its own descendant %q", o.ID, unit.ID)
		}
		parent := unit.ID
		o.ParentID = &parent
		unit.AddChild(o.ID)
	case *domain.DataSet:
		unit.DataSetIDs = appendID(unit.DataSetIDs, o.ID)
		o.SourceIDs = appendID(o.SourceIDs, unit.ID)
	case *domain.User:
		unit.UserIDs = appendID(unit.UserIDs, o.ID)
		o.OrganisationUnitIDs = appendID(o.OrganisationUnitIDs, unit.ID)
	case *domain.Program:
		unit.ProgramIDs = appendID(unit.ProgramIDs, o.ID)
		o.OrganisationUnitIDs = appendID(o.OrganisationUnitIDs, unit.ID)
	case *domain.OrganisationUnitGroup:
		unit.GroupIDs = appendID(unit.GroupIDs, o.ID)
		o.MemberIDs = appendID(o.MemberIDs, unit.ID)
	default:
		return fmt.Errorf("unsupported link target %T", other)
	}

	if _, err := tx.Update(unit); err != nil {
		return err
	}
	_, err := tx.Update(other)
	return err
}

// descendsFrom reports whether ancestorID sits on unit's parent chain. The
// walk stops at a unit already visited so a corrupt chain cannot spin.
func descendsFrom(tx Transaction, unit *domain.OrganisationUnit, ancestorID string) bool {
	seen := map[string]bool{unit.ID: true}
	current := unit
	for current.HasParent() {
		parentID := *current.ParentID
		if parentID == ancestorID {
			return true
		}
		if seen[parentID] {
			return false
		}
		seen[parentID] = true
		found, ok := tx.Get(EntityOrganisationUnit, parentID)
		if !ok {
			return false
		}
		current = found.(*domain.OrganisationUnit)
	}
	return false
}

func appendID(ids []string, id string) []string {
	if domain.ContainsID(ids, id) {
		return ids
	}
	return append(ids, id)
}
