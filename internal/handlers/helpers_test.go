package handlers

import (
	"cascadecore/internal/core"
	"cascadecore/internal/deletion"
	"cascadecore/internal/infra/persistence/memory"
	"cascadecore/pkg/domain"
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

// wrappedStore lets a test intercept the transaction handed to handlers.
type wrappedStore struct {
	*memory.Store
	wrap func(domain.Transaction) domain.Transaction
}

func (s *wrappedStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return s.Store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return fn(s.wrap(tx))
	})
}

// faultyTx fails the failAt-th bypass update.
type faultyTx struct {
	domain.Transaction
	failAt int
	writes int
}

var errDiskFull = errors.New("disk full")

func (t *faultyTx) UpdateBypassingAccessControl(e domain.Entity) (domain.Entity, error) {
	t.writes++
	if t.writes == t.failAt {
		return nil, errDiskFull
	}
	return t.Transaction.UpdateBypassingAccessControl(e)
}

// staleTx reports extra referrers that do not actually hold the reference.
type staleTx struct {
	domain.Transaction
	extra map[domain.EntityType][]domain.Entity
}

func (t *staleTx) FindReferencing(ownerType domain.EntityType, ownerID string, referencingType domain.EntityType) []domain.Entity {
	out := t.Transaction.FindReferencing(ownerType, ownerID, referencingType)
	return append(out, t.extra[referencingType]...)
}

func newStore() *memory.Store {
	return memory.NewStore(core.NewDefaultRulesEngine())
}

func newCoordinator(t *testing.T, store domain.PersistentStore, logger *zap.Logger) *deletion.Coordinator {
	t.Helper()
	registry, err := NewRegistry(logger)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return deletion.NewCoordinator(store, registry, deletion.WithLogger(logger))
}

func seed(t *testing.T, store domain.PersistentStore, entities []domain.Entity, links []core.Link) {
	t.Helper()
	svc := core.NewService(store, nil, nil)
	if _, err := svc.Seed(context.Background(), entities, links); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func ou(id, name string) *domain.OrganisationUnit {
	return &domain.OrganisationUnit{Base: domain.Base{ID: id, Name: name}}
}

func writesTo(changes []domain.Change, t domain.EntityType, id string) int {
	n := 0
	for _, c := range changes {
		if c.Action == domain.ActionUpdate && c.Entity == t && c.EntityID == id {
			n++
		}
	}
	return n
}

// assertNoDangling fails when any stored reference points at a missing entity.
func assertNoDangling(t *testing.T, store domain.PersistentStore) {
	t.Helper()
	for _, typ := range domain.EntityTypes {
		for _, e := range store.List(typ) {
			for target, ids := range e.References() {
				for _, id := range ids {
					if _, ok := store.Get(target, id); !ok {
						t.Errorf("%s %s references missing %s %s", typ, e.EntityID(), target, id)
					}
				}
			}
		}
	}
}
