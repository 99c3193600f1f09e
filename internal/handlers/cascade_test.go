package handlers

import (
	"cascadecore/internal/core"
	"cascadecore/internal/deletion"
	"cascadecore/internal/infra/persistence/access"
	"cascadecore/internal/infra/persistence/memory"
	"cascadecore/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// seedDataSetGraph creates units u0..u{n-1} sourcing ds, plus "bystander"
// which does not.
func seedDataSetGraph(t *testing.T, store domain.PersistentStore, n int) {
	t.Helper()
	entities := []domain.Entity{&domain.DataSet{Base: domain.Base{ID: "ds", Name: "Monthly"}}, ou("bystander", "Bystander")}
	var links []core.Link
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("u%d", i)
		entities = append(entities, ou(id, id))
		links = append(links, core.Link{Relation: core.RelationDataSet, UnitID: id, OtherID: "ds"})
	}
	seed(t, store, entities, links)
}

func TestDataSetDeletionStripsEveryReferrerOnce(t *testing.T) {
	store := newStore()
	seedDataSetGraph(t, store, 5)
	before, _ := store.Get(domain.EntityOrganisationUnit, "bystander")

	report, err := newCoordinator(t, store, zap.NewNop()).RequestDeletion(context.Background(), domain.EntityDataSet, "ds")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("u%d", i)
		if n := writesTo(report.Changes, domain.EntityOrganisationUnit, id); n != 1 {
			t.Fatalf("%s persisted %d times, want 1", id, n)
		}
		got, _ := store.Get(domain.EntityOrganisationUnit, id)
		if len(got.(*domain.OrganisationUnit).DataSetIDs) != 0 {
			t.Fatalf("%s still references the data set", id)
		}
	}
	if n := writesTo(report.Changes, domain.EntityOrganisationUnit, "bystander"); n != 0 {
		t.Fatalf("bystander written %d times", n)
	}
	after, _ := store.Get(domain.EntityOrganisationUnit, "bystander")
	if !after.Meta().UpdatedAt.Equal(before.Meta().UpdatedAt) {
		t.Fatal("bystander timestamp changed")
	}
	if report.CascadeWrites() != 5 {
		t.Fatalf("expected 5 cascade writes, got %d", report.CascadeWrites())
	}
	assertNoDangling(t, store)
}

func TestCascadeFailureOnKthWriteCommitsNothing(t *testing.T) {
	const n = 4
	for k := 1; k <= n; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			mem := newStore()
			seedDataSetGraph(t, mem, n)
			before := mem.ExportState()
			store := &wrappedStore{Store: mem, wrap: func(tx domain.Transaction) domain.Transaction {
				return &faultyTx{Transaction: tx, failAt: k}
			}}

			report, err := newCoordinator(t, store, zap.NewNop()).RequestDeletion(context.Background(), domain.EntityDataSet, "ds")
			if !errors.Is(err, deletion.ErrPersistence) {
				t.Fatalf("expected persistence failure, got %v", err)
			}
			if !errors.Is(err, errDiskFull) {
				t.Fatalf("expected cause to be preserved, got %v", err)
			}
			if report.State != deletion.StateFailed || len(report.Changes) != 0 {
				t.Fatalf("unexpected report %+v", report)
			}
			after := mem.ExportState()
			if len(after[domain.EntityDataSet]) != 1 {
				t.Fatal("data set deletion leaked")
			}
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("u%d", i)
				got := after[domain.EntityOrganisationUnit][id].(*domain.OrganisationUnit)
				want := before[domain.EntityOrganisationUnit][id].(*domain.OrganisationUnit)
				if len(got.DataSetIDs) != len(want.DataSetIDs) || !got.UpdatedAt.Equal(want.UpdatedAt) {
					t.Fatalf("%s was modified", id)
				}
			}
		})
	}
}

func TestStaleReferrerIsLoggedAndSkipped(t *testing.T) {
	obs, logs := observer.New(zap.WarnLevel)
	logger := zap.New(obs)
	mem := newStore()
	seedDataSetGraph(t, mem, 2)
	stale, _ := mem.Get(domain.EntityOrganisationUnit, "bystander")
	store := &wrappedStore{Store: mem, wrap: func(tx domain.Transaction) domain.Transaction {
		return &staleTx{Transaction: tx, extra: map[domain.EntityType][]domain.Entity{domain.EntityOrganisationUnit: {stale}}}
	}}

	report, err := newCoordinator(t, store, logger).RequestDeletion(context.Background(), domain.EntityDataSet, "ds")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := writesTo(report.Changes, domain.EntityOrganisationUnit, "bystander"); n != 0 {
		t.Fatalf("stale referrer written %d times", n)
	}
	if report.CascadeWrites() != 2 {
		t.Fatalf("cascade should continue past the stale referrer, writes=%d", report.CascadeWrites())
	}
	entries := logs.FilterMessage("referrer does not hold the reference").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["referrer_id"]; got != "bystander" {
		t.Fatalf("unexpected referrer in log: %v", got)
	}
}

func TestCascadeUsesBypassPath(t *testing.T) {
	mem := memory.NewStore(core.NewDefaultRulesEngine())
	seedDataSetGraph(t, mem, 2)
	// lock everything down after seeding; user updates now fail
	locked := memory.NewStore(core.NewDefaultRulesEngine(), memory.WithAccessPolicy(
		access.NewReadOnlyTypes("OrganisationUnit", "DataSet", "User", "Program", "OrganisationUnitGroup")))
	locked.ImportState(mem.ExportState())

	svc := core.NewService(locked, newCoordinator(t, locked, zap.NewNop()), nil)
	if _, _, err := svc.Update(context.Background(), domain.EntityOrganisationUnit, "u0", func(domain.Entity) error { return nil }); err == nil {
		t.Fatal("expected user update to be refused")
	}
	if _, err := svc.Delete(context.Background(), domain.EntityDataSet, "ds"); err != nil {
		t.Fatalf("cascade should bypass the policy: %v", err)
	}
	for _, e := range locked.List(domain.EntityOrganisationUnit) {
		if len(e.(*domain.OrganisationUnit).DataSetIDs) != 0 {
			t.Fatalf("%s not cleaned", e.EntityID())
		}
	}
}

func TestConcurrentDeletionsDoNotLoseUpdates(t *testing.T) {
	const n = 20
	store := newStore()
	entities := []domain.Entity{ou("hub", "Hub")}
	var links []core.Link
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ds%02d", i)
		entities = append(entities, &domain.DataSet{Base: domain.Base{ID: id}})
		links = append(links, core.Link{Relation: core.RelationDataSet, UnitID: "hub", OtherID: id})
	}
	seed(t, store, entities, links)
	coord := newCoordinator(t, store, zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := coord.RequestDeletion(context.Background(), domain.EntityDataSet, id); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("ds%02d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("delete: %v", err)
	}
	got, _ := store.Get(domain.EntityOrganisationUnit, "hub")
	if ids := got.(*domain.OrganisationUnit).DataSetIDs; len(ids) != 0 {
		t.Fatalf("lost updates left %v", ids)
	}
	assertNoDangling(t, store)
}

func TestMembershipHandlersStripUnit(t *testing.T) {
	store := newStore()
	seed(t, store,
		[]domain.Entity{
			ou("a", "A"), ou("b", "B"),
			&domain.User{Base: domain.Base{ID: "u"}, Username: "bob"},
			&domain.Program{Base: domain.Base{ID: "p"}},
			&domain.OrganisationUnitGroup{Base: domain.Base{ID: "g"}},
		},
		[]core.Link{
			{Relation: core.RelationUser, UnitID: "a", OtherID: "u"},
			{Relation: core.RelationUser, UnitID: "b", OtherID: "u"},
			{Relation: core.RelationProgram, UnitID: "a", OtherID: "p"},
			{Relation: core.RelationGroup, UnitID: "a", OtherID: "g"},
			{Relation: core.RelationGroup, UnitID: "b", OtherID: "g"},
		})
	coord := newCoordinator(t, store, zap.NewNop())
	if _, err := coord.RequestDeletion(context.Background(), domain.EntityOrganisationUnit, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	u, _ := store.Get(domain.EntityUser, "u")
	if ids := u.(*domain.User).OrganisationUnitIDs; len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("user units %v", ids)
	}
	p, _ := store.Get(domain.EntityProgram, "p")
	if ids := p.(*domain.Program).OrganisationUnitIDs; len(ids) != 0 {
		t.Fatalf("program units %v", ids)
	}
	g, _ := store.Get(domain.EntityOrganisationUnitGroup, "g")
	if ids := g.(*domain.OrganisationUnitGroup).MemberIDs; len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("group members %v", ids)
	}

	for _, target := range []struct {
		typ domain.EntityType
		id  string
	}{{domain.EntityUser, "u"}, {domain.EntityProgram, "p"}, {domain.EntityOrganisationUnitGroup, "g"}} {
		if _, err := coord.RequestDeletion(context.Background(), target.typ, target.id); err != nil {
			t.Fatalf("delete %s: %v", target.typ, err)
		}
	}
	b, _ := store.Get(domain.EntityOrganisationUnit, "b")
	unit := b.(*domain.OrganisationUnit)
	if len(unit.UserIDs) != 0 || len(unit.ProgramIDs) != 0 || len(unit.GroupIDs) != 0 {
		t.Fatalf("unit b still references deleted entities: %+v", unit)
	}
	assertNoDangling(t, store)
}

func TestDefaultRegistrationOrder(t *testing.T) {
	var names []string
	for _, h := range Default(nil) {
		names = append(names, h.Name())
	}
	want := []string{"organisation-unit", "data-set", "user", "program", "organisation-unit-group"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	registry, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	got := registry.ReferencingTypes(domain.EntityOrganisationUnit)
	wantTypes := []domain.EntityType{domain.EntityDataSet, domain.EntityUser, domain.EntityProgram, domain.EntityOrganisationUnitGroup}
	if fmt.Sprint(got) != fmt.Sprint(wantTypes) {
		t.Fatalf("referencing types %v", got)
	}
}
