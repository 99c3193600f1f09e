package core

import (
	"cascadecore/internal/deletion"
	"cascadecore/internal/infra/persistence/access"
	"cascadecore/internal/infra/persistence/memory"
	"cascadecore/pkg/domain"
	"context"
	"testing"

	"github.com/juju/errors"
)

func TestServiceSeedLinksBothSides(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	entities := []Entity{
		unit("root"),
		unit("leaf"),
		&domain.DataSet{Base: domain.Base{ID: "ds"}},
		&domain.User{Base: domain.Base{ID: "u"}, Username: "alice"},
		&domain.Program{Base: domain.Base{ID: "p"}},
		&domain.OrganisationUnitGroup{Base: domain.Base{ID: "g"}},
	}
	links := []Link{
		{Relation: RelationChild, UnitID: "root", OtherID: "leaf"},
		{Relation: RelationDataSet, UnitID: "leaf", OtherID: "ds"},
		{Relation: RelationUser, UnitID: "leaf", OtherID: "u"},
		{Relation: RelationProgram, UnitID: "leaf", OtherID: "p"},
		{Relation: RelationGroup, UnitID: "leaf", OtherID: "g"},
	}
	res, err := svc.Seed(ctx, entities, links)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("expected consistent graph, got %+v", res.Violations)
	}

	got, _ := svc.Get(EntityOrganisationUnit, "leaf")
	leaf := got.(*domain.OrganisationUnit)
	if leaf.ParentID == nil || *leaf.ParentID != "root" {
		t.Fatalf("expected parent root, got %v", leaf.ParentID)
	}
	if len(leaf.DataSetIDs) != 1 || len(leaf.UserIDs) != 1 || len(leaf.ProgramIDs) != 1 || len(leaf.GroupIDs) != 1 {
		t.Fatalf("unit side not linked: %+v", leaf)
	}
	got, _ = svc.Get(EntityDataSet, "ds")
	if ds := got.(*domain.DataSet); !domain.ContainsID(ds.SourceIDs, "leaf") {
		t.Fatalf("data set side not linked: %+v", ds)
	}
	got, _ = svc.Get(EntityOrganisationUnit, "root")
	if root := got.(*domain.OrganisationUnit); len(root.ChildIDs) != 1 || root.ChildIDs[0] != "leaf" {
		t.Fatalf("unexpected children %v", root.ChildIDs)
	}
}

func TestServiceSeedRollsBackOnBadLink(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, err := svc.Seed(ctx, []Entity{unit("a")}, []Link{{Relation: RelationDataSet, UnitID: "a", OtherID: "missing"}})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := svc.Get(EntityOrganisationUnit, "a"); ok {
		t.Fatal("seed should be atomic")
	}
}

func TestServiceLinkRejectsSecondParent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, err := svc.Seed(ctx, []Entity{unit("a"), unit("b"), unit("c")}, []Link{{Relation: RelationChild, UnitID: "a", OtherID: "c"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Link(ctx, Link{Relation: RelationChild, UnitID: "b", OtherID: "c"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected not valid, got %v", err)
	}
	if _, err := svc.Link(ctx, Link{Relation: "sibling", UnitID: "a", OtherID: "b"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected not valid relation, got %v", err)
	}
}

func TestServiceLinkRejectsHierarchyCycles(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, err := svc.Seed(ctx, []Entity{unit("a"), unit("b"), unit("c")}, []Link{
		{Relation: RelationChild, UnitID: "a", OtherID: "b"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Link(ctx, Link{Relation: RelationChild, UnitID: "b", OtherID: "a"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected direct cycle to be rejected, got %v", err)
	}
	if _, err := svc.Link(ctx, Link{Relation: RelationChild, UnitID: "b", OtherID: "c"}); err != nil {
		t.Fatalf("link b->c: %v", err)
	}
	if _, err := svc.Link(ctx, Link{Relation: RelationChild, UnitID: "c", OtherID: "a"}); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected indirect cycle to be rejected, got %v", err)
	}
	got, _ := svc.Get(EntityOrganisationUnit, "a")
	if a := got.(*domain.OrganisationUnit); a.HasParent() {
		t.Fatalf("root gained a parent %q", *a.ParentID)
	}
	got, _ = svc.Get(EntityOrganisationUnit, "c")
	if c := got.(*domain.OrganisationUnit); c.HasChildren() {
		t.Fatalf("leaf gained children %v", c.ChildIDs)
	}

	// a seed that would close a loop is rejected as a whole
	_, err = svc.Seed(ctx, []Entity{unit("x"), unit("y")}, []Link{
		{Relation: RelationChild, UnitID: "x", OtherID: "y"},
		{Relation: RelationChild, UnitID: "y", OtherID: "x"},
	})
	if !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected seeded cycle to be rejected, got %v", err)
	}
	if _, ok := svc.Get(EntityOrganisationUnit, "x"); ok {
		t.Fatal("rejected seed must not commit")
	}
}

func TestServiceUpdateHonoursAccessPolicy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithAccessPolicy(access.NewReadOnlyTypes("DataSet")))
	svc := NewService(store, deletion.NewCoordinator(store, deletion.NewRegistryBuilder().MustBuild()), nil)
	if _, _, err := svc.Create(ctx, &domain.DataSet{Base: domain.Base{ID: "ds", Name: "Old"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err := svc.Update(ctx, EntityDataSet, "ds", func(e Entity) error {
		e.Meta().Name = "New"
		return nil
	})
	if !errors.Is(err, errors.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, _ := svc.Get(EntityDataSet, "ds")
	if got.DisplayName() != "Old" {
		t.Fatalf("update should not have applied, name %q", got.DisplayName())
	}
}

func TestServiceDeleteRoutesThroughCoordinator(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	if _, _, err := svc.Create(ctx, unit("solo")); err != nil {
		t.Fatalf("create: %v", err)
	}
	report, err := svc.Delete(ctx, EntityOrganisationUnit, "solo")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if report.State != deletion.StateDeleted {
		t.Fatalf("expected deleted, got %s", report.State)
	}
	if len(svc.List(EntityOrganisationUnit)) != 0 {
		t.Fatal("expected empty store")
	}
}
