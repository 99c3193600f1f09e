// Package fixtures loads organisation unit graphs from YAML files.
//
// Relationship fields may be written on either side (a unit's data_sets or
// a data set's sources); Load turns them into core.Link values so both
// sides end up consistent once seeded.
package fixtures

import (
	"context"
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"cascadecore/internal/core"
	"cascadecore/pkg/domain"
)

// Graph is the decoded fixture file.
type Graph struct {
	OrganisationUnits      []*domain.OrganisationUnit      `yaml:"organisation_units"`
	DataSets               []*domain.DataSet               `yaml:"data_sets"`
	Users                  []*domain.User                  `yaml:"users"`
	Programs               []*domain.Program               `yaml:"programs"`
	OrganisationUnitGroups []*domain.OrganisationUnitGroup `yaml:"organisation_unit_groups"`
	Links                  []core.Link                     `yaml:"links"`
}

// Load reads and parses path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read fixture %s", path)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "parse fixture %s", path)
	}
	return g, nil
}

// Parse decodes a fixture document and moves inline relationship fields
// into Links.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, errors.Trace(err)
	}
	if err := g.normalise(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *Graph) normalise() error {
	seen := make(map[domain.EntityType]map[string]struct{})
	for _, e := range g.Entities() {
		t, id := e.EntityType(), e.EntityID()
		if id == "" {
			return errors.NotValidf("%s without id", t)
		}
		if seen[t] == nil {
			seen[t] = make(map[string]struct{})
		}
		if _, dup := seen[t][id]; dup {
			return errors.AlreadyExistsf("%s %q in fixture", t, id)
		}
		seen[t][id] = struct{}{}
	}

	var inline []core.Link
	add := func(rel core.Relation, unit string, others []string) {
		for _, other := range others {
			inline = append(inline, core.Link{Relation: rel, UnitID: unit, OtherID: other})
		}
	}
	for _, u := range g.OrganisationUnits {
		if u.ParentID != nil {
			add(core.RelationChild, *u.ParentID, []string{u.ID})
		}
		add(core.RelationChild, u.ID, u.ChildIDs)
		add(core.RelationDataSet, u.ID, u.DataSetIDs)
		add(core.RelationUser, u.ID, u.UserIDs)
		add(core.RelationProgram, u.ID, u.ProgramIDs)
		add(core.RelationGroup, u.ID, u.GroupIDs)
		u.ParentID, u.ChildIDs, u.DataSetIDs, u.UserIDs, u.ProgramIDs, u.GroupIDs = nil, nil, nil, nil, nil, nil
	}
	for _, ds := range g.DataSets {
		for _, unit := range ds.SourceIDs {
			add(core.RelationDataSet, unit, []string{ds.ID})
		}
		ds.SourceIDs = nil
	}
	for _, u := range g.Users {
		for _, unit := range u.OrganisationUnitIDs {
			add(core.RelationUser, unit, []string{u.ID})
		}
		u.OrganisationUnitIDs = nil
	}
	for _, p := range g.Programs {
		for _, unit := range p.OrganisationUnitIDs {
			add(core.RelationProgram, unit, []string{p.ID})
		}
		p.OrganisationUnitIDs = nil
	}
	for _, grp := range g.OrganisationUnitGroups {
		for _, unit := range grp.MemberIDs {
			add(core.RelationGroup, unit, []string{grp.ID})
		}
		grp.MemberIDs = nil
	}
	g.Links = dedupe(append(inline, g.Links...))
	return nil
}

func dedupe(links []core.Link) []core.Link {
	seen := make(map[core.Link]struct{}, len(links))
	out := links[:0]
	for _, l := range links {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

// Entities returns every entity in the fixture, units first.
func (g *Graph) Entities() []domain.Entity {
	var out []domain.Entity
	for _, u := range g.OrganisationUnits {
		out = append(out, u)
	}
	for _, ds := range g.DataSets {
		out = append(out, ds)
	}
	for _, u := range g.Users {
		out = append(out, u)
	}
	for _, p := range g.Programs {
		out = append(out, p)
	}
	for _, grp := range g.OrganisationUnitGroups {
		out = append(out, grp)
	}
	return out
}

// Apply seeds the graph through svc in one transaction.
func (g *Graph) Apply(ctx context.Context, svc *core.Service) (domain.Result, error) {
	res, err := svc.Seed(ctx, g.Entities(), g.Links)
	return res, errors.Annotate(err, "apply fixture")
}
