// Package domain defines the entity graph, change records, and rule
// evaluation primitives used by cascadecore.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the entity graph. The
// value doubles as the deletion handler registry key.
type EntityType string

// Supported entity type identifiers.
const (
	// EntityOrganisationUnit identifies a hierarchical organisation unit.
	EntityOrganisationUnit EntityType = "OrganisationUnit"
	// EntityDataSet identifies a data set assigned to organisation units.
	EntityDataSet EntityType = "DataSet"
	// EntityUser identifies a user attached to organisation units.
	EntityUser EntityType = "User"
	// EntityProgram identifies a program associated with organisation units.
	EntityProgram EntityType = "Program"
	// EntityOrganisationUnitGroup identifies a group of organisation units.
	EntityOrganisationUnitGroup EntityType = "OrganisationUnitGroup"
)

// EntityTypes lists every known entity type in bucket order.
var EntityTypes = []EntityType{
	EntityOrganisationUnit,
	EntityDataSet,
	EntityUser,
	EntityProgram,
	EntityOrganisationUnitGroup,
}

// Entity is any identifiable record in the graph. References reports every
// outgoing reference grouped by the referenced type; stores use it to answer
// reverse lookups and rules use it to detect dangling pointers.
type Entity interface {
	EntityID() string
	EntityType() EntityType
	DisplayName() string
	References() map[EntityType][]string
	Meta() *Base
	Clone() Entity
}

// Base contains common fields for all records.
type Base struct {
	ID        string    `json:"id" yaml:"id"`
	Code      string    `json:"code,omitempty" yaml:"code,omitempty"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// EntityID returns the stable identity.
func (b Base) EntityID() string { return b.ID }

// DisplayName returns the human readable name, falling back to the id.
func (b Base) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// Meta exposes the mutable common fields to persistence implementations.
func (b *Base) Meta() *Base { return b }

// OrganisationUnit is a node in the organisational hierarchy. The parent
// reference is a weak back-pointer; ChildIDs keeps insertion order.
type OrganisationUnit struct {
	Base       `yaml:",inline"`
	ParentID   *string  `json:"parent_id,omitempty" yaml:"parent,omitempty"`
	ChildIDs   []string `json:"child_ids" yaml:"children,omitempty"`
	DataSetIDs []string `json:"data_set_ids" yaml:"data_sets,omitempty"`
	UserIDs    []string `json:"user_ids" yaml:"users,omitempty"`
	ProgramIDs []string `json:"program_ids" yaml:"programs,omitempty"`
	GroupIDs   []string `json:"group_ids" yaml:"groups,omitempty"`
}

// EntityType implements Entity.
func (*OrganisationUnit) EntityType() EntityType { return EntityOrganisationUnit }

// References implements Entity.
func (u *OrganisationUnit) References() map[EntityType][]string {
	units := cloneIDs(u.ChildIDs)
	if u.ParentID != nil && *u.ParentID != "" {
		units = append(units, *u.ParentID)
	}
	return map[EntityType][]string{
		EntityOrganisationUnit:      units,
		EntityDataSet:               cloneIDs(u.DataSetIDs),
		EntityUser:                  cloneIDs(u.UserIDs),
		EntityProgram:               cloneIDs(u.ProgramIDs),
		EntityOrganisationUnitGroup: cloneIDs(u.GroupIDs),
	}
}

// Clone implements Entity.
func (u *OrganisationUnit) Clone() Entity {
	cp := *u
	if u.ParentID != nil {
		parent := *u.ParentID
		cp.ParentID = &parent
	}
	cp.ChildIDs = cloneIDs(u.ChildIDs)
	cp.DataSetIDs = cloneIDs(u.DataSetIDs)
	cp.UserIDs = cloneIDs(u.UserIDs)
	cp.ProgramIDs = cloneIDs(u.ProgramIDs)
	cp.GroupIDs = cloneIDs(u.GroupIDs)
	return &cp
}

// HasParent reports whether the unit is attached below another unit.
func (u *OrganisationUnit) HasParent() bool {
	return u.ParentID != nil && *u.ParentID != ""
}

// HasChildren reports whether any child is still attached.
func (u *OrganisationUnit) HasChildren() bool { return len(u.ChildIDs) > 0 }

// AddChild appends a child id unless it is already present.
func (u *OrganisationUnit) AddChild(id string) {
	if !ContainsID(u.ChildIDs, id) {
		u.ChildIDs = append(u.ChildIDs, id)
	}
}

// RemoveChild detaches the child id, reporting whether it was present.
func (u *OrganisationUnit) RemoveChild(id string) bool {
	var ok bool
	u.ChildIDs, ok = RemoveID(u.ChildIDs, id)
	return ok
}

// RemoveDataSet drops a data set assignment.
func (u *OrganisationUnit) RemoveDataSet(id string) bool {
	var ok bool
	u.DataSetIDs, ok = RemoveID(u.DataSetIDs, id)
	return ok
}

// RemoveUser drops a user membership.
func (u *OrganisationUnit) RemoveUser(id string) bool {
	var ok bool
	u.UserIDs, ok = RemoveID(u.UserIDs, id)
	return ok
}

// RemoveProgram drops a program association.
func (u *OrganisationUnit) RemoveProgram(id string) bool {
	var ok bool
	u.ProgramIDs, ok = RemoveID(u.ProgramIDs, id)
	return ok
}

// RemoveGroup drops a group membership.
func (u *OrganisationUnit) RemoveGroup(id string) bool {
	var ok bool
	u.GroupIDs, ok = RemoveID(u.GroupIDs, id)
	return ok
}

// DataSet is assigned to a set of source organisation units.
type DataSet struct {
	Base       `yaml:",inline"`
	PeriodType string   `json:"period_type,omitempty" yaml:"period_type,omitempty"`
	SourceIDs  []string `json:"source_ids" yaml:"sources,omitempty"`
}

// EntityType implements Entity.
func (*DataSet) EntityType() EntityType { return EntityDataSet }

// References implements Entity.
func (d *DataSet) References() map[EntityType][]string {
	return map[EntityType][]string{EntityOrganisationUnit: cloneIDs(d.SourceIDs)}
}

// Clone implements Entity.
func (d *DataSet) Clone() Entity {
	cp := *d
	cp.SourceIDs = cloneIDs(d.SourceIDs)
	return &cp
}

// RemoveSource drops an organisation unit from the data set sources.
func (d *DataSet) RemoveSource(id string) bool {
	var ok bool
	d.SourceIDs, ok = RemoveID(d.SourceIDs, id)
	return ok
}

// User is granted access to a set of organisation units.
type User struct {
	Base                `yaml:",inline"`
	Username            string   `json:"username" yaml:"username"`
	OrganisationUnitIDs []string `json:"organisation_unit_ids" yaml:"organisation_units,omitempty"`
}

// EntityType implements Entity.
func (*User) EntityType() EntityType { return EntityUser }

// References implements Entity.
func (u *User) References() map[EntityType][]string {
	return map[EntityType][]string{EntityOrganisationUnit: cloneIDs(u.OrganisationUnitIDs)}
}

// Clone implements Entity.
func (u *User) Clone() Entity {
	cp := *u
	cp.OrganisationUnitIDs = cloneIDs(u.OrganisationUnitIDs)
	return &cp
}

// DisplayName prefers the username when no name is set.
func (u *User) DisplayName() string {
	if u.Name == "" && u.Username != "" {
		return u.Username
	}
	return u.Base.DisplayName()
}

// RemoveOrganisationUnit revokes the user's access to the unit.
func (u *User) RemoveOrganisationUnit(id string) bool {
	var ok bool
	u.OrganisationUnitIDs, ok = RemoveID(u.OrganisationUnitIDs, id)
	return ok
}

// Program runs in a set of organisation units.
type Program struct {
	Base                `yaml:",inline"`
	OrganisationUnitIDs []string `json:"organisation_unit_ids" yaml:"organisation_units,omitempty"`
}

// EntityType implements Entity.
func (*Program) EntityType() EntityType { return EntityProgram }

// References implements Entity.
func (p *Program) References() map[EntityType][]string {
	return map[EntityType][]string{EntityOrganisationUnit: cloneIDs(p.OrganisationUnitIDs)}
}

// Clone implements Entity.
func (p *Program) Clone() Entity {
	cp := *p
	cp.OrganisationUnitIDs = cloneIDs(p.OrganisationUnitIDs)
	return &cp
}

// RemoveOrganisationUnit drops the program association with the unit.
func (p *Program) RemoveOrganisationUnit(id string) bool {
	var ok bool
	p.OrganisationUnitIDs, ok = RemoveID(p.OrganisationUnitIDs, id)
	return ok
}

// OrganisationUnitGroup collects organisation units.
type OrganisationUnitGroup struct {
	Base      `yaml:",inline"`
	MemberIDs []string `json:"member_ids" yaml:"members,omitempty"`
}

// EntityType implements Entity.
func (*OrganisationUnitGroup) EntityType() EntityType { return EntityOrganisationUnitGroup }

// References implements Entity.
func (g *OrganisationUnitGroup) References() map[EntityType][]string {
	return map[EntityType][]string{EntityOrganisationUnit: cloneIDs(g.MemberIDs)}
}

// Clone implements Entity.
func (g *OrganisationUnitGroup) Clone() Entity {
	cp := *g
	cp.MemberIDs = cloneIDs(g.MemberIDs)
	return &cp
}

// RemoveMember drops the unit from the group.
func (g *OrganisationUnitGroup) RemoveMember(id string) bool {
	var ok bool
	g.MemberIDs, ok = RemoveID(g.MemberIDs, id)
	return ok
}

// NewEntity returns a zero value of the concrete type registered for t.
func NewEntity(t EntityType) (Entity, bool) {
	switch t {
	case EntityOrganisationUnit:
		return &OrganisationUnit{}, true
	case EntityDataSet:
		return &DataSet{}, true
	case EntityUser:
		return &User{}, true
	case EntityProgram:
		return &Program{}, true
	case EntityOrganisationUnitGroup:
		return &OrganisationUnitGroup{}, true
	default:
		return nil, false
	}
}

// Tombstone records a deleted entity after the deletion committed.
type Tombstone struct {
	Type      EntityType `json:"type"`
	ID        string     `json:"id"`
	Code      string     `json:"code,omitempty"`
	Name      string     `json:"name"`
	DeletedAt time.Time  `json:"deleted_at"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}
