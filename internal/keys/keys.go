// Package keys resolves the primary key, foreign key, and join table of a
// relationship for either traversal direction.
//
// Natural direction names the owner-side column used to collect parent key
// values; reversed direction names the target-side column (or join table
// column) that child queries filter on and that stitching reads back.
package keys

import (
	"fmt"

	"tidb-deepload/internal/catalog"
	"tidb-deepload/internal/naming"
	"tidb-deepload/internal/planner"
	"tidb-deepload/internal/sqlutil"
)

// Direction selects which side of a relationship a key is resolved for.
type Direction int

const (
	// Natural resolves the key on the owning (parent) side.
	Natural Direction = iota
	// Reversed resolves the key on the target (child) side, or on the join
	// table when the relationship goes through one.
	Reversed
)

// Column is a possibly table-qualified column reference.
type Column struct {
	Table string
	Name  string
}

// Qualified returns "table.column", or the bare column when no table is set.
func (c Column) Qualified() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

// Key returns the logical row key for the column.
func (c Column) Key() string {
	return sqlutil.ColumnKey(c.Name)
}

// Resolver derives keys from catalog relationships using naming conventions
// for anything the catalog leaves unset.
type Resolver struct {
	catalog catalog.Catalog
	namer   *naming.Namer
}

// NewResolver creates a Resolver. A nil namer uses the default conventions.
func NewResolver(cat catalog.Catalog, namer *naming.Namer) *Resolver {
	if namer == nil {
		namer = naming.Default()
	}
	return &Resolver{catalog: cat, namer: namer}
}

// HasTable reports whether the catalog knows the table.
func (r *Resolver) HasTable(table string) bool {
	return r.catalog.HasTable(table)
}

// Relationship looks up a named relationship on a table.
func (r *Resolver) Relationship(table, name string) (catalog.Relationship, error) {
	return r.catalog.Relationship(table, name)
}

// PrimaryKey returns the key on the "one" side of the relationship: the
// target's primary key for belongs_to, otherwise the owner's.
func (r *Resolver) PrimaryKey(rel catalog.Relationship) (string, error) {
	if rel.PrimaryKey != "" {
		return rel.PrimaryKey, nil
	}
	table := rel.OwnerTable
	if rel.IsBelongsTo() {
		table = rel.TargetTable
	}
	pk, err := r.catalog.PrimaryKey(table)
	if err != nil {
		return "", fmt.Errorf("primary key for %s.%s: %w", rel.OwnerTable, rel.Name, err)
	}
	return pk, nil
}

// ForeignKeyName returns the configured foreign key, or the conventional one:
// "<singular relation>_<target pk>" for belongs_to and
// "<singular owner>_<owner pk>" for everything else.
func (r *Resolver) ForeignKeyName(rel catalog.Relationship) (string, error) {
	if rel.ForeignKey != "" {
		return rel.ForeignKey, nil
	}
	pk, err := r.PrimaryKey(rel)
	if err != nil {
		return "", err
	}
	if rel.IsBelongsTo() {
		return r.namer.ForeignKeyName(rel.Name, pk), nil
	}
	return r.namer.ForeignKeyName(rel.OwnerTable, pk), nil
}

// JoinTable returns the join table of a many-to-many relationship, derived
// from both table names when not configured. Direct relationships have none.
func (r *Resolver) JoinTable(rel catalog.Relationship) string {
	if rel.Through != "" {
		return rel.Through
	}
	if rel.IsThrough() {
		return r.namer.JoinTableName(rel.OwnerTable, rel.TargetTable)
	}
	return ""
}

// ForeignKey resolves the column that links the two sides of rel.
//
// Natural returns the owner-side column: the foreign key for belongs_to,
// otherwise the primary key. Reversed returns the target-side column: the
// primary key for belongs_to, otherwise the foreign key. A reversed lookup on
// a relationship with a join table returns the join table column pointing at
// the owner; a configured foreign key names that column.
func (r *Resolver) ForeignKey(rel catalog.Relationship, dir Direction) (Column, error) {
	if dir == Reversed {
		if jt := r.JoinTable(rel); jt != "" {
			name, err := r.ForeignKeyName(rel)
			if err != nil {
				return Column{}, err
			}
			return Column{Table: jt, Name: name}, nil
		}
	}

	usePrimary := rel.IsBelongsTo() == (dir == Reversed)
	table := rel.OwnerTable
	if dir == Reversed {
		table = rel.TargetTable
	}

	var name string
	var err error
	if usePrimary {
		name, err = r.PrimaryKey(rel)
	} else {
		name, err = r.ForeignKeyName(rel)
	}
	if err != nil {
		return Column{}, err
	}
	return Column{Table: table, Name: name}, nil
}

// Join returns the join directive for relationships that go through a join
// table, or nil for direct relationships.
func (r *Resolver) Join(rel catalog.Relationship) (*planner.Join, error) {
	jt := r.JoinTable(rel)
	if jt == "" {
		return nil, nil
	}
	targetPK, err := r.catalog.PrimaryKey(rel.TargetTable)
	if err != nil {
		return nil, fmt.Errorf("join %s for %s.%s: %w", jt, rel.OwnerTable, rel.Name, err)
	}
	targetKey := rel.ThroughTargetKey
	if targetKey == "" {
		targetKey = r.namer.ForeignKeyName(rel.TargetTable, targetPK)
	}
	return &planner.Join{
		Table:        jt,
		Column:       targetKey,
		TargetColumn: targetPK,
	}, nil
}
