// Package catalog holds relational schema metadata: tables, columns, foreign
// keys, and the named relationships the loader traverses. A Schema is built
// once (from INFORMATION_SCHEMA or by hand), optionally extended with declared
// relationships, and is read-only afterwards.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// ErrConfiguration marks programmer errors in relationship configuration:
// unknown relation names, unresolvable keys, or inconsistent declarations.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError describes a relationship lookup or declaration failure.
// It unwraps to ErrConfiguration.
type ConfigurationError struct {
	Table    string
	Relation string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Relation != "" && e.Reason == "" {
		return fmt.Sprintf("association named %q was not found on %s; perhaps you misspelled it?", e.Relation, e.Table)
	}
	if e.Relation != "" {
		return fmt.Sprintf("association %s.%s: %s", e.Table, e.Relation, e.Reason)
	}
	return fmt.Sprintf("table %s: %s", e.Table, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

func configErrorf(table, relation, format string, args ...any) error {
	return &ConfigurationError{Table: table, Relation: relation, Reason: fmt.Sprintf(format, args...)}
}

// Kind is the shape of a relationship from the owning table's point of view.
type Kind int

const (
	// KindBelongsTo is a to-one relationship whose foreign key lives on the owner.
	KindBelongsTo Kind = iota + 1
	// KindHasOne is a to-one relationship whose foreign key lives on the target.
	KindHasOne
	// KindHasMany is a to-many relationship whose foreign key lives on the target.
	KindHasMany
	// KindManyToMany is a to-many relationship mediated by a join table.
	KindManyToMany
)

func (k Kind) String() string {
	switch k {
	case KindBelongsTo:
		return "belongs_to"
	case KindHasOne:
		return "has_one"
	case KindHasMany:
		return "has_many"
	case KindManyToMany:
		return "many_to_many"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "belongs_to", "many_to_one":
		return KindBelongsTo, nil
	case "has_one", "one_to_one":
		return KindHasOne, nil
	case "has_many", "one_to_many":
		return KindHasMany, nil
	case "many_to_many", "has_and_belongs_to_many", "through":
		return KindManyToMany, nil
	default:
		return 0, fmt.Errorf("unknown relationship kind %q", value)
	}
}

// Cardinality of a relationship from the referencing side.
type Cardinality int

const (
	ToOne Cardinality = iota
	ToMany
)

// Relationship describes one named link from an owning table to a target table.
// Empty key fields are derived by convention (see internal/keys).
type Relationship struct {
	Name        string
	Kind        Kind
	OwnerTable  string
	TargetTable string

	// ForeignKey overrides the conventional foreign key column. For
	// many-to-many relationships it names the join table column that points
	// at the owner.
	ForeignKey string
	// PrimaryKey overrides the key on the "one" side of the relationship.
	PrimaryKey string
	// Through names the join table. Only valid for many-to-many relationships.
	Through string
	// ThroughTargetKey overrides the join table column that points at the target.
	ThroughTargetKey string
	// Scope is an extra predicate applied to every query for the target.
	Scope sq.Sqlizer
	// Conditions is a static filter declared with the relationship. It is
	// applied after Scope.
	Conditions sq.Sqlizer
	// Declared marks relationships that came from configuration rather than
	// foreign key introspection.
	Declared bool
}

// Cardinality returns ToMany for has_many and many_to_many relationships.
func (r Relationship) Cardinality() Cardinality {
	if r.Kind == KindHasMany || r.Kind == KindManyToMany {
		return ToMany
	}
	return ToOne
}

// IsBelongsTo reports whether the owner row carries the foreign key.
func (r Relationship) IsBelongsTo() bool {
	return r.Kind == KindBelongsTo
}

// IsThrough reports whether the relationship is mediated by a join table.
func (r Relationship) IsThrough() bool {
	return r.Kind == KindManyToMany
}

// Validate checks the structural invariants of a relationship.
func (r Relationship) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return configErrorf(r.OwnerTable, r.Name, "relationship name is required")
	}
	if r.OwnerTable == "" || r.TargetTable == "" {
		return configErrorf(r.OwnerTable, r.Name, "owner and target tables are required")
	}
	switch r.Kind {
	case KindBelongsTo, KindHasOne, KindHasMany:
		if r.Through != "" || r.ThroughTargetKey != "" {
			return configErrorf(r.OwnerTable, r.Name, "%s relationship cannot use a join table", r.Kind)
		}
	case KindManyToMany:
	default:
		return configErrorf(r.OwnerTable, r.Name, "unknown relationship kind")
	}
	return nil
}

// Catalog resolves relationships and primary keys. Implementations must be
// cheap and synchronous; they are consulted while planning, never while loading.
type Catalog interface {
	HasTable(table string) bool
	Relationship(table, name string) (Relationship, error)
	PrimaryKey(table string) (string, error)
}

// Column represents a database column
type Column struct {
	Name         string
	DataType     string
	IsNullable   bool
	IsPrimaryKey bool
}

// ForeignKey represents one column of a foreign key constraint.
type ForeignKey struct {
	ColumnName       string // e.g., "user_id"
	ReferencedTable  string // e.g., "users"
	ReferencedColumn string // e.g., "id"
	ConstraintName   string // e.g., "orders_ibfk_1"
	OrdinalPosition  int    // Column position within the FK constraint
}

// Index represents a database index with ordered columns.
type Index struct {
	Name    string
	Unique  bool
	Columns []string
}

// Table represents a database table
type Table struct {
	Name          string
	IsView        bool
	Columns       []Column
	ForeignKeys   []ForeignKey
	Indexes       []Index
	Relationships []Relationship
}

// PrimaryKeyColumns returns all primary key columns for a table in column order.
func (t Table) PrimaryKeyColumns() []Column {
	var cols []Column
	for _, col := range t.Columns {
		if col.IsPrimaryKey {
			cols = append(cols, col)
		}
	}
	return cols
}

// HasColumn reports whether the table defines the named column.
func (t Table) HasColumn(name string) bool {
	for _, col := range t.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

func (t Table) relationshipIndex(name string) int {
	for i, rel := range t.Relationships {
		if rel.Name == name {
			return i
		}
	}
	return -1
}

// Schema is an in-memory Catalog.
type Schema struct {
	Tables []Table
}

// NewSchema creates a schema from the given tables.
func NewSchema(tables ...Table) *Schema {
	return &Schema{Tables: append([]Table(nil), tables...)}
}

// Table returns the named table.
func (s *Schema) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// HasTable reports whether the schema defines the named table or view.
func (s *Schema) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

// Relationship resolves a relationship by owning table and name.
func (s *Schema) Relationship(table, name string) (Relationship, error) {
	t, ok := s.Table(table)
	if !ok {
		return Relationship{}, configErrorf(table, name, "table %q does not exist", table)
	}
	idx := t.relationshipIndex(name)
	if idx < 0 {
		return Relationship{}, &ConfigurationError{Table: table, Relation: name}
	}
	return t.Relationships[idx], nil
}

// PrimaryKey returns the first primary key column of a table.
func (s *Schema) PrimaryKey(table string) (string, error) {
	t, ok := s.Table(table)
	if !ok {
		return "", configErrorf(table, "", "table does not exist")
	}
	cols := t.PrimaryKeyColumns()
	if len(cols) == 0 {
		return "", configErrorf(table, "", "table has no primary key")
	}
	return cols[0].Name, nil
}

// Declare adds a relationship, replacing any existing relationship with the
// same name on the owning table.
func (s *Schema) Declare(rel Relationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	owner, ok := s.Table(rel.OwnerTable)
	if !ok {
		return configErrorf(rel.OwnerTable, rel.Name, "owner table does not exist")
	}
	if _, ok := s.Table(rel.TargetTable); !ok {
		return configErrorf(rel.OwnerTable, rel.Name, "target table %q does not exist", rel.TargetTable)
	}
	if idx := owner.relationshipIndex(rel.Name); idx >= 0 {
		owner.Relationships[idx] = rel
		return nil
	}
	owner.Relationships = append(owner.Relationships, rel)
	return nil
}
