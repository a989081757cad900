// Package pluck loads a tree of related rows with one query per requested
// relationship and returns only the columns the caller asked for.
//
// A Model is built with Add, turned into an immutable Plan, and executed by an
// Executor against an Engine. Join key columns that the caller did not ask for
// are fetched so children can be stitched onto their parents, and LoadAll
// prunes them from the result.
package pluck

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"tidb-deepload/internal/catalog"
	"tidb-deepload/internal/keys"
	"tidb-deepload/internal/naming"
)

// Row is one loaded record keyed by logical column name. Association slots
// hold a Row (to-one) or a *Collection (to-many).
type Row = map[string]any

// Model is one node of the association tree. The root is created with
// NewModel; children are created by Add.
type Model struct {
	resolver *keys.Resolver
	table    string
	where    []sq.Sqlizer

	name     string
	relation *catalog.Relationship
	parent   *Model

	needColumns []string
	needSeen    map[string]struct{}
	children    []*Model
	childIndex  map[string]*Model

	err error
}

// NewModel creates a root node over table, filtered by the where predicates.
func NewModel(cat catalog.Catalog, table string, where ...sq.Sqlizer) *Model {
	return NewModelWithResolver(keys.NewResolver(cat, naming.Default()), table, where...)
}

// NewModelWithResolver creates a root node using a preconfigured key resolver.
func NewModelWithResolver(resolver *keys.Resolver, table string, where ...sq.Sqlizer) *Model {
	return &Model{
		resolver:   resolver,
		table:      table,
		where:      where,
		needSeen:   make(map[string]struct{}),
		childIndex: make(map[string]*Model),
	}
}

// Add merges specs into the tree and returns m for chaining. Unknown
// relationship names fail immediately; the first failure is kept in Err and
// later calls to Add do nothing.
func (m *Model) Add(specs ...Spec) *Model {
	if m.err != nil {
		return m
	}
	if err := m.add(specs...); err != nil {
		m.err = err
	}
	return m
}

// Err returns the first error recorded by Add.
func (m *Model) Err() error {
	return m.err
}

// Table returns the table this node loads from.
func (m *Model) Table() string {
	return m.table
}

func (m *Model) add(specs ...Spec) error {
	for _, spec := range specs {
		if spec == nil {
			continue
		}
		if err := spec.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) addNeedColumn(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if _, ok := m.needSeen[name]; ok {
		return
	}
	m.needSeen[name] = struct{}{}
	m.needColumns = append(m.needColumns, name)
}

// child returns the node for a relationship, creating it on first use.
func (m *Model) child(name string) (*Model, error) {
	if existing, ok := m.childIndex[name]; ok {
		return existing, nil
	}
	rel, err := m.resolver.Relationship(m.table, name)
	if err != nil {
		return nil, err
	}
	var where []sq.Sqlizer
	if rel.Scope != nil {
		where = append(where, rel.Scope)
	}
	if rel.Conditions != nil {
		where = append(where, rel.Conditions)
	}
	child := &Model{
		resolver:   m.resolver,
		table:      rel.TargetTable,
		where:      where,
		name:       name,
		relation:   &rel,
		parent:     m,
		needSeen:   make(map[string]struct{}),
		childIndex: make(map[string]*Model),
	}
	m.childIndex[name] = child
	m.children = append(m.children, child)
	return child, nil
}

// LoadData plans and loads the tree without pruning join bookkeeping columns.
func (m *Model) LoadData(ctx context.Context, engine Engine, opts ...ExecutorOption) ([]Row, error) {
	result, err := m.load(ctx, engine, opts...)
	if err != nil {
		return nil, err
	}
	return result.Rows(), nil
}

// LoadAll plans and loads the tree, then prunes every column that was
// fetched only to stitch associations together.
func (m *Model) LoadAll(ctx context.Context, engine Engine, opts ...ExecutorOption) ([]Row, error) {
	result, err := m.load(ctx, engine, opts...)
	if err != nil {
		return nil, err
	}
	result.Prune()
	return result.Rows(), nil
}

func (m *Model) load(ctx context.Context, engine Engine, opts ...ExecutorOption) (*Result, error) {
	plan, err := m.Plan()
	if err != nil {
		return nil, err
	}
	return NewExecutor(engine, opts...).Load(ctx, plan)
}
