package pluck

import (
	sq "github.com/Masterminds/squirrel"

	"tidb-deepload/internal/catalog"
	"tidb-deepload/internal/keys"
	"tidb-deepload/internal/planner"
	"tidb-deepload/internal/sqlutil"
)

// Plan is the immutable, resolved form of a Model. Nodes are listed in
// depth-first order and indexed by their ID.
type Plan struct {
	Root  *PlanNode
	Nodes []*PlanNode
}

// PlanNode is one resolved tree node.
type PlanNode struct {
	ID   int
	Name string
	// Path is the dotted relationship path from the root, empty for the root.
	Path  string
	Table string
	// Where holds the relationship scope followed by the base filter.
	Where []sq.Sqlizer
	// Relation is nil for the root.
	Relation *catalog.Relationship
	Parent   *PlanNode
	Children []*PlanNode

	// NeedColumns are the columns the caller asked for, in request order.
	NeedColumns []string
	// Columns is the full select list: the link back to the parent, the links
	// to each child, then NeedColumns, unique by logical key. Empty selects
	// every column.
	Columns []string
	// ExtraColumns are the logical keys in Columns that are not in NeedColumns.
	ExtraColumns []string

	// ParentKey is the column read from parent rows to collect key values.
	ParentKey keys.Column
	// ChildKey is the column this node's query filters on and the column
	// read back from this node's rows when stitching.
	ChildKey keys.Column
	Join     *planner.Join
}

// IsRoot reports whether the node is the top-level query.
func (n *PlanNode) IsRoot() bool {
	return n.Parent == nil
}

// Query returns the batch query for this node without any key filter.
func (n *PlanNode) Query() planner.Query {
	return planner.Query{
		Table:   n.Table,
		Columns: n.Columns,
		Where:   n.Where,
		Join:    n.Join,
	}
}

// Plan resolves every relationship key and computes the column sets. It
// returns the error recorded by Add, or a configuration error for keys that
// cannot be resolved, before any query runs.
func (m *Model) Plan() (*Plan, error) {
	if m.err != nil {
		return nil, m.err
	}
	if !m.resolver.HasTable(m.table) {
		return nil, &catalog.ConfigurationError{Table: m.table, Reason: "table does not exist"}
	}
	plan := &Plan{}
	root, err := m.planNode(plan, nil)
	if err != nil {
		return nil, err
	}
	plan.Root = root
	return plan, nil
}

func (m *Model) planNode(plan *Plan, parent *PlanNode) (*PlanNode, error) {
	node := &PlanNode{
		ID:          len(plan.Nodes),
		Name:        m.name,
		Table:       m.table,
		Where:       append([]sq.Sqlizer(nil), m.where...),
		Relation:    m.relation,
		Parent:      parent,
		NeedColumns: append([]string(nil), m.needColumns...),
	}
	plan.Nodes = append(plan.Nodes, node)

	var all []string
	if parent != nil {
		node.Path = m.name
		if parent.Path != "" {
			node.Path = parent.Path + "." + m.name
		}

		var err error
		node.ParentKey, err = m.resolver.ForeignKey(*m.relation, keys.Natural)
		if err != nil {
			return nil, err
		}
		node.ChildKey, err = m.resolver.ForeignKey(*m.relation, keys.Reversed)
		if err != nil {
			return nil, err
		}
		node.Join, err = m.resolver.Join(*m.relation)
		if err != nil {
			return nil, err
		}
		all = append(all, node.ChildKey.Qualified())
	}

	var links []string
	seen := make(map[string]struct{})
	for _, child := range m.children {
		link, err := m.resolver.ForeignKey(*child.relation, keys.Natural)
		if err != nil {
			return nil, err
		}
		ref := link.Qualified()
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		links = append(links, ref)
	}
	all = append(all, links...)
	all = append(all, m.needColumns...)

	node.Columns = sqlutil.UniqueByKey(all)
	node.ExtraColumns = extraColumns(node.Columns, m.needColumns)

	for _, child := range m.children {
		childNode, err := child.planNode(plan, node)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

// extraColumns returns the keys of columns minus the keys of need.
func extraColumns(columns, need []string) []string {
	needKeys := make(map[string]struct{}, len(need))
	for _, col := range need {
		needKeys[sqlutil.ColumnKey(col)] = struct{}{}
	}
	var extra []string
	for _, col := range columns {
		key := sqlutil.ColumnKey(col)
		if _, ok := needKeys[key]; ok {
			continue
		}
		extra = append(extra, key)
	}
	return extra
}
