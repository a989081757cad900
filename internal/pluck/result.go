package pluck

import "encoding/json"

// Collection is the to-many association slot. Parents that share a primary
// key value hold the same *Collection.
type Collection struct {
	rows []Row
}

// NewCollection creates an empty collection.
func NewCollection(rows ...Row) *Collection {
	return &Collection{rows: append([]Row{}, rows...)}
}

// Append adds rows to the collection.
func (c *Collection) Append(rows ...Row) {
	c.rows = append(c.rows, rows...)
}

// Rows returns the collected rows.
func (c *Collection) Rows() []Row {
	return c.rows
}

// Len returns the number of rows.
func (c *Collection) Len() int {
	return len(c.rows)
}

// MarshalJSON encodes the collection as an array, never null.
func (c *Collection) MarshalJSON() ([]byte, error) {
	if c == nil || c.rows == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.rows)
}

// Result holds the rows loaded for each plan node, indexed by node ID.
type Result struct {
	plan *Plan
	rows [][]Row
}

func newResult(plan *Plan) *Result {
	return &Result{plan: plan, rows: make([][]Row, len(plan.Nodes))}
}

// Plan returns the plan the result was loaded from.
func (r *Result) Plan() *Plan {
	return r.plan
}

// Rows returns the root rows with every association embedded.
func (r *Result) Rows() []Row {
	return r.NodeRows(r.plan.Root)
}

// NodeRows returns the rows loaded for one node. Nodes below an empty level
// were never loaded and return nil.
func (r *Result) NodeRows(node *PlanNode) []Row {
	if node == nil || node.ID >= len(r.rows) {
		return nil
	}
	return r.rows[node.ID]
}

// Prune removes every node's extra columns from its rows, recursively. Rows
// are shared with their parents' association slots, so the embedded tree is
// pruned too.
func (r *Result) Prune() {
	r.prune(r.plan.Root)
}

func (r *Result) prune(node *PlanNode) {
	rows := r.rows[node.ID]
	if len(rows) == 0 {
		return
	}
	for _, row := range rows {
		for _, col := range node.ExtraColumns {
			delete(row, col)
		}
	}
	for _, child := range node.Children {
		r.prune(child)
	}
}
