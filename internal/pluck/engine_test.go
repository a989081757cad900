package pluck

import (
	"context"
	"fmt"
	"sync"

	"tidb-deepload/internal/planner"
	"tidb-deepload/internal/sqlutil"
)

// fakeEngine evaluates batch queries against in-memory tables. Where
// predicates are not evaluated; key filters, joins, and projections are.
type fakeEngine struct {
	tables map[string][]Row

	mu      sync.Mutex
	queries []planner.Query

	failTable string
	failErr   error
}

func newFakeEngine(tables map[string][]Row) *fakeEngine {
	return &fakeEngine{tables: tables}
}

func (f *fakeEngine) Execute(_ context.Context, q planner.Query) ([]map[string]any, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.failErr != nil && q.Table == f.failTable {
		return nil, f.failErr
	}

	var out []map[string]any
	for _, target := range f.tables[q.Table] {
		sources := []map[string]Row{{q.Table: target}}
		if q.Join != nil {
			sources = nil
			for _, link := range f.tables[q.Join.Table] {
				if sameKey(link[q.Join.Column], target[q.Join.TargetColumn]) {
					sources = append(sources, map[string]Row{q.Table: target, q.Join.Table: link})
				}
			}
		}
		for _, src := range sources {
			if q.KeyColumn != "" && !keyIn(lookup(src, q.Table, q.KeyColumn), q.KeyValues) {
				continue
			}
			out = append(out, project(src, q))
		}
	}
	return out, nil
}

func (f *fakeEngine) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeEngine) queriesFor(table string) []planner.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []planner.Query
	for _, q := range f.queries {
		if q.Table == table {
			out = append(out, q)
		}
	}
	return out
}

func lookup(src map[string]Row, defaultTable, ref string) any {
	table, column := sqlutil.SplitQualified(ref)
	if table == "" {
		table = defaultTable
	}
	return src[table][column]
}

func project(src map[string]Row, q planner.Query) map[string]any {
	row := make(map[string]any)
	if len(q.Columns) == 0 {
		for k, v := range src[q.Table] {
			row[k] = v
		}
		return row
	}
	for _, col := range q.Columns {
		table, column := sqlutil.SplitQualified(col)
		if table == "" {
			table = q.Table
		}
		if v, ok := src[table][column]; ok {
			row[sqlutil.ColumnKey(col)] = v
		}
	}
	return row
}

func sameKey(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func keyIn(v any, values []any) bool {
	for _, candidate := range values {
		if sameKey(v, candidate) {
			return true
		}
	}
	return false
}
