package planner

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"tidb-deepload/internal/sqlutil"
)

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// IsEmpty reports whether planning produced no statement.
func (q SQLQuery) IsEmpty() bool {
	return q.SQL == ""
}

// Join describes an INNER JOIN against a join table:
// JOIN <Table> ON <Table>.<Column> = <target>.<TargetColumn>.
type Join struct {
	Table        string
	Column       string
	TargetColumn string
}

// Query is one batch load: select Columns from Table where every Where
// predicate holds and, when KeyColumn is set, KeyColumn is one of KeyValues.
type Query struct {
	Table   string
	Columns []string
	Where   []sq.Sqlizer
	Join    *Join

	// KeyColumn is a possibly qualified column reference. An empty KeyValues
	// slice with a KeyColumn set plans no statement at all.
	KeyColumn string
	KeyValues []interface{}
}

// Keys returns the logical row keys of the selected columns, in select order.
// It returns nil when the query selects every column.
func (q Query) Keys() []string {
	if len(q.Columns) == 0 {
		return nil
	}
	keys := make([]string, len(q.Columns))
	for i, col := range q.Columns {
		keys[i] = sqlutil.ColumnKey(col)
	}
	return keys
}

// PlanBatch builds the SQL for a batch query.
func PlanBatch(q Query) (SQLQuery, error) {
	if q.Table == "" {
		return SQLQuery{}, fmt.Errorf("batch query requires a table")
	}
	if q.KeyColumn != "" && len(q.KeyValues) == 0 {
		return SQLQuery{}, nil
	}

	quotedTable := sqlutil.QuoteIdentifier(q.Table)
	builder := sq.Select(selectColumns(q)...).From(quotedTable)

	if q.Join != nil {
		if q.Join.Table == "" || q.Join.Column == "" || q.Join.TargetColumn == "" {
			return SQLQuery{}, fmt.Errorf("join on %s requires a table and both key columns", q.Table)
		}
		quotedJoin := sqlutil.QuoteIdentifier(q.Join.Table)
		builder = builder.Join(fmt.Sprintf("%s ON %s.%s = %s.%s",
			quotedJoin,
			quotedJoin, sqlutil.QuoteIdentifier(q.Join.Column),
			quotedTable, sqlutil.QuoteIdentifier(q.Join.TargetColumn),
		))
	}

	for _, pred := range q.Where {
		if pred == nil {
			continue
		}
		builder = builder.Where(pred)
	}

	if q.KeyColumn != "" {
		builder = builder.Where(sq.Eq{sqlutil.QuoteQualified(q.KeyColumn, q.Table): q.KeyValues})
	}

	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func selectColumns(q Query) []string {
	if len(q.Columns) == 0 {
		return []string{sqlutil.QuoteIdentifier(q.Table) + ".*"}
	}
	cols := make([]string, len(q.Columns))
	for i, col := range q.Columns {
		cols[i] = sqlutil.QuoteQualified(col, q.Table)
	}
	return cols
}
