package dbexec

import (
	"context"
	"fmt"
	"log/slog"

	"tidb-deepload/internal/logging"
	"tidb-deepload/internal/planner"
	"tidb-deepload/internal/sqlutil"
)

// SQLEngine plans batch queries to SQL and executes them.
type SQLEngine struct {
	executor QueryExecutor
}

// NewSQLEngine creates an engine on top of a query executor.
func NewSQLEngine(executor QueryExecutor) *SQLEngine {
	return &SQLEngine{executor: executor}
}

// Execute runs one batch query. Each row maps the logical key of every
// selected column to its value; []byte values are returned as strings.
func (e *SQLEngine) Execute(ctx context.Context, q planner.Query) ([]map[string]any, error) {
	planned, err := planner.PlanBatch(q)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", q.Table, err)
	}
	if planned.IsEmpty() {
		return nil, nil
	}

	logging.FromContext(ctx).Debug("executing batch query",
		slog.String("table", q.Table),
		slog.String("sql", planned.SQL),
		slog.Int("args", len(planned.Args)),
	)

	rows, err := e.executor.QueryContext(ctx, planned.SQL, planned.Args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	keys := q.Keys()
	if keys == nil {
		names, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		keys = make([]string, len(names))
		for i, name := range names {
			keys[i] = sqlutil.ColumnKey(name)
		}
	}
	return scanRows(rows, keys)
}

func scanRows(rows Rows, keys []string) ([]map[string]any, error) {
	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(keys))
		valuePtrs := make([]any, len(keys))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(keys))
		for i, key := range keys {
			row[key] = convertValue(values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func convertValue(val any) any {
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}
