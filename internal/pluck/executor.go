package pluck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"tidb-deepload/internal/logging"
	"tidb-deepload/internal/observability"
	"tidb-deepload/internal/planner"
)

// Engine executes one batch query and returns its rows keyed by logical
// column name.
type Engine interface {
	Execute(ctx context.Context, q planner.Query) ([]map[string]any, error)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxInClause splits parent key sets larger than n into several queries.
// Zero or less keeps one query per node.
func WithMaxInClause(n int) ExecutorOption {
	return func(e *Executor) {
		e.maxInClause = n
	}
}

// WithSiblingConcurrency loads up to n sibling subtrees at once.
func WithSiblingConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n < 1 {
			n = 1
		}
		e.siblingConcurrency = n
	}
}

// WithMetrics records load and batch metrics.
func WithMetrics(metrics *observability.LoadMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// Executor loads plans. It is safe for concurrent use; each Load writes into
// its own Result.
type Executor struct {
	engine             Engine
	maxInClause        int
	siblingConcurrency int
	metrics            *observability.LoadMetrics
}

// NewExecutor creates an executor over engine.
func NewExecutor(engine Engine, opts ...ExecutorOption) *Executor {
	e := &Executor{engine: engine, siblingConcurrency: 1}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load runs the plan top-down: the root query first, then one batch per
// child node using the parent rows' key values, stitching each child's rows
// onto its parents. Nodes below an empty level are never queried. Any error
// aborts the load and no partial result is returned.
func (e *Executor) Load(ctx context.Context, plan *Plan) (*Result, error) {
	if plan == nil || plan.Root == nil {
		return nil, fmt.Errorf("load requires a plan")
	}
	ctx, span := startSpan(ctx, "deepload.load",
		attribute.String("db.table", plan.Root.Table),
		attribute.Int("deepload.nodes", len(plan.Nodes)),
	)
	defer span.End()

	e.metrics.IncrementActiveLoads(ctx)
	defer e.metrics.DecrementActiveLoads(ctx)
	start := time.Now()

	result := newResult(plan)
	err := e.loadNode(ctx, result, plan.Root, nil)
	e.metrics.RecordLoad(ctx, plan.Root.Table, len(plan.Nodes), time.Since(start), err != nil)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return result, nil
}

func (e *Executor) loadNode(ctx context.Context, result *Result, node *PlanNode, parentRows []Row) error {
	rows, err := e.batch(ctx, node, parentRows)
	if err != nil {
		return err
	}
	result.rows[node.ID] = rows
	if len(rows) == 0 || len(node.Children) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.siblingConcurrency)
	for _, child := range node.Children {
		g.Go(func() error {
			return e.loadNode(gctx, result, child, rows)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Siblings write into the same parent rows, so stitching waits for all of them.
	for _, child := range node.Children {
		stitch(rows, result.rows[child.ID], child)
	}
	return nil
}

func (e *Executor) batch(ctx context.Context, node *PlanNode, parentRows []Row) ([]Row, error) {
	ctx, span := startSpan(ctx, "deepload.batch",
		attribute.String("db.table", node.Table),
		attribute.String("deepload.path", node.Path),
	)
	defer span.End()

	logger := logging.FromContext(ctx)
	q := node.Query()

	if node.IsRoot() {
		rows, err := e.engine.Execute(ctx, q)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("load %s: %w", node.Table, err)
		}
		e.metrics.RecordBatch(ctx, "root", 0, len(rows))
		span.SetAttributes(attribute.Int("deepload.rows", len(rows)))
		return nonNil(rows), nil
	}

	kind := node.Relation.Kind.String()
	values := uniqueParentValues(parentRows, node.ParentKey.Key())
	span.SetAttributes(attribute.Int("deepload.parent_keys", len(values)))
	if len(values) == 0 {
		logger.Debug("skipping batch with empty parent key set",
			slog.String("path", node.Path),
			slog.String("table", node.Table),
		)
		e.metrics.RecordBatchSkipped(ctx, kind, "empty_parent_keys")
		return []Row{}, nil
	}

	q.KeyColumn = node.ChildKey.Qualified()
	var rows []Row
	for _, chunk := range chunkValues(values, e.maxInClause) {
		q.KeyValues = chunk
		chunkRows, err := e.engine.Execute(ctx, q)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("load %s (%s): %w", node.Path, node.Table, err)
		}
		e.metrics.RecordBatch(ctx, kind, len(chunk), len(chunkRows))
		rows = append(rows, chunkRows...)
	}

	logger.Debug("loaded batch",
		slog.String("path", node.Path),
		slog.String("table", node.Table),
		slog.Int("parent_keys", len(values)),
		slog.Int("rows", len(rows)),
	)
	span.SetAttributes(attribute.Int("deepload.rows", len(rows)))
	return nonNil(rows), nil
}

func nonNil(rows []Row) []Row {
	if rows == nil {
		return []Row{}
	}
	return rows
}

// uniqueParentValues collects the non-nil values of key, first occurrence
// wins among values that compare equal as index keys.
func uniqueParentValues(rows []Row, key string) []any {
	seen := make(map[string]struct{})
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		raw := row[key]
		normalized, ok := indexKey(raw)
		if !ok {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		values = append(values, raw)
	}
	return values
}

func chunkValues(values []any, max int) [][]any {
	if len(values) == 0 {
		return nil
	}
	if max <= 0 || len(values) <= max {
		return [][]any{values}
	}
	chunks := make([][]any, 0, (len(values)+max-1)/max)
	for start := 0; start < len(values); start += max {
		end := start + max
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("tidb-deepload/pluck")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
