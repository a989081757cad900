package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LoadMetrics holds custom metrics for deep loads. A nil *LoadMetrics
// records nothing.
type LoadMetrics struct {
	loadDuration     metric.Float64Histogram
	loadCounter      metric.Int64Counter
	errorCounter     metric.Int64Counter
	activeLoads      metric.Int64UpDownCounter
	treeNodes        metric.Int64Histogram
	batchQueries     metric.Int64Counter
	batchParentCount metric.Int64Histogram
	batchResultRows  metric.Int64Histogram
	batchSkipped     metric.Int64Counter
}

// InitLoadMetrics creates the load instruments on the global meter provider.
func InitLoadMetrics() (*LoadMetrics, error) {
	meter := otel.Meter("tidb-deepload")

	loadDuration, err := meter.Float64Histogram(
		"deepload.load.duration",
		metric.WithDescription("Duration of deep loads in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create load duration histogram: %w", err)
	}

	loadCounter, err := meter.Int64Counter(
		"deepload.loads.total",
		metric.WithDescription("Total number of deep loads"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create load counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"deepload.errors.total",
		metric.WithDescription("Total number of failed deep loads"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	activeLoads, err := meter.Int64UpDownCounter(
		"deepload.loads.active",
		metric.WithDescription("Number of deep loads in progress"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active loads counter: %w", err)
	}

	treeNodes, err := meter.Int64Histogram(
		"deepload.tree.nodes",
		metric.WithDescription("Number of association tree nodes per load"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree nodes histogram: %w", err)
	}

	batchQueries, err := meter.Int64Counter(
		"deepload.batch.queries",
		metric.WithDescription("Number of batch queries issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch queries counter: %w", err)
	}

	batchParentCount, err := meter.Int64Histogram(
		"deepload.batch.parent_count",
		metric.WithDescription("Number of parent keys included in a batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch parent count histogram: %w", err)
	}

	batchResultRows, err := meter.Int64Histogram(
		"deepload.batch.result_rows",
		metric.WithDescription("Number of rows returned by a batch query"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch result rows histogram: %w", err)
	}

	batchSkipped, err := meter.Int64Counter(
		"deepload.batch.skipped",
		metric.WithDescription("Number of batch queries skipped because the parent key set was empty"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch skipped counter: %w", err)
	}

	return &LoadMetrics{
		loadDuration:     loadDuration,
		loadCounter:      loadCounter,
		errorCounter:     errorCounter,
		activeLoads:      activeLoads,
		treeNodes:        treeNodes,
		batchQueries:     batchQueries,
		batchParentCount: batchParentCount,
		batchResultRows:  batchResultRows,
		batchSkipped:     batchSkipped,
	}, nil
}

// RecordLoad records a finished load with its duration and outcome.
func (m *LoadMetrics) RecordLoad(ctx context.Context, table string, nodes int, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.Bool("has_errors", failed),
	)
	m.loadDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.loadCounter.Add(ctx, 1, attrs)
	m.treeNodes.Record(ctx, int64(nodes), metric.WithAttributes(attribute.String("table", table)))
	if failed {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
	}
}

// RecordBatch records one executed batch query.
func (m *LoadMetrics) RecordBatch(ctx context.Context, relationKind string, parentKeys, resultRows int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("relation_type", relationKind))
	m.batchQueries.Add(ctx, 1, attrs)
	m.batchParentCount.Record(ctx, int64(parentKeys), attrs)
	m.batchResultRows.Record(ctx, int64(resultRows), attrs)
}

// RecordBatchSkipped records a node whose batch query was never issued.
func (m *LoadMetrics) RecordBatchSkipped(ctx context.Context, relationKind, reason string) {
	if m == nil {
		return
	}
	m.batchSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relation_type", relationKind),
		attribute.String("reason", reason),
	))
}

// IncrementActiveLoads increments the active loads counter
func (m *LoadMetrics) IncrementActiveLoads(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeLoads.Add(ctx, 1)
}

// DecrementActiveLoads decrements the active loads counter
func (m *LoadMetrics) DecrementActiveLoads(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeLoads.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and logs the outcome.
func InitMetrics(logger *slog.Logger) (*LoadMetrics, error) {
	metrics, err := InitLoadMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize load metrics: %w", err)
	}

	logger.Info("custom load metrics initialized")
	return metrics, nil
}
