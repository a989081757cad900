package observability

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitMeterProvider(t *testing.T) {
	cfg := Config{
		ServiceName:    "deepload-test",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	}

	mp, err := InitMeterProvider(cfg)
	require.NoError(t, err, "Should initialize meter provider without error")
	require.NotNil(t, mp, "Meter provider should not be nil")
	require.NotNil(t, mp.provider, "Provider should not be nil")
	require.NotNil(t, mp.exporter, "Exporter should not be nil")

	// Clean up
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	err = mp.Shutdown(context.Background(), logger)
	assert.NoError(t, err, "Should shutdown without error")
}

func TestInitMetrics(t *testing.T) {
	mp, err := InitMeterProvider(Config{ServiceName: "test-service"})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	defer mp.Shutdown(context.Background(), logger)

	metrics, err := InitMetrics(logger)
	require.NoError(t, err)
	require.NotNil(t, metrics)

	require.NotNil(t, metrics.loadDuration)
	require.NotNil(t, metrics.loadCounter)
	require.NotNil(t, metrics.batchQueries)
	require.NotNil(t, metrics.batchSkipped)

	ctx := context.Background()
	metrics.IncrementActiveLoads(ctx)
	metrics.RecordBatch(ctx, "has_many", 3, 5)
	metrics.RecordBatchSkipped(ctx, "belongs_to", "no_parent_keys")
	metrics.RecordLoad(ctx, "users", 4, 12*time.Millisecond, false)
	metrics.DecrementActiveLoads(ctx)
}

func TestLoadMetrics_NilReceiverIsNoop(t *testing.T) {
	var metrics *LoadMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		metrics.IncrementActiveLoads(ctx)
		metrics.RecordBatch(ctx, "has_many", 1, 1)
		metrics.RecordBatchSkipped(ctx, "has_many", "no_parent_keys")
		metrics.RecordLoad(ctx, "users", 1, time.Millisecond, true)
		metrics.DecrementActiveLoads(ctx)
	})
}

func TestParseOTLPProtocol(t *testing.T) {
	for input, want := range map[string]otlpProtocol{
		"":              otlpProtocolGRPC,
		"grpc":          otlpProtocolGRPC,
		" HTTP ":        otlpProtocolHTTP,
		"http/protobuf": otlpProtocolHTTP,
	} {
		got, err := parseOTLPProtocol(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := parseOTLPProtocol("udp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported OTLP protocol")
}

func TestInitTracerProvider_RejectsUnknownProtocol(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "test-service",
		OTLP:        OTLPExporterConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create OTLP trace exporter")
}

func TestInitLoggerProvider_InsecureHTTP(t *testing.T) {
	lp, err := InitLoggerProvider(context.Background(), Config{
		ServiceName: "test-service",
		OTLP: OTLPExporterConfig{
			Endpoint: "http://localhost:4318",
			Protocol: "http/protobuf",
			Insecure: true,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, lp.Provider())

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	assert.NoError(t, lp.Shutdown(context.Background(), logger))
}

func TestBuildTLSConfig_FileNotFound(t *testing.T) {
	// Missing CA file should surface a clear error.
	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: "/nonexistent/ca.pem",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read OTLP TLS CA file")
}

func TestBuildTLSConfig_InvalidCertFormat(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ca.pem"

	// Write a non-PEM payload to trigger parse failure.
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse OTLP TLS CA file")
}

func TestBuildTLSConfig_MissingClientKeyPair(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/client.crt"

	// Only set the cert path to ensure missing key is rejected.
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{
		TLSClientCertFile: path,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTLP TLS client cert and key must both be set")
}

func TestTraceSamplerForRatio_Boundaries(t *testing.T) {
	never := traceSamplerForRatio(0)
	always := traceSamplerForRatio(1)

	decisionNever := never.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionNever)

	decisionAlways := always.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{2},
		Name:          "test",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionAlways)
}

func TestTraceSamplerForRatio_ParentAwareMidRange(t *testing.T) {
	sampler := traceSamplerForRatio(0.5)

	parentSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{3},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	decisionSampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentSampled,
		TraceID:       trace.TraceID{4},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.RecordAndSample, decisionSampledParent)

	parentNotSampled := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{5},
		SpanID:  trace.SpanID{2},
		Remote:  true,
	}))
	decisionUnsampledParent := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: parentNotSampled,
		TraceID:       trace.TraceID{6},
		Name:          "child",
	}).Decision
	assert.Equal(t, sdktrace.Drop, decisionUnsampledParent)
}
