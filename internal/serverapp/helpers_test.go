package serverapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tidb-deepload/internal/config"
	"tidb-deepload/internal/dbexec"
	"tidb-deepload/internal/keys"
	"tidb-deepload/internal/naming"
	"tidb-deepload/internal/testutil/shopdb"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		status   int
		expected string
	}{
		{name: "healthy", status: http.StatusOK, expected: `{"status":"healthy","database":"ok"}`},
		{name: "unhealthy", pingErr: errors.New("connection reset"), status: http.StatusServiceUnavailable, expected: `{"status":"unhealthy","database":"failed"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			require.NoError(t, err)
			defer db.Close()

			expectation := mock.ExpectPing()
			if tt.pingErr != nil {
				expectation.WillReturnError(tt.pingErr)
			}

			rec := httptest.NewRecorder()
			healthHandler(db, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.expected, rec.Body.String())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestBuildRouter_Routes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	cfg := &config.Config{Server: config.ServerConfig{HealthCheckTimeout: time.Second}}
	loadHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux := buildRouter(cfg, testLogger(), db, loadHandler, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/load", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "metrics are disabled")
}

func TestWrapHTTPHandler_UsesHTTPRootSpanName(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	tp.RegisterSpanProcessor(recorder)
	originalTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(originalTP)
	})

	cfg := &config.Config{
		Observability: config.ObservabilityConfig{
			TracingEnabled: true,
		},
	}
	handler := wrapHTTPHandler(cfg, testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/load", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Contains(t, names, "POST /load")
}

func TestNormalizeHTTPSpanRoute(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "load", input: "/load", expected: "/load"},
		{name: "health", input: "/health", expected: "/health"},
		{name: "metrics", input: "/metrics", expected: "/metrics"},
		{name: "root", input: "/", expected: "/*"},
		{name: "unknown", input: "/users/123", expected: "/*"},
		{name: "empty", input: "", expected: "/*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeHTTPSpanRoute(tt.input))
		})
	}
}

func TestHTTPRootSpanName_NilRequest(t *testing.T) {
	assert.Equal(t, "HTTP /*", httpRootSpanName(nil))
}

func TestDeclareRelations_AddsAndOverrides(t *testing.T) {
	schema := shopdb.Catalog()
	namer := naming.Default()

	err := declareRelations(schema, namer, []config.RelationConfig{
		{Table: "users", Name: "big_orders", Kind: "has_many", Target: "orders", ForeignKey: "user_id", Conditions: "`orders`.`total` >= 5"},
		{Table: "orders", Name: "user", Kind: "belongs_to", Target: "users", ForeignKey: "user_id", Scope: "`users`.`email` IS NOT NULL"},
	})
	require.NoError(t, err)

	added, err := schema.Relationship("users", "big_orders")
	require.NoError(t, err)
	assert.True(t, added.Declared)
	assert.Nil(t, added.Scope)
	assert.NotNil(t, added.Conditions)

	overridden, err := schema.Relationship("orders", "user")
	require.NoError(t, err)
	assert.True(t, overridden.Declared)
	assert.NotNil(t, overridden.Scope)
}

func TestDeclareRelations_Errors(t *testing.T) {
	tests := []struct {
		name     string
		relation config.RelationConfig
		message  string
	}{
		{
			name:     "bad kind",
			relation: config.RelationConfig{Table: "users", Name: "x", Kind: "sideways", Target: "orders"},
			message:  "relation users.x",
		},
		{
			name:     "unknown target",
			relation: config.RelationConfig{Table: "users", Name: "invoices", Kind: "has_many", Target: "invoices"},
			message:  `target table "invoices" does not exist`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := declareRelations(shopdb.Catalog(), naming.Default(), []config.RelationConfig{tt.relation})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestDeclaredRelationServedOverHTTP(t *testing.T) {
	schema := shopdb.Catalog()
	namer := naming.Default()
	require.NoError(t, declareRelations(schema, namer, []config.RelationConfig{
		{Table: "users", Name: "big_orders", Kind: "has_many", Target: "orders", ForeignKey: "user_id", Conditions: "`orders`.`total` >= 5"},
	}))

	engine := dbexec.NewSQLEngine(dbexec.NewStandardExecutor(shopdb.Open(t)))
	h := NewLoadHandler(schema, keys.NewResolver(schema, namer), engine, 0)

	req := httptest.NewRequest(http.MethodPost, "/load",
		strings.NewReader(`{"table": "users", "where": {"id": [1, 3]}, "spec": ["name", {"big_orders": "id"}]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"data": [
		{"name": "alice", "big_orders": [{"id": 101}]},
		{"name": "carol", "big_orders": []}
	]}`, rec.Body.String())
}

func TestBuildLoadHandler_ServesSQLite(t *testing.T) {
	schema := shopdb.Catalog()
	cfg := &config.Config{
		Server: config.ServerConfig{MaxRequestBytes: 1 << 16},
		Loader: config.LoaderConfig{MaxInClause: 1, SiblingConcurrency: 2},
	}
	h := buildLoadHandler(cfg, schema, keys.NewResolver(schema, naming.Default()), shopdb.Open(t), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/load",
		strings.NewReader(`{"table": "products", "spec": ["title", {"orders": "id"}]}`)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"data": [
		{"title": "Pen", "orders": [{"id": 100}, {"id": 103}]},
		{"title": "Ink", "orders": [{"id": 101}]}
	]}`, rec.Body.String())
}

func TestDeclareRelations_WarnsOnlyWhenReplacingDerived(t *testing.T) {
	var buf bytes.Buffer
	namer := naming.New(naming.DefaultConfig(), slog.New(slog.NewJSONHandler(&buf, nil)))
	schema := shopdb.Catalog()

	require.NoError(t, declareRelations(schema, namer, []config.RelationConfig{
		{Table: "orders", Name: "user", Kind: "belongs_to", Target: "users", ForeignKey: "user_id"},
		{Table: "users", Name: "big_orders", Kind: "has_many", Target: "orders", ForeignKey: "user_id"},
		{Table: "orders", Name: "user", Kind: "belongs_to", Target: "users", ForeignKey: "user_id"},
	}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, buf.String())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "declared relation replaces derived relation", entry["msg"])
	assert.Equal(t, "orders", entry["table"])
	assert.Equal(t, "user", entry["relation"])
}
