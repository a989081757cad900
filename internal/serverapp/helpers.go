package serverapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tidb-deepload/internal/catalog"
	"tidb-deepload/internal/config"
	"tidb-deepload/internal/dbexec"
	"tidb-deepload/internal/keys"
	"tidb-deepload/internal/logging"
	"tidb-deepload/internal/middleware"
	"tidb-deepload/internal/naming"
	"tidb-deepload/internal/observability"
	"tidb-deepload/internal/pluck"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitLogger builds the process logger and, when log export is enabled, the
// OTLP logger provider behind it. The returned logger is also installed as
// the slog default.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := cfg.Observability.LoggingOptions()
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	telemetry := cfg.Observability.Telemetry()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", telemetry.ServiceName),
		slog.String("otlp_endpoint", telemetry.OTLP.Endpoint),
		slog.String("otlp_protocol", telemetry.OTLP.Protocol),
		slog.Bool("insecure", telemetry.OTLP.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(context.Background(), telemetry)
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.LoadMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(cfg.Observability.Telemetry())
	if err != nil {
		return nil, nil, err
	}

	loadMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	return meterProvider, loadMetrics, nil
}

func initTracing(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	telemetry := cfg.Observability.Telemetry()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", telemetry.OTLP.Endpoint),
		slog.String("otlp_protocol", telemetry.OTLP.Protocol),
		slog.Float64("sample_ratio", telemetry.TraceSampleRatio),
	)

	return observability.InitTracerProvider(ctx, telemetry)
}

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}

	dsn, err := cfg.Database.DSN()
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	opts := []otelsql.Option{otelsql.WithAttributes(semconv.DBSystemMySQL)}
	if cfg.Observability.TracingEnabled {
		opts = append(opts,
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
			otelsql.WithSQLCommenter(true),
		)
	}

	db, err := otelsql.Open("mysql", dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database_effective", effectiveDatabase),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

// loadCatalog introspects the database and layers the configured relations
// on top of the derived ones.
func loadCatalog(ctx context.Context, cfg *config.Config, logger *logging.Logger, db catalog.Queryer, databaseName string) (*catalog.Schema, *keys.Resolver, error) {
	namer := naming.New(cfg.Naming, logger.Logger)

	schema, err := catalog.Introspect(ctx, db, databaseName, namer)
	if err != nil {
		return nil, nil, err
	}
	if err := declareRelations(schema, namer, cfg.Relations); err != nil {
		return nil, nil, err
	}

	relationships := 0
	for _, table := range schema.Tables {
		relationships += len(table.Relationships)
	}
	logger.Info("schema catalog ready",
		slog.String("database", databaseName),
		slog.Int("tables", len(schema.Tables)),
		slog.Int("relationships", relationships),
		slog.Int("declared", len(cfg.Relations)),
	)

	return schema, keys.NewResolver(schema, namer), nil
}

func declareRelations(schema *catalog.Schema, namer *naming.Namer, relations []config.RelationConfig) error {
	for _, rc := range relations {
		rel, err := rc.Relationship()
		if err != nil {
			return err
		}
		if existing, err := schema.Relationship(rel.OwnerTable, rel.Name); err == nil && !existing.Declared {
			namer.WarnOverride(rel.OwnerTable, rel.Name)
		}
		if err := schema.Declare(rel); err != nil {
			return fmt.Errorf("relation %s.%s: %w", rc.Table, rc.Name, err)
		}
	}
	return nil
}

func buildLoadHandler(cfg *config.Config, schema *catalog.Schema, resolver *keys.Resolver, db *sql.DB, metrics *observability.LoadMetrics) http.Handler {
	engine := dbexec.NewSQLEngine(dbexec.NewStandardExecutor(db))
	return NewLoadHandler(schema, resolver, engine, cfg.Server.MaxRequestBytes,
		pluck.WithMaxInClause(cfg.Loader.MaxInClause),
		pluck.WithSiblingConcurrency(cfg.Loader.SiblingConcurrency),
		pluck.WithMetrics(metrics),
	)
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, loadHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/load", loadHandler)
	mux.HandleFunc("/health", healthHandler(db, cfg.Server.HealthCheckTimeout))

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}
	return mux
}

// wrapHTTPHandler applies request logging and, when telemetry is on, otelhttp
// outermost so the request span is already in the context when logging runs.
func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
	}
	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality.
func normalizeHTTPSpanRoute(path string) string {
	switch path {
	case "/load", "/health", "/metrics":
		return path
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		logAttrs := []any{
			slog.String("address", serverAddr),
			slog.String("load_endpoint", "/load"),
			slog.String("health_endpoint", "/health"),
			slog.Int("max_in_clause", cfg.Loader.MaxInClause),
			slog.Int("sibling_concurrency", cfg.Loader.SiblingConcurrency),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}
		logger.Info("server starting", logAttrs...)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// healthHandler reports whether the database answers a ping.
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}
