package config

import (
	"fmt"
	"strings"

	"tidb-deepload/internal/catalog"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) addError(field, hint, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

func (r *ValidationResult) addWarning(field, hint, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

// Validate checks the configuration for errors (fatal) and warnings (non-fatal).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Server.validate(result)
	c.Loader.validate(result)
	c.Observability.validate(result)
	validateRelations(result, c.Relations)
	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	if strings.TrimSpace(d.ConnectionString) == "" {
		if strings.TrimSpace(d.Host) == "" {
			result.addError("database.host", "set database.host or database.dsn", "host is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			result.addError("database.port", "", "port %d is out of valid range (1-65535)", d.Port)
		}
	}
	if _, err := d.EffectiveDatabaseName(); err != nil {
		result.addError("database.database", "", "%v", err)
	}

	switch d.TLS.Mode {
	case "", "off", "skip-verify", "verify-ca", "verify-full":
	default:
		result.addError("database.tls.mode", "use off, skip-verify, verify-ca or verify-full", "unsupported TLS mode %q", d.TLS.Mode)
	}
	if d.TLS.Mode == "skip-verify" {
		result.addWarning("database.tls.mode", "use verify-ca or verify-full in production", "server certificate is not verified")
	}

	if d.Pool.MaxOpen < 0 || d.Pool.MaxIdle < 0 {
		result.addError("database.pool", "", "pool sizes cannot be negative")
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		result.addWarning("database.pool.max_idle", "", "max_idle (%d) exceeds max_open (%d)", d.Pool.MaxIdle, d.Pool.MaxOpen)
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.addError("server.port", "", "port %d is out of valid range (1-65535)", s.Port)
	}
	if s.MaxRequestBytes <= 0 {
		result.addError("server.max_request_bytes", "", "must be positive")
	}
	for field, value := range map[string]int64{
		"server.read_timeout":         int64(s.ReadTimeout),
		"server.write_timeout":        int64(s.WriteTimeout),
		"server.shutdown_timeout":     int64(s.ShutdownTimeout),
		"server.health_check_timeout": int64(s.HealthCheckTimeout),
	} {
		if value < 0 {
			result.addError(field, "", "timeout cannot be negative")
		}
	}
}

func (l *LoaderConfig) validate(result *ValidationResult) {
	if l.MaxInClause < 0 {
		result.addError("loader.max_in_clause", "use 0 to disable chunking", "cannot be negative")
	}
	if l.MaxInClause > 0 && l.MaxInClause < 100 {
		result.addWarning("loader.max_in_clause", "", "a limit of %d issues one query per %d parent keys", l.MaxInClause, l.MaxInClause)
	}
	if l.SiblingConcurrency < 1 {
		result.addError("loader.sibling_concurrency", "", "must be at least 1")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.addError("observability.trace_sample_ratio", "", "must be between 0.0 and 1.0, got %v", o.TraceSampleRatio)
	}

	switch strings.ToLower(o.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result.addError("observability.logging.level", "use debug, info, warn or error", "unknown log level %q", o.Logging.Level)
	}
	switch o.Logging.Format {
	case "json", "text":
	default:
		result.addError("observability.logging.format", "use json or text", "unknown log format %q", o.Logging.Format)
	}

	if !o.TracingEnabled && !o.Logging.ExportsEnabled {
		return
	}
	if strings.TrimSpace(o.OTLP.Endpoint) == "" {
		result.addError("observability.otlp.endpoint", "", "endpoint is required when OTLP export is enabled")
	}
	switch strings.ToLower(strings.TrimSpace(o.OTLP.Protocol)) {
	case "", "grpc", "http", "http/protobuf":
	default:
		result.addError("observability.otlp.protocol", "use grpc or http/protobuf", "unsupported OTLP protocol %q", o.OTLP.Protocol)
	}
	switch strings.ToLower(o.OTLP.Compression) {
	case "", "none", "gzip":
	default:
		result.addError("observability.otlp.compression", "use none or gzip", "unsupported compression %q", o.OTLP.Compression)
	}
	if o.OTLP.Insecure {
		result.addWarning("observability.otlp.insecure", "", "telemetry is exported without TLS")
	}
}

func validateRelations(result *ValidationResult, relations []RelationConfig) {
	seen := make(map[string]int, len(relations))
	for i, rc := range relations {
		field := fmt.Sprintf("relations[%d]", i)

		if strings.TrimSpace(rc.Table) == "" || strings.TrimSpace(rc.Name) == "" || strings.TrimSpace(rc.Target) == "" {
			result.addError(field, "", "table, name and target are required")
			continue
		}

		key := strings.TrimSpace(rc.Table) + "." + strings.TrimSpace(rc.Name)
		if prev, ok := seen[key]; ok {
			result.addError(field, "", "relation %s is already declared at relations[%d]", key, prev)
			continue
		}
		seen[key] = i

		rel, err := rc.Relationship()
		if err != nil {
			result.addError(field+".kind", "use belongs_to, has_one, has_many or many_to_many", "%v", err)
			continue
		}
		if err := rel.Validate(); err != nil {
			result.addError(field, "", "%v", err)
			continue
		}
		if rel.Kind == catalog.KindManyToMany && rel.Through == "" {
			result.addWarning(field+".through", "", "join table for %s will be derived by naming convention", key)
		}
	}
}
