// Package config loads loader configuration from files, env vars, and flags, and validates it.
package config

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"tidb-deepload/internal/catalog"
	"tidb-deepload/internal/logging"
	"tidb-deepload/internal/naming"
	"tidb-deepload/internal/observability"
)

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Loader        LoaderConfig        `mapstructure:"loader"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Naming        naming.Config       `mapstructure:"naming"`
	Relations     []RelationConfig    `mapstructure:"relations"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	ConnectionString string            `mapstructure:"dsn"`
	Host             string            `mapstructure:"host"`
	Port             int               `mapstructure:"port"`
	User             string            `mapstructure:"user"`
	Password         string            `mapstructure:"password"`
	PasswordFile     string            `mapstructure:"password_file"`
	PasswordPrompt   bool              `mapstructure:"password_prompt"`
	Database         string            `mapstructure:"database"`
	TLS              DatabaseTLSConfig `mapstructure:"tls"`
	Pool             PoolConfig        `mapstructure:"pool"`
}

// DatabaseTLSConfig holds TLS settings for the database connection.
type DatabaseTLSConfig struct {
	Mode       string `mapstructure:"mode"` // off, skip-verify, verify-ca, verify-full
	CAFile     string `mapstructure:"ca_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	ServerName string `mapstructure:"server_name"`
}

// PoolConfig holds database/sql pool limits.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	MaxRequestBytes    int64         `mapstructure:"max_request_bytes"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
}

// LoaderConfig tunes how batch queries are issued.
type LoaderConfig struct {
	// MaxInClause splits a parent key set into chunks of at most this many
	// values. Zero keeps one query per tree node.
	MaxInClause int `mapstructure:"max_in_clause"`
	// SiblingConcurrency bounds how many sibling subtrees load at once.
	SiblingConcurrency int `mapstructure:"sibling_concurrency"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	ExportsEnabled bool   `mapstructure:"exports_enabled"`
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName      string        `mapstructure:"service_name"`
	ServiceVersion   string        `mapstructure:"service_version"`
	Environment      string        `mapstructure:"environment"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
	Logging          LoggingConfig `mapstructure:"logging"`
	OTLP             OTLPConfig    `mapstructure:"otlp"`
}

// OTLPConfig holds OTLP exporter configuration shared by traces and logs.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"`
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"`
}

// RelationConfig declares a relationship that foreign keys alone cannot
// express, or overrides a derived one with the same name.
type RelationConfig struct {
	Table            string `mapstructure:"table"`
	Name             string `mapstructure:"name"`
	Kind             string `mapstructure:"kind"`
	Target           string `mapstructure:"target"`
	ForeignKey       string `mapstructure:"foreign_key"`
	PrimaryKey       string `mapstructure:"primary_key"`
	Through          string `mapstructure:"through"`
	ThroughTargetKey string `mapstructure:"through_target_key"`
	// Scope is a raw SQL predicate ANDed into every query for the target.
	Scope string `mapstructure:"scope"`
	// Conditions is a second raw SQL predicate applied after Scope.
	Conditions string `mapstructure:"conditions"`
}

// Relationship converts the declaration into a catalog relationship.
func (r RelationConfig) Relationship() (catalog.Relationship, error) {
	kind, err := catalog.ParseKind(r.Kind)
	if err != nil {
		return catalog.Relationship{}, fmt.Errorf("relation %s.%s: %w", r.Table, r.Name, err)
	}

	rel := catalog.Relationship{
		Name:             strings.TrimSpace(r.Name),
		Kind:             kind,
		OwnerTable:       strings.TrimSpace(r.Table),
		TargetTable:      strings.TrimSpace(r.Target),
		ForeignKey:       strings.TrimSpace(r.ForeignKey),
		PrimaryKey:       strings.TrimSpace(r.PrimaryKey),
		Through:          strings.TrimSpace(r.Through),
		ThroughTargetKey: strings.TrimSpace(r.ThroughTargetKey),
		Declared:         true,
	}
	if scope := strings.TrimSpace(r.Scope); scope != "" {
		rel.Scope = sq.Expr(scope)
	}
	if conditions := strings.TrimSpace(r.Conditions); conditions != "" {
		rel.Conditions = sq.Expr(conditions)
	}
	return rel, nil
}

// LoggingOptions maps logging settings onto the logging package.
func (o ObservabilityConfig) LoggingOptions() logging.Config {
	return logging.Config{
		Level:  o.Logging.Level,
		Format: o.Logging.Format,
	}
}

// Telemetry maps observability settings onto the observability package.
func (o ObservabilityConfig) Telemetry() observability.Config {
	return observability.Config{
		ServiceName:      o.ServiceName,
		ServiceVersion:   o.ServiceVersion,
		Environment:      o.Environment,
		TraceSampleRatio: o.TraceSampleRatio,
		OTLP: observability.OTLPExporterConfig{
			Endpoint:          o.OTLP.Endpoint,
			Protocol:          o.OTLP.Protocol,
			Insecure:          o.OTLP.Insecure,
			TLSCertFile:       o.OTLP.TLSCertFile,
			TLSClientCertFile: o.OTLP.TLSClientCertFile,
			TLSClientKeyFile:  o.OTLP.TLSClientKeyFile,
			Headers:           o.OTLP.Headers,
			Timeout:           o.OTLP.Timeout,
			Gzip:              strings.EqualFold(o.OTLP.Compression, "gzip"),
		},
	}
}
