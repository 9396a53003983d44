// Package config loads distlockd configuration from defaults, an optional YAML file,
// an optional secrets file and DISTLOCK_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/leasestore"
	"github.com/nimburion/distlock/pkg/notify"
	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/observability/tracing"
)

const (
	// DefaultEnvPrefix prefixes every bound environment variable.
	DefaultEnvPrefix = "DISTLOCK"

	DatabaseTypePostgres = leasestore.DriverPostgres
	DatabaseTypeMySQL    = leasestore.DriverMySQL
	// DatabaseTypeMemory keeps leases in process memory. Only useful for a single
	// instance, typically during local development.
	DatabaseTypeMemory = "memory"
)

// Config is the complete process configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Lock          distlock.Options    `mapstructure:"lock" yaml:"lock"`
	Notify        NotifyConfig        `mapstructure:"notify" yaml:"notify"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" yaml:"scheduler"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// DatabaseConfig selects and configures the lease store.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"`
	URL             string        `mapstructure:"url" yaml:"url" secret:"true"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	InstanceTable   string        `mapstructure:"instance_table" yaml:"instance_table"`
	LockTable       string        `mapstructure:"lock_table" yaml:"lock_table"`
}

// NotifyConfig enables Redis release notifications when URL is set.
type NotifyConfig struct {
	URL              string        `mapstructure:"url" yaml:"url" secret:"true"`
	Channel          string        `mapstructure:"channel" yaml:"channel"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// SchedulerConfig lists singleton tasks run by "distlockd serve".
type SchedulerConfig struct {
	RunTimeout time.Duration         `mapstructure:"run_timeout" yaml:"run_timeout"`
	RetryDelay time.Duration         `mapstructure:"retry_delay" yaml:"retry_delay"`
	Tasks      []SchedulerTaskConfig `mapstructure:"tasks" yaml:"tasks"`
}

// SchedulerTaskConfig is a command executed on schedule by exactly one instance.
type SchedulerTaskConfig struct {
	Name          string        `mapstructure:"name" yaml:"name"`
	Schedule      string        `mapstructure:"schedule" yaml:"schedule"`
	Timezone      string        `mapstructure:"timezone" yaml:"timezone,omitempty"`
	MisfirePolicy string        `mapstructure:"misfire_policy" yaml:"misfire_policy,omitempty"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Command       []string      `mapstructure:"command" yaml:"command"`
}

// ManagementConfig configures the HTTP server exposing /health, /metrics and /version.
type ManagementConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string        `mapstructure:"log_format" yaml:"log_format"`
	Tracing   TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig configures the OTLP/gRPC trace exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "distlockd",
			Environment: "production",
		},
		Database: DatabaseConfig{
			Type:            DatabaseTypePostgres,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    5 * time.Second,
			InstanceTable:   leasestore.DefaultInstanceTable,
			LockTable:       leasestore.DefaultLockTable,
		},
		Lock: distlock.DefaultOptions(),
		Notify: NotifyConfig{
			Channel:          notify.DefaultChannel,
			OperationTimeout: 2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			RunTimeout: 10 * time.Minute,
			RetryDelay: time.Second,
		},
		Management: ManagementConfig{
			Enabled:         true,
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// LeaseStoreConfig maps the database section onto the SQL store settings.
func (c *Config) LeaseStoreConfig() leasestore.Config {
	return leasestore.Config{
		Driver:          c.Database.Type,
		URL:             c.Database.URL,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
		QueryTimeout:    c.Database.QueryTimeout,
		InstanceTable:   c.Database.InstanceTable,
		LockTable:       c.Database.LockTable,
	}
}

// NotifierConfig maps the notify section onto the Redis notifier settings.
func (c *Config) NotifierConfig() notify.Config {
	return notify.Config{
		URL:              c.Notify.URL,
		Channel:          c.Notify.Channel,
		OperationTimeout: c.Notify.OperationTimeout,
	}
}

// LoggerConfig maps the observability section onto the logger settings.
// Unknown values fall back to the logger defaults; Validate rejects them first.
func (c *Config) LoggerConfig() logger.Config {
	cfg := logger.DefaultConfig()
	if level, err := logger.ParseLogLevel(c.Observability.LogLevel); err == nil {
		cfg.Level = level
	}
	if format, err := logger.ParseLogFormat(c.Observability.LogFormat); err == nil {
		cfg.Format = format
	}
	return cfg
}

// TracerConfig maps the tracing section onto the tracer provider settings.
func (c *Config) TracerConfig(serviceVersion string) tracing.TracerConfig {
	return tracing.TracerConfig{
		ServiceName:    c.Service.Name,
		ServiceVersion: serviceVersion,
		Environment:    c.Service.Environment,
		Endpoint:       strings.TrimSpace(c.Observability.Tracing.Endpoint),
		SampleRate:     c.Observability.Tracing.SampleRate,
		Enabled:        c.Observability.Tracing.Enabled,
		Insecure:       c.Observability.Tracing.Insecure,
	}
}
