package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet

	watchOnce sync.Once
}

// flagKeys maps command line flags onto config keys. Flags override everything else
// when they were set explicitly.
var flagKeys = map[string]string{
	"database-url":  "database.url",
	"database-type": "database.type",
	"log-level":     "observability.log_level",
	"log-format":    "observability.log_format",
	"debug-mode":    "lock.debug_mode",
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables, DISTLOCK when empty
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	if strings.TrimSpace(envPrefix) == "" {
		envPrefix = DefaultEnvPrefix
	}
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  strings.ToUpper(strings.TrimSpace(envPrefix)),
	}
}

// WithFlags binds the known command line flags found in flags.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// ConfigFile returns the configured file path, possibly empty.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > secrets file > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.LoadWithSecrets()
	return cfg, err
}

// LoadWithSecrets loads configuration like Load and also returns the settings that came
// from the secrets file, nil when there is none.
func (l *ViperLoader) LoadWithSecrets() (*Config, *Config, error) {
	v, secrets, err := l.newViper()
	if err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, secrets, nil
}

func (l *ViperLoader) newViper() (*viper.Viper, *Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secrets, err := l.mergeSecrets(v)
	if err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}
	return v, secrets, nil
}

// Validate checks the loaded configuration.
func (l *ViperLoader) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	return cfg.Validate()
}

// Watch calls onChange with every valid configuration loaded after the config file
// changes on disk. Reloads that fail to load or validate go to onError and are
// otherwise ignored. Watch returns an error when no config file is set.
func (l *ViperLoader) Watch(onChange func(*Config), onError func(error)) error {
	if l.configFile == "" {
		return errors.New("config watch requires a config file")
	}
	if onChange == nil {
		return errors.New("onChange is required")
	}

	started := false
	l.watchOnce.Do(func() {
		started = true
		v := viper.New()
		v.SetConfigFile(l.configFile)
		v.OnConfigChange(func(fsnotify.Event) {
			cfg, err := l.Load()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(cfg)
		})
		v.WatchConfig()
	})
	if !started {
		return errors.New("config watch already started")
	}
	return nil
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)
	v.SetDefault("database.instance_table", cfg.Database.InstanceTable)
	v.SetDefault("database.lock_table", cfg.Database.LockTable)

	v.SetDefault("lock.lock_interval", cfg.Lock.LockInterval)
	v.SetDefault("lock.renew_interval", cfg.Lock.RenewInterval)
	v.SetDefault("lock.grace_interval", cfg.Lock.GraceInterval)
	v.SetDefault("lock.check_interval", cfg.Lock.CheckInterval)
	v.SetDefault("lock.acquire_polling_interval", cfg.Lock.AcquirePollingInterval)
	v.SetDefault("lock.debug_mode", cfg.Lock.DebugMode)

	v.SetDefault("notify.url", cfg.Notify.URL)
	v.SetDefault("notify.channel", cfg.Notify.Channel)
	v.SetDefault("notify.operation_timeout", cfg.Notify.OperationTimeout)

	v.SetDefault("scheduler.run_timeout", cfg.Scheduler.RunTimeout)
	v.SetDefault("scheduler.retry_delay", cfg.Scheduler.RetryDelay)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.shutdown_timeout", cfg.Management.ShutdownTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing.enabled", cfg.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", cfg.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", cfg.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.insecure", cfg.Observability.Tracing.Insecure)
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Database
	v.BindEnv("database.type", l.prefixedEnv("DB_TYPE"), l.prefixedEnv("DATABASE_TYPE"))
	v.BindEnv("database.url", l.prefixedEnv("DB_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("database.max_open_conns", l.prefixedEnv("DB_MAX_OPEN_CONNS"))
	v.BindEnv("database.max_idle_conns", l.prefixedEnv("DB_MAX_IDLE_CONNS"))
	v.BindEnv("database.conn_max_lifetime", l.prefixedEnv("DB_CONN_MAX_LIFETIME"))
	v.BindEnv("database.conn_max_idle_time", l.prefixedEnv("DB_CONN_MAX_IDLE_TIME"))
	v.BindEnv("database.query_timeout", l.prefixedEnv("DB_QUERY_TIMEOUT"))
	v.BindEnv("database.instance_table", l.prefixedEnv("DB_INSTANCE_TABLE"))
	v.BindEnv("database.lock_table", l.prefixedEnv("DB_LOCK_TABLE"))

	// Lock timing
	v.BindEnv("lock.lock_interval", l.prefixedEnv("LOCK_INTERVAL"))
	v.BindEnv("lock.renew_interval", l.prefixedEnv("LOCK_RENEW_INTERVAL"))
	v.BindEnv("lock.grace_interval", l.prefixedEnv("LOCK_GRACE_INTERVAL"))
	v.BindEnv("lock.check_interval", l.prefixedEnv("LOCK_CHECK_INTERVAL"))
	v.BindEnv("lock.acquire_polling_interval", l.prefixedEnv("LOCK_ACQUIRE_POLLING_INTERVAL"))
	v.BindEnv("lock.debug_mode", l.prefixedEnv("LOCK_DEBUG_MODE"))

	// Release notifications
	v.BindEnv("notify.url", l.prefixedEnv("NOTIFY_REDIS_URL"), l.prefixedEnv("REDIS_URL"))
	v.BindEnv("notify.channel", l.prefixedEnv("NOTIFY_CHANNEL"))
	v.BindEnv("notify.operation_timeout", l.prefixedEnv("NOTIFY_OPERATION_TIMEOUT"))

	// Scheduler
	v.BindEnv("scheduler.run_timeout", l.prefixedEnv("SCHEDULER_RUN_TIMEOUT"))
	v.BindEnv("scheduler.retry_delay", l.prefixedEnv("SCHEDULER_RETRY_DELAY"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))
	v.BindEnv("management.shutdown_timeout", l.prefixedEnv("MGMT_SHUTDOWN_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing.insecure", l.prefixedEnv("TRACING_INSECURE"))
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(name string) string {
	return l.envPrefix + "_" + name
}
