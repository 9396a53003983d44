package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/scheduler"
)

const redactedValue = "******"

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.Name) == "" {
		return errors.New("service.name is required")
	}

	switch c.Database.Type {
	case DatabaseTypePostgres, DatabaseTypeMySQL:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("database.url is required when database.type is %s", c.Database.Type)
		}
	case DatabaseTypeMemory:
	default:
		return fmt.Errorf("database.type must be one of postgres, mysql, memory; got %q", c.Database.Type)
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		return errors.New("database connection pool sizes must be >= 0")
	}

	if err := c.Lock.Normalize().Validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	if c.Notify.URL != "" && strings.TrimSpace(c.Notify.Channel) == "" {
		return errors.New("notify.channel is required when notify.url is set")
	}

	seen := map[string]struct{}{}
	for i, task := range c.Scheduler.Tasks {
		if len(task.Command) == 0 || strings.TrimSpace(task.Command[0]) == "" {
			return fmt.Errorf("scheduler.tasks[%d].command is required", i)
		}
		candidate := scheduler.Task{
			Name:          task.Name,
			Schedule:      task.Schedule,
			Timezone:      task.Timezone,
			MisfirePolicy: task.MisfirePolicy,
			Timeout:       task.Timeout,
			Run:           func(context.Context) error { return nil },
		}
		if err := candidate.Validate(); err != nil {
			return fmt.Errorf("scheduler.tasks[%d]: %w", i, err)
		}
		if _, dup := seen[task.Name]; dup {
			return fmt.Errorf("scheduler.tasks[%d]: duplicate task name %q", i, task.Name)
		}
		seen[task.Name] = struct{}{}
	}

	if c.Management.Enabled && (c.Management.Port <= 0 || c.Management.Port > 65535) {
		return fmt.Errorf("management.port must be between 1 and 65535, got %d", c.Management.Port)
	}

	if _, err := logger.ParseLogLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("observability.log_level: %w", err)
	}
	if _, err := logger.ParseLogFormat(c.Observability.LogFormat); err != nil {
		return fmt.Errorf("observability.log_format: %w", err)
	}
	tracing := c.Observability.Tracing
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		return errors.New("observability.tracing.endpoint is required when tracing is enabled")
	}
	if tracing.SampleRate < 0 || tracing.SampleRate > 1 {
		return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1, got %v", tracing.SampleRate)
	}

	return nil
}

// LockOptions returns the lock section with DebugMode adjustments applied.
func (c *Config) LockOptions() distlock.Options {
	return c.Lock.Normalize()
}

// Redacted renders the configuration as YAML with secret fields masked. Fields tagged
// secret:"true" are always masked; any other field that was set by the secrets file
// is masked as well.
func (c *Config) Redacted(secrets *Config) (string, error) {
	masked := *c
	masked.Scheduler.Tasks = append([]SchedulerTaskConfig(nil), c.Scheduler.Tasks...)

	var secretValues reflect.Value
	if secrets != nil {
		secretValues = reflect.ValueOf(secrets).Elem()
	}
	maskStruct(reflect.ValueOf(&masked).Elem(), secretValues)

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

func maskStruct(v, secrets reflect.Value) {
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		var fromSecrets reflect.Value
		if secrets.IsValid() {
			fromSecrets = secrets.Field(i)
		}

		switch field.Kind() {
		case reflect.Struct:
			maskStruct(field, fromSecrets)
		case reflect.String:
			if field.String() == "" {
				continue
			}
			tagged := t.Field(i).Tag.Get("secret") == "true"
			if tagged || (fromSecrets.IsValid() && fromSecrets.String() != "") {
				field.SetString(redactedValue)
			}
		}
	}
}
