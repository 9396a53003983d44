package distlock

import (
	"fmt"
	"time"
)

const (
	// ExitCodeLeaseLost is the process exit code used when the instance lease can no
	// longer be trusted.
	ExitCodeLeaseLost = 65

	// MaxLockNameLength bounds lock names to the width of the lock id column.
	MaxLockNameLength = 100

	// MinInterval is the smallest accepted value for every interval option.
	MinInterval = time.Second

	// DebugRenewInterval replaces RenewInterval when DebugMode is enabled so that a
	// process paused in a debugger is not terminated.
	DebugRenewInterval = 5 * time.Minute

	DefaultLockInterval           = 5 * time.Second
	DefaultRenewInterval          = 5 * time.Second
	DefaultGraceInterval          = 10 * time.Second
	DefaultCheckInterval          = 10 * time.Second
	DefaultAcquirePollingInterval = time.Second
)

// Options tunes lease timing for a coordinator.
type Options struct {
	// LockInterval is the sleep between successful renewals.
	LockInterval time.Duration `mapstructure:"lock_interval" yaml:"lock_interval"`
	// RenewInterval bounds a single renewal query.
	RenewInterval time.Duration `mapstructure:"renew_interval" yaml:"renew_interval"`
	// GraceInterval is extra slack added to the lease expiry.
	GraceInterval time.Duration `mapstructure:"grace_interval" yaml:"grace_interval"`
	// CheckInterval is the sleep between cleanup passes.
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	// AcquirePollingInterval is the sleep between failed claim attempts.
	AcquirePollingInterval time.Duration `mapstructure:"acquire_polling_interval" yaml:"acquire_polling_interval"`
	// DebugMode relaxes renewal and makes every acquisition succeed without touching
	// the datastore. Never enable it on a fleet.
	DebugMode bool `mapstructure:"debug_mode" yaml:"debug_mode"`
}

// DefaultOptions returns the stock lease timing.
func DefaultOptions() Options {
	return Options{
		LockInterval:           DefaultLockInterval,
		RenewInterval:          DefaultRenewInterval,
		GraceInterval:          DefaultGraceInterval,
		CheckInterval:          DefaultCheckInterval,
		AcquirePollingInterval: DefaultAcquirePollingInterval,
	}
}

// ExpiryInterval is the lease length written on registration and each renewal.
func (o Options) ExpiryInterval() time.Duration {
	return o.LockInterval + o.RenewInterval + o.GraceInterval
}

// Normalize applies DebugMode overrides.
func (o Options) Normalize() Options {
	if o.DebugMode {
		o.RenewInterval = DebugRenewInterval
	}
	return o
}

// Validate checks that every interval is at least MinInterval.
func (o Options) Validate() error {
	fields := []struct {
		name  string
		value time.Duration
	}{
		{"lock_interval", o.LockInterval},
		{"renew_interval", o.RenewInterval},
		{"grace_interval", o.GraceInterval},
		{"check_interval", o.CheckInterval},
		{"acquire_polling_interval", o.AcquirePollingInterval},
	}
	for _, field := range fields {
		if field.value < MinInterval {
			return lockError(ErrValidation, fmt.Sprintf("%s must be at least %s, got %s", field.name, MinInterval, field.value))
		}
	}
	return nil
}
