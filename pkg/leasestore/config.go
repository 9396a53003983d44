package leasestore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"

	DefaultInstanceTable = "distlock_service_instances"
	DefaultLockTable     = "distlock_locks"

	defaultQueryTimeout = 5 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config configures the relational lease store.
type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// QueryTimeout bounds schema, listing and health queries. Lease and lock
	// statements are bounded by their callers.
	QueryTimeout  time.Duration
	InstanceTable string
	LockTable     string
}

func (c *Config) normalize() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if strings.TrimSpace(c.InstanceTable) == "" {
		c.InstanceTable = DefaultInstanceTable
	}
	if strings.TrimSpace(c.LockTable) == "" {
		c.LockTable = DefaultLockTable
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
}

func (c Config) validate() error {
	if c.Driver != DriverPostgres && c.Driver != DriverMySQL {
		return fmt.Errorf("unsupported lease store driver %q", c.Driver)
	}
	if !validTableName.MatchString(c.InstanceTable) {
		return fmt.Errorf("invalid instance table name %q", c.InstanceTable)
	}
	if !validTableName.MatchString(c.LockTable) {
		return fmt.Errorf("invalid lock table name %q", c.LockTable)
	}
	if c.InstanceTable == c.LockTable {
		return errors.New("instance and lock tables must differ")
	}
	return nil
}
