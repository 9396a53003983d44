// Package leasestore implements the distributed lock store on PostgreSQL or MySQL.
package leasestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/observability/tracing"
)

// SQLStore keeps service instance leases and lock rows in two tables.
type SQLStore struct {
	db      *sql.DB
	log     logger.Logger
	config  Config
	dialect dialect
}

var _ distlock.Store = (*SQLStore)(nil)

// Open connects to the database described by cfg and verifies the connection.
// The schema is created by EnsureSchema, not here.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*SQLStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dsn := cfg.URL
	if cfg.Driver == DriverMySQL {
		var err error
		if dsn, err = mysqlDSN(cfg.URL); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("lease store connection established",
		"driver", cfg.Driver,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"instance_table", cfg.InstanceTable,
		"lock_table", cfg.LockTable,
	)
	return newSQLStoreWithDB(db, cfg, log)
}

func newSQLStoreWithDB(db *sql.DB, cfg Config, log logger.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := postgresDialect(cfg.InstanceTable, cfg.LockTable)
	if cfg.Driver == DriverMySQL {
		d = mysqlDialect(cfg.InstanceTable, cfg.LockTable)
	}
	return &SQLStore{
		db:      db,
		log:     log.With("component", "leasestore", "driver", cfg.Driver),
		config:  cfg,
		dialect: d,
	}, nil
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates both tables and the lock owner index if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	for _, statement := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("create lock schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) RegisterInstance(ctx context.Context, id uuid.UUID, ttl time.Duration) error {
	ctx, span := s.span(ctx, tracing.SpanOperationDBInsert, s.config.InstanceTable)
	defer span.End()

	_, err := s.db.ExecContext(ctx, s.dialect.register, id.String(), s.dialect.ttlArg(ttl))
	if err != nil {
		tracing.RecordError(span, err)
		if s.dialect.isDuplicate(err) {
			return fmt.Errorf("%w: %s", distlock.ErrDuplicateInstance, id)
		}
		return fmt.Errorf("insert service instance: %w", err)
	}
	return nil
}

func (s *SQLStore) RenewInstance(ctx context.Context, id uuid.UUID, ttl time.Duration) (int64, error) {
	ctx, span := s.span(ctx, tracing.SpanOperationDBUpdate, s.config.InstanceTable)
	defer span.End()

	res, err := s.db.ExecContext(ctx, s.dialect.renew, s.dialect.ttlArg(ttl), id.String())
	if err != nil {
		tracing.RecordError(span, err)
		return 0, fmt.Errorf("renew service instance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		tracing.RecordError(span, err)
		return 0, fmt.Errorf("renew service instance rows affected: %w", err)
	}
	return rows, nil
}

func (s *SQLStore) NextExpiredInstance(ctx context.Context) (uuid.UUID, bool, error) {
	ctx, span := s.span(ctx, tracing.SpanOperationDBQuery, s.config.InstanceTable)
	defer span.End()

	var raw string
	err := s.db.QueryRowContext(ctx, s.dialect.nextExpired).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return uuid.Nil, false, fmt.Errorf("select expired service instance: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse service instance id %q: %w", raw, err)
	}
	return id, true, nil
}

// PurgeInstance removes an expired instance and its locks in one transaction. An
// instance that is missing or no longer expired is left alone.
func (s *SQLStore) PurgeInstance(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := s.span(ctx, tracing.SpanOperationDBTx, s.config.InstanceTable)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Error("failed to rollback purge transaction", "service_id", id.String(), "error", rbErr)
			}
		}
	}()

	var locked string
	err = tx.QueryRowContext(ctx, s.dialect.lockExpired, id.String()).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.Commit()
		return err
	}
	if err != nil {
		return fmt.Errorf("lock expired service instance: %w", err)
	}

	if _, err = tx.ExecContext(ctx, s.dialect.purgeLocks, id.String()); err != nil {
		return fmt.Errorf("delete locks of service instance: %w", err)
	}
	if _, err = tx.ExecContext(ctx, s.dialect.purgeInstance, id.String()); err != nil {
		return fmt.Errorf("delete service instance: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit purge transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) ClaimLock(ctx context.Context, name string, owner uuid.UUID) (bool, error) {
	ctx, span := s.span(ctx, tracing.SpanOperationDBInsert, s.config.LockTable)
	defer span.End()

	claimed, err := s.claim(ctx, name, owner.String())
	if err != nil {
		tracing.RecordError(span, err)
		return false, fmt.Errorf("claim lock %q: %w", name, err)
	}
	return claimed, nil
}

func (s *SQLStore) claim(ctx context.Context, name, owner string) (bool, error) {
	if s.dialect.claimCheck == "" {
		var result int
		if err := s.db.QueryRowContext(ctx, s.dialect.claim, name, owner).Scan(&result); err != nil {
			return false, err
		}
		return result == 1, nil
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.claim, name, owner); err != nil {
		return false, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, s.dialect.claimCheck, name, owner).Scan(&count); err != nil {
		return false, err
	}
	return count == 1, nil
}

func (s *SQLStore) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	ctx, span := s.span(ctx, tracing.SpanOperationDBDelete, s.config.LockTable)
	defer span.End()

	if _, err := s.db.ExecContext(ctx, s.dialect.release, name, owner.String()); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("delete lock %q: %w", name, err)
	}
	return nil
}

func (s *SQLStore) ListInstances(ctx context.Context) ([]distlock.ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.listInstances)
	if err != nil {
		return nil, fmt.Errorf("list service instances: %w", err)
	}
	defer rows.Close()

	var out []distlock.ServiceInstance
	for rows.Next() {
		var raw string
		var instance distlock.ServiceInstance
		if err := rows.Scan(&raw, &instance.Expires); err != nil {
			return nil, fmt.Errorf("scan service instance: %w", err)
		}
		if instance.ID, err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("parse service instance id %q: %w", raw, err)
		}
		out = append(out, instance)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListLocks(ctx context.Context) ([]distlock.Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.listLocks)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []distlock.Lock
	for rows.Next() {
		var raw string
		var lock distlock.Lock
		if err := rows.Scan(&lock.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		if lock.ServiceID, err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("parse lock owner %q: %w", raw, err)
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.log.Error("lease store health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	s.log.Info("lease store connection closed")
	return nil
}

func (s *SQLStore) span(ctx context.Context, op tracing.SpanOperation, table string) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(ctx, op,
		tracing.WithDBTable(table),
		tracing.WithDBSystem(s.dialect.system),
	)
}
