package leasestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/testutil"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("locks"),
		postgres.WithUsername("distlock"),
		postgres.WithPassword("distlock"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return connStr
}

func TestSQLStore_PostgresIntegration(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: DriverPostgres, URL: startPostgres(t), MaxOpenConns: 8}, logger.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	for i := 0; i < 2; i++ {
		if err := store.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema() pass %d error = %v", i+1, err)
		}
	}

	a, b := uuid.New(), uuid.New()
	if err := store.RegisterInstance(ctx, a, time.Hour); err != nil {
		t.Fatalf("RegisterInstance(a) error = %v", err)
	}
	if err := store.RegisterInstance(ctx, b, 50*time.Millisecond); err != nil {
		t.Fatalf("RegisterInstance(b) error = %v", err)
	}

	t.Run("duplicate id is reported", func(t *testing.T) {
		if err := store.RegisterInstance(ctx, a, time.Hour); err == nil {
			t.Fatal("expected duplicate instance error")
		}
	})

	t.Run("claim semantics", func(t *testing.T) {
		if ok, err := store.ClaimLock(ctx, "job-1", b); err != nil || !ok {
			t.Fatalf("expected b to claim job-1, ok=%v err=%v", ok, err)
		}
		if ok, err := store.ClaimLock(ctx, "job-1", b); err != nil || !ok {
			t.Fatalf("expected re-claim by b, ok=%v err=%v", ok, err)
		}
		if ok, err := store.ClaimLock(ctx, "job-1", a); err != nil || ok {
			t.Fatalf("expected a to be refused, ok=%v err=%v", ok, err)
		}
		locks, err := store.ListLocks(ctx)
		if err != nil || len(locks) != 1 {
			t.Fatalf("expected one lock row, got %+v err=%v", locks, err)
		}
	})

	t.Run("expired instance is swept with its locks", func(t *testing.T) {
		time.Sleep(100 * time.Millisecond)

		if rows, err := store.RenewInstance(ctx, b, time.Hour); err != nil || rows != 0 {
			t.Fatalf("expired lease must not renew, rows=%d err=%v", rows, err)
		}
		if rows, err := store.RenewInstance(ctx, a, time.Hour); err != nil || rows != 1 {
			t.Fatalf("live lease must renew, rows=%d err=%v", rows, err)
		}

		id, found, err := store.NextExpiredInstance(ctx)
		if err != nil || !found || id != b {
			t.Fatalf("expected b expired, got %s found=%v err=%v", id, found, err)
		}
		if err := store.PurgeInstance(ctx, b); err != nil {
			t.Fatalf("PurgeInstance() error = %v", err)
		}
		if locks, _ := store.ListLocks(ctx); len(locks) != 0 {
			t.Fatalf("expected cascaded lock delete, got %+v", locks)
		}
		if ok, err := store.ClaimLock(ctx, "job-1", a); err != nil || !ok {
			t.Fatalf("expected a to claim after purge, ok=%v err=%v", ok, err)
		}
		if err := store.ReleaseLock(ctx, "job-1", a); err != nil {
			t.Fatalf("ReleaseLock() error = %v", err)
		}
	})
}

func TestSQLStore_CoordinatorsOverPostgres(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	url := startPostgres(t)
	opts := distlock.DefaultOptions()

	newCoordinator := func() *distlock.Coordinator {
		store, err := Open(ctx, Config{Driver: DriverPostgres, URL: url}, logger.NewNop())
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		c, err := distlock.New(store, logger.NewNop(), opts, distlock.WithTerminate(func(code int) {
			t.Errorf("unexpected termination with exit code %d", code)
		}))
		if err != nil {
			t.Fatalf("distlock.New() error = %v", err)
		}
		if err := c.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(func() { _ = c.Stop(context.Background()) })
		return c
	}

	a, b := newCoordinator(), newCoordinator()
	handle, err := a.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("A Acquire() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := b.Acquire(waitCtx, "job-1"); err == nil {
		t.Fatal("B must not acquire while A holds job-1")
	}

	if err := handle.Release(ctx); err != nil {
		t.Fatalf("A Release() error = %v", err)
	}
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, 5*time.Second)
	defer cancelAcquire()
	handleB, err := b.Acquire(acquireCtx, "job-1")
	if err != nil {
		t.Fatalf("B Acquire() after release error = %v", err)
	}
	_ = handleB.Release(ctx)
}
