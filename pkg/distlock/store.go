package distlock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ServiceInstance is one live process participating in locking.
type ServiceInstance struct {
	ID      uuid.UUID `yaml:"id"`
	Expires time.Time `yaml:"expires"`
}

// Lock is a claimed lock row owned by a service instance.
type Lock struct {
	ID        string    `yaml:"id"`
	ServiceID uuid.UUID `yaml:"service_id"`
}

// Store persists service instance leases and lock ownership. All timestamps are
// computed by the store, never by the caller's clock.
type Store interface {
	// EnsureSchema creates the backing tables if they do not exist.
	EnsureSchema(ctx context.Context) error
	// RegisterInstance inserts a lease expiring ttl from now. It returns an error
	// wrapping ErrDuplicateInstance when id already exists.
	RegisterInstance(ctx context.Context, id uuid.UUID, ttl time.Duration) error
	// RenewInstance extends the lease of id to ttl from now, but only while the
	// lease has not yet expired. It returns the number of rows updated.
	RenewInstance(ctx context.Context, id uuid.UUID, ttl time.Duration) (int64, error)
	// NextExpiredInstance returns an arbitrary instance whose lease has expired.
	NextExpiredInstance(ctx context.Context) (uuid.UUID, bool, error)
	// PurgeInstance deletes the locks and then the lease of an expired instance.
	PurgeInstance(ctx context.Context, id uuid.UUID) error
	// ClaimLock inserts the lock row for owner, or reports success when owner
	// already holds it.
	ClaimLock(ctx context.Context, name string, owner uuid.UUID) (bool, error)
	// ReleaseLock deletes the lock row if owner holds it.
	ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error
	ListInstances(ctx context.Context) ([]ServiceInstance, error)
	ListLocks(ctx context.Context) ([]Lock, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ReleaseNotifier broadcasts lock releases so waiters on other instances can retry
// before their next poll. Delivery is best effort.
type ReleaseNotifier interface {
	Publish(ctx context.Context, name string) error
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}
