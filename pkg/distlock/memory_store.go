package distlock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It is useful for single-process deployments,
// local development and tests; it provides no cross-process exclusion.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	instances map[uuid.UUID]time.Time
	locks     map[string]uuid.UUID
	closed    bool
}

// NewMemoryStore creates a MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a MemoryStore that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		instances: map[uuid.UUID]time.Time{},
		locks:     map[string]uuid.UUID{},
	}
}

func (s *MemoryStore) EnsureSchema(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen()
}

func (s *MemoryStore) RegisterInstance(_ context.Context, id uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, exists := s.instances[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, id)
	}
	s.instances[id] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) RenewInstance(_ context.Context, id uuid.UUID, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	now := s.now()
	expires, ok := s.instances[id]
	if !ok || !expires.After(now) {
		return 0, nil
	}
	s.instances[id] = now.Add(ttl)
	return 1, nil
}

func (s *MemoryStore) NextExpiredInstance(context.Context) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return uuid.Nil, false, err
	}
	now := s.now()
	expired := make([]uuid.UUID, 0)
	for id, expires := range s.instances {
		if expires.Before(now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return uuid.Nil, false, nil
	}
	return expired[rand.IntN(len(expired))], true, nil
}

func (s *MemoryStore) PurgeInstance(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	expires, ok := s.instances[id]
	if !ok || !expires.Before(s.now()) {
		return nil
	}
	for name, owner := range s.locks {
		if owner == id {
			delete(s.locks, name)
		}
	}
	delete(s.instances, id)
	return nil
}

func (s *MemoryStore) ClaimLock(_ context.Context, name string, owner uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if _, ok := s.instances[owner]; !ok {
		return false, fmt.Errorf("service instance %s is not registered", owner)
	}
	current, exists := s.locks[name]
	if !exists {
		s.locks[name] = owner
		return true, nil
	}
	return current == owner, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, name string, owner uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if current, ok := s.locks[name]; ok && current == owner {
		delete(s.locks, name)
	}
	return nil
}

func (s *MemoryStore) ListInstances(context.Context) ([]ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]ServiceInstance, 0, len(s.instances))
	for id, expires := range s.instances {
		out = append(out, ServiceInstance{ID: id, Expires: expires})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expires.Before(out[j].Expires) })
	return out, nil
}

func (s *MemoryStore) ListLocks(context.Context) ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]Lock, 0, len(s.locks))
	for name, owner := range s.locks {
		out = append(out, Lock{ID: name, ServiceID: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return lockError(ErrClosed, "memory store is closed")
	}
	return nil
}
