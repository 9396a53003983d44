package distlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/distlock/pkg/observability/logger"
)

func nopTestLogger() logger.Logger {
	return logger.NewNop()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func withClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func withRenewalSleep(fn func(context.Context, time.Duration) (time.Duration, bool)) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// faultStore wraps a MemoryStore and injects failures per operation.
type faultStore struct {
	*MemoryStore

	renewCalls   atomic.Int64
	claimCalls   atomic.Int64
	releaseCalls atomic.Int64

	mu              sync.Mutex
	renewRows       *int64
	renewErr        error
	renewBlock      bool
	onRenew         func()
	onClaim         func()
	claimFailures   int
	releaseFailures int
}

func newFaultStore() *faultStore {
	return &faultStore{MemoryStore: NewMemoryStore()}
}

func (s *faultStore) RenewInstance(ctx context.Context, id uuid.UUID, ttl time.Duration) (int64, error) {
	s.renewCalls.Add(1)
	s.mu.Lock()
	rows, err, block, hook := s.renewRows, s.renewErr, s.renewBlock, s.onRenew
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err != nil {
		return 0, err
	}
	if rows != nil {
		return *rows, nil
	}
	return s.MemoryStore.RenewInstance(ctx, id, ttl)
}

func (s *faultStore) ClaimLock(ctx context.Context, name string, owner uuid.UUID) (bool, error) {
	s.claimCalls.Add(1)
	s.mu.Lock()
	if hook := s.onClaim; hook != nil {
		s.onClaim = nil
		s.mu.Unlock()
		hook()
		s.mu.Lock()
	}
	if s.claimFailures > 0 {
		s.claimFailures--
		s.mu.Unlock()
		return false, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.ClaimLock(ctx, name, owner)
}

func (s *faultStore) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	s.releaseCalls.Add(1)
	s.mu.Lock()
	if s.releaseFailures > 0 {
		s.releaseFailures--
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.ReleaseLock(ctx, name, owner)
}

// fanoutNotifier delivers published names to every subscriber in the process.
type fanoutNotifier struct {
	mu   sync.Mutex
	subs []chan string
}

func (n *fanoutNotifier) Publish(_ context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- name:
		default:
		}
	}
	return nil
}

func (n *fanoutNotifier) Subscribe(context.Context) (<-chan string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan string, 16)
	n.subs = append(n.subs, ch)
	return ch, nil
}

func (n *fanoutNotifier) Close() error { return nil }

// testOptions keeps renewal well clear of the fail-fast limits while polling fast.
func testOptions() Options {
	return Options{
		LockInterval:           50 * time.Millisecond,
		RenewInterval:          time.Second,
		GraceInterval:          time.Second,
		CheckInterval:          100 * time.Millisecond,
		AcquirePollingInterval: 20 * time.Millisecond,
	}
}

type terminationRecorder struct {
	calls atomic.Int32
	codes chan int
}

func newTerminationRecorder() *terminationRecorder {
	return &terminationRecorder{codes: make(chan int, 4)}
}

func (r *terminationRecorder) terminate(code int) {
	r.calls.Add(1)
	r.codes <- code
}

func (r *terminationRecorder) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-r.codes:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("expected process termination")
		return 0
	}
}

// newStartedCoordinator starts a coordinator that fails the test if it terminates,
// unless a WithTerminate option overrides that.
func newStartedCoordinator(t *testing.T, store Store, opts Options, options ...Option) *Coordinator {
	t.Helper()
	all := append([]Option{WithTerminate(func(code int) {
		t.Errorf("unexpected termination with exit code %d", code)
	})}, options...)

	c, err := newCoordinator(store, nopTestLogger(), opts, all...)
	if err != nil {
		t.Fatalf("newCoordinator() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}
