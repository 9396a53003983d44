// Package distlock provides named mutual exclusion across a fleet of service
// instances that share a relational database.
//
// Every instance registers a lease row and renews it on a fixed cadence. Lock rows
// reference the lease of their owner, so when an instance dies its locks disappear
// with its lease. An instance that cannot prove its lease is still valid terminates
// the process instead of continuing to act as a lock holder.
package distlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nimburion/distlock/pkg/observability/logger"
)

// TerminateFunc ends the process with the given exit code.
type TerminateFunc func(code int)

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithNotifier enables cross-instance release notifications.
func WithNotifier(notifier ReleaseNotifier) Option {
	return func(c *Coordinator) {
		c.notifier = notifier
	}
}

// WithTerminate replaces the process exit used when the lease is lost.
func WithTerminate(fn TerminateFunc) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.terminate = fn
		}
	}
}

// WithIDGenerator replaces the service instance id generator.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// Coordinator registers this process as a service instance, keeps its lease alive,
// purges the leases of dead instances and hands out named locks.
type Coordinator struct {
	store     Store
	log       logger.Logger
	notifier  ReleaseNotifier
	terminate TerminateFunc
	newID     func() uuid.UUID

	opts  atomic.Pointer[Options]
	local *KeyedMutex
	gate  *semaphore.Weighted

	mu        sync.Mutex
	started   bool
	stopped   bool
	serviceID uuid.UUID
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     chan struct{}
	stopCh    chan struct{}

	// Clock and renewal sleep, replaced in tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) (time.Duration, bool)

	halted   atomic.Bool
	haltOnce sync.Once
	haltCh   chan struct{}

	waitersMu sync.Mutex
	waiters   map[string]map[chan struct{}]struct{}
}

// New creates a Coordinator. Options are normalized and validated; invalid timing
// is reported as ErrValidation.
func New(store Store, log logger.Logger, opts Options, options ...Option) (*Coordinator, error) {
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newCoordinator(store, log, opts, options...)
}

func newCoordinator(store Store, log logger.Logger, opts Options, options ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("lock store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	c := &Coordinator{
		store:     store,
		log:       log.With("component", "distlock"),
		terminate: exitProcess,
		newID:     uuid.New,
		local:     NewKeyedMutex(),
		gate:      semaphore.NewWeighted(1),
		ready:     make(chan struct{}),
		stopCh:    make(chan struct{}),
		now:       time.Now,
		haltCh:    make(chan struct{}),
		waiters:   map[string]map[chan struct{}]struct{}{},
	}
	c.sleep = c.sleepContext
	c.opts.Store(&opts)
	for _, option := range options {
		option(c)
	}
	return c, nil
}

func exitProcess(code int) {
	os.Exit(code)
}

// Options returns the current timing snapshot.
func (c *Coordinator) Options() Options {
	return *c.opts.Load()
}

// Reconfigure validates and installs new timing. Loops and pending acquisitions pick
// the new values up on their next iteration.
func (c *Coordinator) Reconfigure(opts Options) error {
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return err
	}
	c.opts.Store(&opts)
	c.log.Info("lock options reconfigured",
		"lock_interval", opts.LockInterval,
		"renew_interval", opts.RenewInterval,
		"grace_interval", opts.GraceInterval,
		"check_interval", opts.CheckInterval,
		"acquire_polling_interval", opts.AcquirePollingInterval,
		"debug_mode", opts.DebugMode,
	)
	return nil
}

// Start creates the schema, registers this instance and launches the renewal and
// cleanup loops. It is idempotent. The loops outlive ctx; use Stop to end them.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return lockError(ErrClosed, "coordinator was stopped")
	}
	if c.started {
		return nil
	}

	if err := c.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure lock schema: %w", err)
	}

	id, err := c.register(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.serviceID = id
	c.cancel = cancel
	c.started = true

	c.wg.Add(2)
	go c.renewLoop(loopCtx, id)
	go c.cleanupLoop(loopCtx)

	if c.notifier != nil {
		releases, err := c.notifier.Subscribe(loopCtx)
		if err != nil {
			c.log.Warn("release notifications unavailable, falling back to polling", "error", err)
		} else {
			c.wg.Add(1)
			go c.dispatchReleases(loopCtx, releases)
		}
	}

	close(c.ready)
	c.log.Info("distributed lock coordinator started", "service_id", id.String(), "expiry", c.Options().ExpiryInterval())
	return nil
}

func (c *Coordinator) register(ctx context.Context) (uuid.UUID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}
		id := c.newID()
		err := c.store.RegisterInstance(ctx, id, c.Options().ExpiryInterval())
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrDuplicateInstance) {
			c.log.Warn("service instance id already registered, generating a new one", "service_id", id.String())
			continue
		}
		return uuid.Nil, fmt.Errorf("register service instance: %w", err)
	}
}

// Stop ends the background loops and waits for them or for ctx. Pending Acquire calls
// return ErrClosed. Held locks are not released; their rows go away when the lease
// expires and is purged.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		c.log.Info("distributed lock coordinator stopped")
		return nil
	}
}

// Ready is closed once Start has registered this instance.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// WaitReady blocks until Start has completed or ctx is done.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServiceID returns this instance's id, or uuid.Nil before Start.
func (c *Coordinator) ServiceID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceID
}

// Halted reports whether the lease was lost.
func (c *Coordinator) Halted() bool {
	return c.halted.Load()
}

// HealthCheck reports whether the coordinator is running and the store is reachable.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	return c.store.HealthCheck(ctx)
}

func (c *Coordinator) checkActive() error {
	_, err := c.activeServiceID()
	return err
}

func (c *Coordinator) activeServiceID() (uuid.UUID, error) {
	if c.halted.Load() {
		return uuid.Nil, lockError(ErrLeaseLost, "coordinator halted")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return uuid.Nil, lockError(ErrClosed, "coordinator was stopped")
	}
	if !c.started {
		return uuid.Nil, ErrNotStarted
	}
	return c.serviceID, nil
}

// failFast halts the coordinator and terminates the process. Only the first call
// has any effect.
func (c *Coordinator) failFast(reason string, cause error) {
	c.haltOnce.Do(func() {
		c.halted.Store(true)
		close(c.haltCh)

		c.mu.Lock()
		id := c.serviceID
		cancel := c.cancel
		c.mu.Unlock()

		c.log.Error("service instance lease can no longer be trusted, terminating",
			"service_id", id.String(),
			"reason", reason,
			"exit_code", ExitCodeLeaseLost,
			"error", cause,
		)
		recordTermination(reason)

		if cancel != nil {
			cancel()
		}

		c.terminate(ExitCodeLeaseLost)
	})
}
