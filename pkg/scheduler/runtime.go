package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimburion/distlock/pkg/observability/logger"
)

const (
	DefaultRunTimeout = 10 * time.Minute
	DefaultRetryDelay = time.Second
)

// Locker runs fn while holding a named distributed lock. *distlock.Coordinator
// satisfies it.
type Locker interface {
	Do(ctx context.Context, name string, fn func(context.Context) error) error
}

// Config controls scheduler runtime behavior.
type Config struct {
	// RunTimeout bounds a task run when the task sets no timeout of its own.
	RunTimeout time.Duration
	// RetryDelay is the pause before competing for leadership again after an error.
	RetryDelay time.Duration
}

func (c *Config) normalize() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

type taskState struct {
	task    Task
	trigger chan struct{}
	leading atomic.Bool
}

// Runtime runs registered tasks on schedule. For each task every instance competes
// for LockName(task); the holder runs the schedule and the rest stand by until it
// releases the lock or its lease expires.
type Runtime struct {
	locker Locker
	log    logger.Logger
	config Config

	mu      sync.Mutex
	tasks   map[string]*taskState
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuntime creates a scheduler runtime.
func NewRuntime(locker Locker, log logger.Logger, cfg Config) (*Runtime, error) {
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	cfg.normalize()
	return &Runtime{
		locker: locker,
		log:    log.With("component", "scheduler"),
		config: cfg,
		tasks:  map[string]*taskState{},
	}, nil
}

// Register adds a task. Tasks must be registered before Start.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return schedulerError(ErrConflict, "cannot register tasks while running")
	}
	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = &taskState{task: task, trigger: make(chan struct{}, 1)}
	return nil
}

// Tasks returns registered task names in sorted order.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Leading reports whether this instance currently runs the named task.
func (r *Runtime) Leading(name string) bool {
	r.mu.Lock()
	st, ok := r.tasks[name]
	r.mu.Unlock()
	return ok && st.leading.Load()
}

// Start runs all registered tasks until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "runtime is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	for _, st := range r.tasks {
		r.wg.Add(1)
		go r.runTaskLoop(runningCtx, st)
	}
	r.mu.Unlock()

	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop cancels task loops, which release any leadership locks, and waits for them.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

// Trigger asks the leader loop of the named task to run it now, outside its schedule.
// It fails with ErrConflict when this instance is not the task's leader.
func (r *Runtime) Trigger(name string) error {
	r.mu.Lock()
	st, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return schedulerError(ErrNotFound, fmt.Sprintf("task %q", name))
	}
	if !st.leading.Load() {
		return schedulerError(ErrConflict, fmt.Sprintf("this instance is not leading task %q", name))
	}
	select {
	case st.trigger <- struct{}{}:
	default:
	}
	return nil
}

// HealthCheck reports an error when the runtime is not running.
func (r *Runtime) HealthCheck(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return schedulerError(ErrNotInitialized, "scheduler is not running")
	}
	return nil
}

func (r *Runtime) runTaskLoop(ctx context.Context, st *taskState) {
	defer r.wg.Done()

	name := st.task.Name
	for {
		err := r.locker.Do(ctx, LockName(name), func(leadCtx context.Context) error {
			return r.lead(leadCtx, st)
		})
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("scheduler task leadership ended, competing again", "task", name, "error", err)

		timer := time.NewTimer(r.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// lead runs the task schedule while this instance holds the task lock.
func (r *Runtime) lead(ctx context.Context, st *taskState) error {
	task := st.task
	st.leading.Store(true)
	setSchedulerLeader(task.Name, true)
	defer func() {
		st.leading.Store(false)
		setSchedulerLeader(task.Name, false)
	}()
	r.log.Info("scheduler task leadership acquired", "task", task.Name)

	from := time.Now().UTC()
	for {
		scheduled, err := task.nextRun(from)
		if err != nil {
			return err
		}

		timer := time.NewTimer(max(time.Until(scheduled), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-st.trigger:
			timer.Stop()
			r.execute(ctx, task, time.Now().UTC())
			continue
		case <-timer.C:
		}

		r.execute(ctx, task, scheduled)
		from = r.resumeFrom(ctx, task, scheduled)
	}
}

// resumeFrom picks the reference time for the next run after one that was scheduled
// at scheduled. When the run overran the following slot, that slot is a misfire and
// MisfirePolicy decides whether it runs once now or is skipped.
func (r *Runtime) resumeFrom(ctx context.Context, task Task, scheduled time.Time) time.Time {
	following, err := task.nextRun(scheduled)
	now := time.Now().UTC()
	if err != nil || !following.Before(now) {
		return scheduled
	}

	recordSchedulerMisfire(task.Name)
	if task.MisfirePolicy == MisfirePolicyFireOnce && ctx.Err() == nil {
		r.log.Warn("scheduler task missed its slot, running once", "task", task.Name, "missed", following)
		r.execute(ctx, task, following)
		return time.Now().UTC()
	}
	r.log.Warn("scheduler task missed its slot, skipping", "task", task.Name, "missed", following)
	return now
}

func (r *Runtime) execute(ctx context.Context, task Task, scheduled time.Time) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.config.RunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	incrementSchedulerRunsInFlight(task.Name)
	defer decrementSchedulerRunsInFlight(task.Name)

	started := time.Now()
	err := runTask(runCtx, task.Run)
	elapsed := time.Since(started)

	if err != nil {
		recordSchedulerRun(task.Name, "error", elapsed)
		r.log.Error("scheduler task failed", "task", task.Name, "scheduled", scheduled, "duration", elapsed, "error", err)
		return
	}
	recordSchedulerRun(task.Name, "success", elapsed)
	r.log.Debug("scheduler task completed", "task", task.Name, "scheduled", scheduled, "duration", elapsed)
}

func runTask(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return run(ctx)
}
