package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/observability/tracing"
)

type handleState int

const (
	handleHeld handleState = iota + 1
	handleReleased
)

// Handle is one acquisition of a named lock. It is released at most once.
type Handle struct {
	coord      *Coordinator
	name       string
	acquiredAt time.Time
	// stored is false when the lock was granted in DebugMode without a row.
	stored bool

	mu    sync.Mutex
	state handleState
}

func newHandle(c *Coordinator, name string, stored bool) *Handle {
	return &Handle{
		coord:      c,
		name:       name,
		acquiredAt: time.Now(),
		stored:     stored,
		state:      handleHeld,
	}
}

// Name returns the lock name.
func (h *Handle) Name() string {
	return h.name
}

// AcquiredAt returns when the lock was claimed.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// Held reports whether Release has not been called yet.
func (h *Handle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleHeld
}

// Release deletes the lock row and frees the local mutex. The delete is retried
// until it succeeds, so Release only returns once other instances can claim the
// lock. ctx carries tracing and logging values; it does not bound the retries.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.state != handleHeld {
		h.mu.Unlock()
		return lockError(ErrNotHeld, "lock "+h.name+" was already released")
	}
	h.state = handleReleased
	h.mu.Unlock()

	return h.coord.release(ctx, h.name, h.stored)
}

// release deletes the row when the claim stored one, whatever DebugMode says now.
func (c *Coordinator) release(ctx context.Context, name string, stored bool) error {
	id := c.ServiceID()
	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationRelease,
		tracing.WithLockName(name),
		tracing.WithServiceID(id.String()),
	)
	defer span.End()
	log := c.log.WithContext(ctx).With("lock", name)

	if stored {
		c.deleteLockRow(ctx, log, name)
	}
	locksHeld.Dec()

	if err := c.local.Release(name); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	tracing.RecordSuccess(span)
	log.Debug("distributed lock released")

	c.publishRelease(ctx, name)
	return nil
}

// deleteLockRow retries the delete until it succeeds. It gives up only once the
// lease is lost, because the purge of this instance removes the row anyway.
func (c *Coordinator) deleteLockRow(ctx context.Context, log logger.Logger, name string) {
	id := c.ServiceID()
	queryCtx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		if c.halted.Load() {
			log.Warn("lease lost, leaving lock row to instance cleanup")
			return
		}
		err := c.store.ReleaseLock(queryCtx, name, id)
		if err == nil {
			return
		}
		releaseRetriesTotal.Inc()
		log.Warn("lock release failed, retrying", "attempt", attempt, "error", err)

		timer := time.NewTimer(c.Options().AcquirePollingInterval)
		select {
		case <-c.haltCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}
