package distlock

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/observability/tracing"
)

// Acquire blocks until this instance holds the named lock or ctx is done.
//
// Callers in the same process are serialized on a local mutex before they touch the
// database. Claim attempts are retried every AcquirePollingInterval, or sooner when
// a release of the same name is announced. Store errors are logged and retried;
// only cancellation, an invalid name, Stop or a lost lease end the wait with an error.
func (c *Coordinator) Acquire(ctx context.Context, name string) (*Handle, error) {
	if err := validateLockName(name); err != nil {
		return nil, err
	}
	id, err := c.activeServiceID()
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationAcquire,
		tracing.WithLockName(name),
		tracing.WithServiceID(id.String()),
	)
	defer span.End()
	log := c.log.WithContext(ctx).With("lock", name)
	started := time.Now()

	if err := c.waitLocal(ctx, name); err != nil {
		recordAcquire(waitResult(err), time.Since(started))
		tracing.RecordError(span, err)
		return nil, err
	}

	wake, unwatch := c.watchRelease(name)
	defer unwatch()

	for attempt := 1; ; attempt++ {
		if _, err := c.activeServiceID(); err != nil {
			return nil, c.abandonAcquire(name, span, waitResult(err), started, err)
		}

		claimed, stored, err := c.claim(ctx, name, id)
		switch {
		case claimed:
			if _, err := c.activeServiceID(); err != nil {
				if stored && !c.halted.Load() {
					c.dropClaim(ctx, log, name, id)
				}
				return nil, c.abandonAcquire(name, span, waitResult(err), started, err)
			}
			handle := newHandle(c, name, stored)
			locksHeld.Inc()
			recordAcquire("acquired", time.Since(started))
			tracing.SetLockAttempts(span, attempt)
			tracing.RecordSuccess(span)
			log.Debug("distributed lock acquired", "attempts", attempt, "waited", time.Since(started))
			return handle, nil
		case err != nil && ctx.Err() == nil:
			recordClaimAttempt("error")
			log.Warn("lock claim failed, retrying", "attempt", attempt, "error", err)
		case err == nil:
			recordClaimAttempt("busy")
		}

		if ctx.Err() != nil {
			return nil, c.abandonAcquire(name, span, "canceled", started, ctx.Err())
		}

		timer := time.NewTimer(c.Options().AcquirePollingInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, c.abandonAcquire(name, span, "canceled", started, ctx.Err())
		case <-c.haltCh:
			timer.Stop()
		case <-c.stopCh:
			timer.Stop()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// waitLocal takes the local mutex of name. Lease loss and Stop end the wait with the
// matching coordinator error.
func (c *Coordinator) waitLocal(ctx context.Context, name string) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.haltCh:
		case <-c.stopCh:
		case <-waitCtx.Done():
		}
		cancel()
	}()

	err := c.local.Wait(waitCtx, name)
	if err != nil && ctx.Err() == nil {
		if _, inactive := c.activeServiceID(); inactive != nil {
			return inactive
		}
	}
	return err
}

func waitResult(err error) string {
	switch {
	case errors.Is(err, ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "canceled"
	}
}

// claim runs one claim attempt through the single-slot gate. Once the gate is held
// the query runs to completion even if ctx is canceled, so a row that was inserted is
// always reported back to the caller. stored is false when DebugMode skipped the
// database.
func (c *Coordinator) claim(ctx context.Context, name string, id uuid.UUID) (claimed, stored bool, err error) {
	if c.Options().DebugMode {
		return true, false, nil
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return false, false, err
	}
	defer c.gate.Release(1)

	claimed, err = c.store.ClaimLock(context.WithoutCancel(ctx), name, id)
	return claimed, claimed, err
}

// dropClaim deletes a row claimed after the coordinator was stopped. A failed delete
// is left to instance cleanup once the lease expires.
func (c *Coordinator) dropClaim(ctx context.Context, log logger.Logger, name string, id uuid.UUID) {
	if err := c.store.ReleaseLock(context.WithoutCancel(ctx), name, id); err != nil {
		log.Warn("failed to drop lock claimed during shutdown", "error", err)
	}
}

// abandonAcquire gives up a pending acquisition and frees the local mutex it holds.
func (c *Coordinator) abandonAcquire(name string, span trace.Span, result string, started time.Time, cause error) error {
	if err := c.local.Release(name); err != nil {
		c.log.Warn("local lock release failed", "lock", name, "error", err)
	}
	recordAcquire(result, time.Since(started))
	tracing.RecordError(span, cause)
	return cause
}

// Do runs fn while holding the named lock and always releases it afterwards.
func (c *Coordinator) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	handle, err := c.Acquire(ctx, name)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	releaseErr := handle.Release(context.WithoutCancel(ctx))
	if fnErr != nil || releaseErr != nil {
		return errors.Join(fnErr, releaseErr)
	}
	return nil
}

// LockKey namespaces id by the name of T, e.g. LockKey[Invoice]("42") is "Invoice://42".
func LockKey[T any](id string) string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name() + "://" + id
}

// AcquireFor acquires the lock named LockKey[T](id).
func AcquireFor[T any](ctx context.Context, c *Coordinator, id string) (*Handle, error) {
	return c.Acquire(ctx, LockKey[T](id))
}

func validateLockName(name string) error {
	if name == "" {
		return lockError(ErrInvalidArgument, "lock name is required")
	}
	if n := utf8.RuneCountInString(name); n > MaxLockNameLength {
		return lockError(ErrInvalidArgument, fmt.Sprintf("lock name is %d characters, maximum is %d", n, MaxLockNameLength))
	}
	return nil
}
