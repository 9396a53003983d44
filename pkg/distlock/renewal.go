package distlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/distlock/pkg/resilience"
)

// Termination reasons reported in logs and metrics.
const (
	reasonRenewTimeout = "renew_timeout"
	reasonRenewOverrun = "renew_overrun"
	reasonRenewFailed  = "renew_failed"
	reasonLeaseExpired = "lease_expired"
	reasonSleepOverrun = "sleep_overrun"
)

// renewLoop extends this instance's lease every LockInterval. Any sign that the lease
// may have lapsed terminates the process; nothing here is retried.
func (c *Coordinator) renewLoop(ctx context.Context, id uuid.UUID) {
	defer c.wg.Done()

	for {
		opts := c.Options()
		ttl := opts.ExpiryInterval()

		rows, elapsed, err := resilience.Timed(ctx, opts.RenewInterval, c.now, func(queryCtx context.Context) (int64, error) {
			return c.store.RenewInstance(queryCtx, id, ttl)
		})
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, resilience.ErrTimeout):
			recordRenew("timeout", elapsed)
			c.failFast(reasonRenewTimeout, fmt.Errorf("lease renewal did not complete within %s", opts.RenewInterval))
			return
		case elapsed > 2*opts.RenewInterval:
			recordRenew("overrun", elapsed)
			c.failFast(reasonRenewOverrun, fmt.Errorf("lease renewal took %s, limit is %s", elapsed, 2*opts.RenewInterval))
			return
		case err != nil:
			recordRenew("error", elapsed)
			c.failFast(reasonRenewFailed, fmt.Errorf("lease renewal failed: %w", err))
			return
		case rows != 1:
			recordRenew("expired", elapsed)
			c.failFast(reasonLeaseExpired, fmt.Errorf("lease already expired: renewal updated %d rows", rows))
			return
		}
		recordRenew("ok", elapsed)
		c.log.Debug("service instance lease renewed", "service_id", id.String(), "elapsed", elapsed, "ttl", ttl)

		slept, ok := c.sleep(ctx, opts.LockInterval)
		if !ok {
			return
		}
		if limit := opts.LockInterval + opts.RenewInterval; slept > limit {
			c.failFast(reasonSleepOverrun, fmt.Errorf("renewal sleep took %s, limit is %s", slept, limit))
			return
		}
	}
}

// sleepContext waits for d or ctx. It reports the time actually slept, read from the
// coordinator clock, and false when ctx ended the wait.
func (c *Coordinator) sleepContext(ctx context.Context, d time.Duration) (time.Duration, bool) {
	start := c.now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return c.now().Sub(start), false
	case <-timer.C:
		return c.now().Sub(start), true
	}
}
