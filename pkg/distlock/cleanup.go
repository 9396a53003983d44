package distlock

import (
	"context"
	"fmt"
)

// cleanupLoop purges expired instances every CheckInterval. Failures are logged and
// the pass is retried on the next interval.
func (c *Coordinator) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		purged, err := c.Sweep(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("expired service instance cleanup failed", "purged", purged, "error", err)
		}

		if _, ok := c.sleepContext(ctx, c.Options().CheckInterval); !ok {
			return
		}
	}
}

// Sweep purges expired service instances, one at a time, until none remain. Each
// purge removes the instance's locks before its lease. It returns the number of
// instances purged and does not require Start.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	purged := 0
	for {
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		id, found, err := c.store.NextExpiredInstance(ctx)
		if err != nil {
			return purged, fmt.Errorf("find expired service instance: %w", err)
		}
		if !found {
			return purged, nil
		}

		if err := c.store.PurgeInstance(ctx, id); err != nil {
			return purged, fmt.Errorf("purge service instance %s: %w", id, err)
		}
		purged++
		cleanupPurgedTotal.Inc()
		c.log.Info("purged expired service instance", "expired_service_id", id.String())
	}
}
