package distlock

import (
	"context"
	"time"
)

const notifyTimeout = 2 * time.Second

// watchRelease registers interest in releases of name. The returned channel receives
// a value when a release is announced; call the returned func to stop watching.
func (c *Coordinator) watchRelease(name string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.waitersMu.Lock()
	set, ok := c.waiters[name]
	if !ok {
		set = map[chan struct{}]struct{}{}
		c.waiters[name] = set
	}
	set[ch] = struct{}{}
	c.waitersMu.Unlock()

	return ch, func() {
		c.waitersMu.Lock()
		defer c.waitersMu.Unlock()
		if set, ok := c.waiters[name]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(c.waiters, name)
			}
		}
	}
}

// signalRelease wakes every local waiter for name without blocking.
func (c *Coordinator) signalRelease(name string) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for ch := range c.waiters[name] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) dispatchReleases(ctx context.Context, releases <-chan string) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-releases:
			if !ok {
				return
			}
			c.signalRelease(name)
		}
	}
}

func (c *Coordinator) publishRelease(ctx context.Context, name string) {
	if c.notifier == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := c.notifier.Publish(publishCtx, name); err != nil {
		c.log.Debug("release notification not published", "lock", name, "error", err)
	}
}
