package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRuntime_Property_TaskNeverRunsConcurrently(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one instance runs a task at any time", prop.ForAll(
		func(instances int) bool {
			locker := newMemLocker()
			var active, peak, runs atomic.Int32
			run := func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				runs.Add(1)
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
			defer cancel()
			done := make(chan error, instances)
			for range instances {
				r, err := NewRuntime(locker, &schedulerTestLogger{}, Config{RetryDelay: time.Millisecond})
				if err != nil {
					return false
				}
				if err := r.Register(Task{Name: "reconcile", Schedule: "@every 3ms", Run: run}); err != nil {
					return false
				}
				go func() { done <- r.Start(ctx) }()
			}
			for range instances {
				if err := <-done; err != nil {
					return false
				}
			}
			return peak.Load() == 1 && runs.Load() > 0
		},
		gen.IntRange(2, 5),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
