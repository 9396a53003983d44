package scheduler

import (
	"strings"
	"time"

	"github.com/nimburion/distlock/pkg/health"
)

const defaultHealthCheckName = "scheduler"

// NewHealthChecker reports the runtime as unhealthy while it is not running.
func NewHealthChecker(name string, runtime *Runtime, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultHealthCheckName
	}
	return health.NewAdapterChecker(checkName, runtime, timeout)
}
