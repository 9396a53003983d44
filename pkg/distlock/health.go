package distlock

import (
	"strings"
	"time"

	"github.com/nimburion/distlock/pkg/health"
)

const defaultHealthCheckName = "distlock-coordinator"

// NewHealthChecker reports the coordinator unhealthy before Start, after Stop, once
// the lease is lost, or when the store does not answer within timeout.
func NewHealthChecker(name string, c *Coordinator, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultHealthCheckName
	}
	return health.NewAdapterChecker(checkName, c, timeout)
}
