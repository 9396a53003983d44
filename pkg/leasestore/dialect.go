package leasestore

import (
	"time"
)

// dialect holds the statements for one database flavour. Statements take their
// arguments in the same order across dialects.
type dialect struct {
	system string
	schema []string

	// register: (id, ttl); renew: (ttl, id)
	register    string
	renew       string
	nextExpired string
	// lockExpired: (id); selects the instance row for update if it has expired
	lockExpired   string
	purgeLocks    string
	purgeInstance string

	// claim: (name, owner). When claimCheck is set, claim is a plain insert that
	// ignores conflicts and claimCheck reports ownership.
	claim      string
	claimCheck string
	release    string

	listInstances string
	listLocks     string

	// ttlArg converts a lease length to the unit the dialect's interval math expects.
	ttlArg      func(time.Duration) int64
	isDuplicate func(error) bool
}
