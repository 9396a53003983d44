package leasestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

func postgresDialect(instances, locks string) dialect {
	return dialect{
		system: "postgresql",
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	expires TIMESTAMPTZ NOT NULL
)`, instances),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(100) PRIMARY KEY,
	service_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE
)`, locks, instances),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_service_id_idx ON %[1]s(service_id)`, locks),
		},
		register:      fmt.Sprintf(`INSERT INTO %s(id, expires) VALUES ($1, NOW() + $2::bigint * INTERVAL '1 millisecond')`, instances),
		renew:         fmt.Sprintf(`UPDATE %s SET expires = NOW() + $1::bigint * INTERVAL '1 millisecond' WHERE id = $2 AND expires > NOW()`, instances),
		nextExpired:   fmt.Sprintf(`SELECT id FROM %s WHERE expires < NOW() ORDER BY RANDOM() LIMIT 1`, instances),
		lockExpired:   fmt.Sprintf(`SELECT id FROM %s WHERE id = $1 AND expires < NOW() FOR UPDATE`, instances),
		purgeLocks:    fmt.Sprintf(`DELETE FROM %s WHERE service_id = $1`, locks),
		purgeInstance: fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, instances),
		claim: fmt.Sprintf(`WITH ins AS (
	INSERT INTO %[1]s(id, service_id) VALUES ($1, $2)
	ON CONFLICT (id) DO NOTHING
	RETURNING 1
)
SELECT CASE
	WHEN EXISTS (SELECT 1 FROM ins) THEN 1
	WHEN EXISTS (SELECT 1 FROM %[1]s WHERE id = $1 AND service_id = $2) THEN 1
	ELSE 0
END`, locks),
		release:       fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND service_id = $2`, locks),
		listInstances: fmt.Sprintf(`SELECT id, expires FROM %s ORDER BY expires`, instances),
		listLocks:     fmt.Sprintf(`SELECT id, service_id FROM %s ORDER BY id`, locks),
		ttlArg:        func(d time.Duration) int64 { return d.Milliseconds() },
		isDuplicate: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
		},
	}
}
