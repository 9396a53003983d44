package leasestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

func mysqlDialect(instances, locks string) dialect {
	return dialect{
		system: "mysql",
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id CHAR(36) NOT NULL PRIMARY KEY,
	expires DATETIME(6) NOT NULL
)`, instances),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id VARCHAR(100) NOT NULL PRIMARY KEY,
	service_id CHAR(36) NOT NULL,
	INDEX %[1]s_service_id_idx (service_id),
	CONSTRAINT %[1]s_service_fk FOREIGN KEY (service_id) REFERENCES %[2]s(id) ON DELETE CASCADE
)`, locks, instances),
		},
		register:      fmt.Sprintf(`INSERT INTO %s(id, expires) VALUES (?, NOW(6) + INTERVAL ? MICROSECOND)`, instances),
		renew:         fmt.Sprintf(`UPDATE %s SET expires = NOW(6) + INTERVAL ? MICROSECOND WHERE id = ? AND expires > NOW(6)`, instances),
		nextExpired:   fmt.Sprintf(`SELECT id FROM %s WHERE expires < NOW(6) ORDER BY RAND() LIMIT 1`, instances),
		lockExpired:   fmt.Sprintf(`SELECT id FROM %s WHERE id = ? AND expires < NOW(6) FOR UPDATE`, instances),
		purgeLocks:    fmt.Sprintf(`DELETE FROM %s WHERE service_id = ?`, locks),
		purgeInstance: fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, instances),
		claim:         fmt.Sprintf(`INSERT IGNORE INTO %s(id, service_id) VALUES (?, ?)`, locks),
		claimCheck:    fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ? AND service_id = ?`, locks),
		release:       fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND service_id = ?`, locks),
		listInstances: fmt.Sprintf(`SELECT id, expires FROM %s ORDER BY expires`, instances),
		listLocks:     fmt.Sprintf(`SELECT id, service_id FROM %s ORDER BY id`, locks),
		ttlArg:        func(d time.Duration) int64 { return d.Microseconds() },
		isDuplicate: func(err error) bool {
			var myErr *mysql.MySQLError
			return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
		},
	}
}

// mysqlDSN pins the session and the driver to UTC so DATETIME columns written with
// NOW(6) scan back into the right time.Time.
func mysqlDSN(url string) (string, error) {
	cfg, err := mysql.ParseDSN(url)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"
	return cfg.FormatDSN(), nil
}
