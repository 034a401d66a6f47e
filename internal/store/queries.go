package store

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// notifySQL goes through pg_notify so the channel name can be a parameter.
const notifySQL = `SELECT pg_notify($1, '')`

// queries holds the statements for one table/channel pair. Identifiers are
// sanitized once when the Conn is built.
type queries struct {
	createTable string
	listen      string
	insert      string
	claim       string
	delete      string
	clearLease  string
	extendLease string
	stats       string
}

func buildQueries(table, channel string) queries {
	t := pgx.Identifier{table}.Sanitize()
	return queries{
		createTable: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id             bigserial PRIMARY KEY,
    lease_deadline timestamptz,
    payload        jsonb NOT NULL
)`, t),

		listen: "LISTEN " + pgx.Identifier{channel}.Sanitize(),

		insert: fmt.Sprintf(`INSERT INTO %s (payload) VALUES ($1::jsonb) RETURNING id`, t),

		// The subquery picks the oldest eligible row and locks it, skipping rows
		// locked by concurrent claimants; the outer UPDATE sets the lease in the
		// same statement.
		claim: fmt.Sprintf(`
UPDATE %[1]s SET lease_deadline = now() + make_interval(secs => $1::float8)
WHERE id = (
    SELECT id
    FROM %[1]s
    WHERE lease_deadline IS NULL OR lease_deadline < now()
    ORDER BY id
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, payload, lease_deadline`, t),

		delete: fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t),

		clearLease: fmt.Sprintf(`UPDATE %s SET lease_deadline = NULL WHERE id = $1`, t),

		extendLease: fmt.Sprintf(`
UPDATE %s SET lease_deadline = lease_deadline + make_interval(secs => $2::float8)
WHERE id = $1
RETURNING lease_deadline`, t),

		stats: fmt.Sprintf(`
SELECT count(*),
       count(*) FILTER (WHERE lease_deadline IS NULL OR lease_deadline < now()),
       count(*) FILTER (WHERE lease_deadline >= now())
FROM %s`, t),
	}
}
