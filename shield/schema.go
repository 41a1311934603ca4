package shield

import "database/sql"

// Schema defines the SQLite table used by the RateLimiter: per-endpoint
// rate limiting rules, keyed by "METHOD /path". Apply with Init(db) or
// execute manually; all statements are idempotent (CREATE IF NOT EXISTS).
//
// A default rule is seeded for document submission so a fresh database
// limits the expensive endpoint without operator action. Operators tune or
// disable it by updating the row; changes are picked up by StartReloader.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
VALUES ('POST /api/v1/jobs', 30, 60, 1);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
