package store

// migrations lists schema statements applied in order at startup, matching
// the teacher's migrations.go style: a flat list of CREATE TABLE IF NOT
// EXISTS statements, no migration framework.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS piles (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		max_kw          REAL NOT NULL,
		status          TEXT NOT NULL,
		lifetime_count  INTEGER NOT NULL DEFAULT 0,
		lifetime_kwh    REAL NOT NULL DEFAULT 0,
		lifetime_fees   REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		pile_id         TEXT NOT NULL DEFAULT '',
		queue_number    TEXT NOT NULL DEFAULT '',
		mode            TEXT NOT NULL,
		requested_kwh   REAL NOT NULL,
		actual_kwh      REAL NOT NULL DEFAULT 0,
		duration_hours  REAL NOT NULL DEFAULT 0,
		start_time      DATETIME,
		end_time        DATETIME,
		status          TEXT NOT NULL,
		charging_fee    REAL NOT NULL DEFAULT 0,
		service_fee     REAL NOT NULL DEFAULT 0,
		total_fee       REAL NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_pile_id ON sessions(pile_id)`,
}
