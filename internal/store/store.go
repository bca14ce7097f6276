// Package store is the durable session/pile store (spec.md §4, §5): sqlite
// in WAL mode behind a bounded, scoped connection acquisition pattern, so
// every write path proves it releases its slot on all return paths.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"github.com/aj9599/ev-dispatch/internal/apperr"
	"github.com/aj9599/ev-dispatch/internal/model"
)

// Store is the durable record of piles and sessions. All methods acquire a
// bounded slot before touching the database and release it unconditionally.
type Store struct {
	db             *sql.DB
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
}

// Open opens the sqlite database in WAL mode (grounded on the teacher's
// database/db.go) and applies the schema migrations. poolSize bounds the
// number of concurrent logical callers; acquireTimeout bounds how long a
// caller waits for a slot before failing with a Transient error.
func Open(path string, poolSize int64, acquireTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, "open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Fatal, "enable foreign keys", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Fatal, "ping sqlite", err)
	}

	s := &Store{db: db, sem: semaphore.NewWeighted(poolSize), acquireTimeout: acquireTimeout}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return apperr.Wrap(apperr.Fatal, "run migration", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// acquire reserves a bounded slot, returning a release func the caller must
// defer immediately. This is the "scoped acquisition pattern" spec.md §5
// requires: release happens on every path, including panics in the caller
// (the defer runs during unwind).
func (s *Store) acquire(ctx context.Context) (func(), error) {
	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	if err := s.sem.Acquire(actx, 1); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "acquire db connection slot", err)
	}
	return func() { s.sem.Release(1) }, nil
}

// ---- piles ----

// UpsertPile writes a pile's full row, replacing any existing one.
func (s *Store) UpsertPile(ctx context.Context, p model.Pile) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO piles (id, type, max_kw, status, lifetime_count, lifetime_kwh, lifetime_fees)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, max_kw=excluded.max_kw, status=excluded.status,
			lifetime_count=excluded.lifetime_count, lifetime_kwh=excluded.lifetime_kwh,
			lifetime_fees=excluded.lifetime_fees`,
		p.ID, string(p.Type), p.MaxKW, string(p.Status), p.LifetimeCount, p.LifetimeKWh, p.LifetimeFees)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "upsert pile", err)
	}
	return nil
}

// LoadPiles returns every persisted pile, for startup reconciliation (spec §4.5).
func (s *Store) LoadPiles(ctx context.Context) ([]model.Pile, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, `SELECT id, type, max_kw, status, lifetime_count, lifetime_kwh, lifetime_fees FROM piles`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "load piles", err)
	}
	defer rows.Close()

	var out []model.Pile
	for rows.Next() {
		var p model.Pile
		var pt, status string
		if err := rows.Scan(&p.ID, &pt, &p.MaxKW, &status, &p.LifetimeCount, &p.LifetimeKWh, &p.LifetimeFees); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan pile", err)
		}
		p.Type = model.PileType(pt)
		p.Status = model.PileStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePileLifetimeStats accumulates completed-session totals onto a pile's row.
func (s *Store) UpdatePileLifetimeStats(ctx context.Context, pileID string, kwh, fee float64) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		UPDATE piles SET lifetime_count = lifetime_count + 1,
			lifetime_kwh = lifetime_kwh + ?, lifetime_fees = lifetime_fees + ?
		WHERE id = ?`, kwh, fee, pileID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "update pile lifetime stats", err)
	}
	return nil
}

// SetPileOperationalStatus writes an administrative status change (start/stop)
// onto a pile's persisted row.
func (s *Store) SetPileOperationalStatus(ctx context.Context, pileID string, status model.PileStatus) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `UPDATE piles SET status = ? WHERE id = ?`, string(status), pileID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "set pile operational status", err)
	}
	return nil
}

// ---- sessions ----

// CreateSession inserts a new session row with the caller's status
// (STATION_WAITING for a fresh submission).
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, pile_id, queue_number, mode, requested_kwh,
			actual_kwh, duration_hours, start_time, end_time, status,
			charging_fee, service_fee, total_fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.PileID, sess.QueueNumber, string(sess.Mode), sess.RequestedKWh,
		sess.ActualKWh, sess.DurationHours, nullTime(sess.StartTime, sess.HasStartTime),
		nullTime(sess.EndTime, sess.HasEndTime), string(sess.Status),
		sess.ChargingFee, sess.ServiceFee, sess.TotalFee, sess.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "create session", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return model.Session{}, false, err
	}
	defer release()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, pile_id, queue_number, mode, requested_kwh, actual_kwh,
			duration_hours, start_time, end_time, status, charging_fee, service_fee,
			total_fee, created_at
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, apperr.Wrap(apperr.Transient, "get session", err)
	}
	return sess, true, nil
}

// UpdateRequestedKWh changes a still-waiting session's requested energy,
// conditioned on it still being in STATION_WAITING.
func (s *Store) UpdateRequestedKWh(ctx context.Context, id string, newKWh float64) (bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET requested_kwh = ? WHERE id = ? AND status = ?`,
		newKWh, id, string(model.StatusStationWaiting))
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "update requested kwh", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "update requested kwh rows affected", err)
	}
	return n > 0, nil
}

// ListSessionsByStatus returns all sessions currently in the given status.
func (s *Store) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, pile_id, queue_number, mode, requested_kwh, actual_kwh,
			duration_hours, start_time, end_time, status, charging_fee, service_fee,
			total_fee, created_at
		FROM sessions WHERE status = ?`, string(status))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list sessions by status", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ActiveSessionForUser returns a user's non-terminal session, if any, used
// to reject duplicate submissions (spec.md §4.2 invariant).
func (s *Store) ActiveSessionForUser(ctx context.Context, userID string) (model.Session, bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return model.Session{}, false, err
	}
	defer release()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, pile_id, queue_number, mode, requested_kwh, actual_kwh,
			duration_hours, start_time, end_time, status, charging_fee, service_fee,
			total_fee, created_at
		FROM sessions
		WHERE user_id = ? AND status NOT IN ('COMPLETED', 'CANCELLED', 'FAULT_COMPLETED')
		ORDER BY created_at DESC LIMIT 1`, userID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, apperr.Wrap(apperr.Transient, "active session for user", err)
	}
	return sess, true, nil
}

// CompareAndSetStatus performs a conditional status transition: the write
// only takes effect if the row's current status still matches expected.
// ok=false means another writer already moved the row on (spec.md §8's
// "idempotent conditional writes"); the caller should treat this as a
// silent no-op, not an error.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next model.SessionStatus) (bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		string(next), id, string(expected))
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "compare-and-set session status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "compare-and-set rows affected", err)
	}
	return n > 0, nil
}

// AssignPile records a successful dispatch: pile id, CHARGING status, and
// start time, conditioned on the session still being ENGINE_QUEUED. The
// queue number is not written.
func (s *Store) AssignPile(ctx context.Context, id, pileID string, start time.Time) (bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET pile_id = ?, status = ?, start_time = ?
		WHERE id = ? AND status = ?`,
		pileID, string(model.StatusCharging), start, id, string(model.StatusEngineQueued))
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "assign pile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "assign pile rows affected", err)
	}
	return n > 0, nil
}

// UpdateProgress writes the live energy/duration snapshot for a CHARGING session.
func (s *Store) UpdateProgress(ctx context.Context, id string, actualKWh, durationHours float64) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET actual_kwh = ?, duration_hours = ?
		WHERE id = ? AND status = ?`, actualKWh, durationHours, id, string(model.StatusCharging))
	if err != nil {
		return apperr.Wrap(apperr.Transient, "update progress", err)
	}
	return nil
}

// Finalize writes the terminal fee/energy/duration/status for a session in
// one write, conditioned on the row still being in expected status.
// clearPileID also nulls out pile_id on the row, which FAULT_COMPLETED
// requires (spec.md §4.2) so a faulted pile doesn't keep showing up as the
// session's pile of record.
func (s *Store) Finalize(ctx context.Context, id string, expected, final model.SessionStatus,
	actualKWh, durationHours, chargingFee, serviceFee, totalFee float64, end time.Time, clearPileID bool) (bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	query := `
		UPDATE sessions SET status = ?, actual_kwh = ?, duration_hours = ?,
			charging_fee = ?, service_fee = ?, total_fee = ?, end_time = ?`
	args := []interface{}{string(final), actualKWh, durationHours, chargingFee, serviceFee, totalFee, end}
	if clearPileID {
		query += `, pile_id = ''`
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(expected))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "finalize session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "finalize rows affected", err)
	}
	return n > 0, nil
}

func nullTime(t time.Time, has bool) interface{} {
	if !has {
		return nil
	}
	return t
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (model.Session, error) {
	var sess model.Session
	var mode, status string
	var start, end sql.NullTime

	err := sc.Scan(&sess.ID, &sess.UserID, &sess.PileID, &sess.QueueNumber, &mode,
		&sess.RequestedKWh, &sess.ActualKWh, &sess.DurationHours, &start, &end, &status,
		&sess.ChargingFee, &sess.ServiceFee, &sess.TotalFee, &sess.CreatedAt)
	if err != nil {
		return model.Session{}, err
	}
	sess.Mode = model.PileType(mode)
	sess.Status = model.SessionStatus(status)
	if start.Valid {
		sess.StartTime = start.Time
		sess.HasStartTime = true
	}
	if end.Valid {
		sess.EndTime = end.Time
		sess.HasEndTime = true
	}
	return sess, nil
}
