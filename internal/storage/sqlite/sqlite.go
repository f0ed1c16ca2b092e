// Package sqlite implements storage.Backend on a single SQLite connection.
// Every primitive runs in its own transaction; with one open connection the
// transactions are serialized, which gives ClaimMin and Mutate the same
// exclusivity the memory backend gets from its mutex.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

const seqCounter = "seq:jobs"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','cancelled')),
	score INTEGER NOT NULL,
	seq INTEGER NOT NULL UNIQUE,
	started_at INTEGER NOT NULL DEFAULT 0,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_score_seq ON jobs(status, score, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_seq ON jobs(owner, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_status_started_at ON jobs(status, started_at);
CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS presence (
	worker_id TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

const recordColumns = `id, owner, status, score, seq, started_at, data`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, used by presence expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (storage.Record, error) {
	var (
		rec       storage.Record
		status    string
		startedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &status, &rec.Score, &rec.Seq, &startedAt, &rec.Data); err != nil {
		return storage.Record{}, err
	}
	rec.Status = types.JobStatus(status)
	if startedAt != 0 {
		rec.StartedAt = time.UnixMilli(startedAt)
	}
	return rec, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func getTx(ctx context.Context, tx *sql.Tx, id types.JobID) (storage.Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE id = ?`, string(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, err
}

// txCounters exposes the counters table to hooks; the transaction rolls
// writes back when the primitive aborts.
type txCounters struct {
	ctx context.Context
	tx  *sql.Tx
}

func (c txCounters) Get(name string) (int64, error) {
	var v int64
	err := c.tx.QueryRowContext(c.ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (c txCounters) Set(name string, v int64) error {
	_, err := c.tx.ExecContext(c.ctx,
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, v)
	return err
}

func runHooks(ctx context.Context, tx *sql.Tx, rec *storage.Record, hooks []storage.Hook) error {
	c := txCounters{ctx: ctx, tx: tx}
	for _, h := range hooks {
		if err := h(rec, c); err != nil {
			return err
		}
	}
	return nil
}

// applyTx runs fn against cur and writes the outcome inside tx.
func applyTx(ctx context.Context, tx *sql.Tx, cur storage.Record, fn storage.MutateFunc) (storage.Record, error) {
	next, op, err := fn(cur)
	if err != nil {
		return storage.Record{}, err
	}
	if op == storage.OpDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(cur.ID)); err != nil {
			return storage.Record{}, err
		}
		return cur, nil
	}
	next.ID = cur.ID
	next.Seq = cur.Seq
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET owner = ?, status = ?, score = ?, started_at = ?, data = ? WHERE id = ?`,
		next.Owner, string(next.Status), next.Score, millis(next.StartedAt), next.Data, string(next.ID))
	if err != nil {
		return storage.Record{}, err
	}
	return next, nil
}

func (s *Store) Create(ctx context.Context, rec storage.Record, maxPending int, hooks ...storage.Hook) (storage.Record, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, string(rec.ID)).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return storage.ErrExists
		}
		if rec.Status == types.StatusPending && maxPending > 0 {
			var depth int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'pending'`).Scan(&depth); err != nil {
				return err
			}
			if depth >= maxPending {
				return storage.ErrQueueFull
			}
		}
		if err := runHooks(ctx, tx, &rec, hooks); err != nil {
			return err
		}
		seq, err := incrTx(ctx, tx, seqCounter, 1)
		if err != nil {
			return err
		}
		rec.Seq = uint64(seq)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(rec.ID), rec.Owner, string(rec.Status), rec.Score, int64(rec.Seq), millis(rec.StartedAt), rec.Data)
		return err
	})
	if err != nil {
		return storage.Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id types.JobID) (storage.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE id = ?`, string(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) Mutate(ctx context.Context, id types.JobID, fn storage.MutateFunc) (storage.Record, error) {
	var out storage.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = applyTx(ctx, tx, cur, fn)
		return err
	})
	if err != nil {
		return storage.Record{}, err
	}
	return out, nil
}

func (s *Store) ClaimMin(ctx context.Context, fn storage.MutateFunc, hooks ...storage.Hook) (storage.Record, bool, error) {
	var (
		out storage.Record
		ok  bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM jobs WHERE status = 'pending' ORDER BY score, seq LIMIT 1`)
		cur, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = applyTx(ctx, tx, cur, func(cur storage.Record) (storage.Record, storage.Op, error) {
			next, op, err := fn(cur)
			if err != nil || op != storage.OpPut {
				return next, op, err
			}
			next.ID, next.Seq = cur.ID, cur.Seq
			return next, op, runHooks(ctx, tx, &next, hooks)
		})
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return storage.Record{}, false, err
	}
	return out, ok, nil
}

func (s *Store) Rank(ctx context.Context, id types.JobID) (int, error) {
	var rank int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status != types.StatusPending {
			return storage.ErrNotFound
		}
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND (score < ? OR (score = ? AND seq < ?))`,
			rec.Score, rec.Score, int64(rec.Seq)).Scan(&rank)
	})
	return rank, err
}

func (s *Store) RunningBefore(ctx context.Context, cutoff time.Time) ([]types.JobID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = 'running' AND started_at < ? ORDER BY seq`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.JobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.JobID(id))
	}
	return ids, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) CountPendingByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND owner = ?`, owner).Scan(&n)
	return n, err
}

func (s *Store) List(ctx context.Context, f storage.Filter) ([]storage.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	if f.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]storage.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func incrTx(ctx context.Context, tx *sql.Tx, name string, delta int64) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, name, delta)
	if err != nil {
		return 0, err
	}
	var v int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	return v, err
}

func (s *Store) Incr(ctx context.Context, counter string, delta int64) (int64, error) {
	var v int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		v, err = incrTx(ctx, tx, counter, delta)
		return err
	})
	return v, err
}

func (s *Store) Counter(ctx context.Context, counter string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, counter).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *Store) SetPresence(ctx context.Context, worker string, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (worker_id, last_seen, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET last_seen = excluded.last_seen, expires_at = excluded.expires_at`,
		worker, now.UnixMilli(), now.Add(ttl).UnixMilli())
	return err
}

func (s *Store) Presence(ctx context.Context, worker string) (time.Time, bool, error) {
	var lastSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen FROM presence WHERE worker_id = ? AND expires_at > ?`,
		worker, s.now().UnixMilli()).Scan(&lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(lastSeen), true, nil
}

func (s *Store) ListPresence(ctx context.Context) (map[string]time.Time, error) {
	now := s.now().UnixMilli()
	// expired rows are invisible; purge them opportunistically
	if _, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE expires_at <= ?`, now); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT worker_id, last_seen FROM presence WHERE expires_at > ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			worker   string
			lastSeen int64
		)
		if err := rows.Scan(&worker, &lastSeen); err != nil {
			return nil, err
		}
		out[worker] = time.UnixMilli(lastSeen)
	}
	return out, rows.Err()
}
