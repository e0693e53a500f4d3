package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS pending_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL,
    event_type  TEXT    NOT NULL DEFAULT '',
    record      TEXT    NOT NULL,
    queued_at   INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    synced      INTEGER NOT NULL DEFAULT 0,
    synced_at   INTEGER,
    source      TEXT    NOT NULL DEFAULT 'online'
);
CREATE INDEX IF NOT EXISTS idx_pending_synced_id ON pending_events(synced, id);
CREATE INDEX IF NOT EXISTS idx_pending_synced_at ON pending_events(synced_at);

CREATE TABLE IF NOT EXISTS dead_letters (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    queue_id    INTEGER NOT NULL,
    event_id    TEXT    NOT NULL,
    record      TEXT    NOT NULL,
    reason      TEXT    NOT NULL,
    failed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);

CREATE TABLE IF NOT EXISTS sync_metadata (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL
);
`,
	},
}

const (
	metaLastSyncAt    = "last_sync_at"
	metaLastSyncCount = "last_sync_count"
)

const recordColumns = `id, record, queued_at, retry_count, synced_at, source`

// sqliteStore is the SQLite-backed Store.
type sqliteStore struct {
	db         *sql.DB
	mu         sync.Mutex
	maxSize    int
	maxRetries int
	now        func() time.Time
}

// NewSQLiteStore opens (or creates) the queue database at cfg.Path and runs
// pending migrations. ":memory:" gives a throwaway store. A MaxRetries of
// zero or less leaves dead-lettering entirely to the caller.
func NewSQLiteStore(cfg config.QueueConfig) (Store, error) {
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{
		db:         db,
		maxSize:    cfg.MaxSize,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at INTEGER NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`, m.version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// withTx runs fn in a transaction under the store mutex.
func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Enqueue(ctx context.Context, r event.Record) (event.Record, error) {
	out, err := s.EnqueueBatch(ctx, []event.Record{r})
	if err != nil {
		return event.Record{}, err
	}
	return out[0], nil
}

func (s *sqliteStore) EnqueueBatch(ctx context.Context, rs []event.Record) ([]event.Record, error) {
	if len(rs) == 0 {
		return nil, nil
	}
	out := make([]event.Record, 0, len(rs))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		var pending int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_events WHERE synced = 0`).Scan(&pending); err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		if n := evictCount(s.maxSize, pending, len(rs)); n > 0 {
			if err := s.evictOldest(ctx, tx, n, now); err != nil {
				return err
			}
		}

		for _, r := range rs {
			r = prepareForQueue(r, now)
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			res, err := tx.ExecContext(ctx, `
                INSERT INTO pending_events(event_id, event_type, record, queued_at, retry_count, source)
                VALUES(?,?,?,?,0,?)
            `, r.EventID, string(r.EventType), string(data), now.UnixNano(), string(r.SyncStatus.Source))
			if err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
			if r.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) evictOldest(ctx context.Context, tx *sql.Tx, n int, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM pending_events WHERE synced = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return fmt.Errorf("select eviction candidates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := moveToDeadLetter(ctx, tx, id, ReasonEvicted, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) PeekBatch(ctx context.Context, n int) ([]event.Record, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
        SELECT `+recordColumns+` FROM pending_events
        WHERE synced = 0 ORDER BY id LIMIT ?
    `, n)
	if err != nil {
		return nil, fmt.Errorf("peek batch: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSynced(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixNano()
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
                UPDATE pending_events SET synced = 1, synced_at = ?, source = ?
                WHERE id = ? AND synced = 0
            `, now, string(event.SourceOfflineSync), id)
			if err != nil {
				return fmt.Errorf("mark %d synced: %w", id, err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64) (int, bool, error) {
	var (
		count int
		dead  bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT retry_count FROM pending_events WHERE id = ? AND synced = 0`, id).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		count++
		if _, err := tx.ExecContext(ctx, `UPDATE pending_events SET retry_count = ? WHERE id = ?`, count, id); err != nil {
			return fmt.Errorf("increment retry count: %w", err)
		}
		if s.maxRetries > 0 && count > s.maxRetries {
			dead = true
			return moveToDeadLetter(ctx, tx, id, ReasonRetriesExhausted, s.now())
		}
		return nil
	})
	return count, dead, err
}

func (s *sqliteStore) DeadLetter(ctx context.Context, id int64, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return moveToDeadLetter(ctx, tx, id, reason, s.now())
	})
}

func moveToDeadLetter(ctx context.Context, tx *sql.Tx, id int64, reason string, now time.Time) error {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM pending_events WHERE id = ? AND synced = 0`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO dead_letters(queue_id, event_id, record, reason, failed_at)
        VALUES(?,?,?,?,?)
    `, id, r.EventID, string(data), reason, now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove dead-lettered record: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (event.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM pending_events WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, queue_id, record, reason, failed_at FROM dead_letters
        ORDER BY id LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			data     string
			failedAt int64
		)
		if err := rows.Scan(&dl.ID, &dl.QueueID, &data, &dl.Reason, &failedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &dl.Record); err != nil {
			return nil, fmt.Errorf("decode dead letter %d: %w", dl.ID, err)
		}
		dl.Record.ID = dl.QueueID
		dl.FailedAt = time.Unix(0, failedAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Requeue(ctx context.Context, deadLetterID int64) (event.Record, error) {
	var r event.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var data string
		err := tx.QueryRowContext(ctx, `SELECT record FROM dead_letters WHERE id = ?`, deadLetterID).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return fmt.Errorf("decode dead letter %d: %w", deadLetterID, err)
		}

		now := s.now()
		r = prepareForQueue(r, now)
		encoded, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
            INSERT INTO pending_events(event_id, event_type, record, queued_at, retry_count, source)
            VALUES(?,?,?,?,0,?)
        `, r.EventID, string(r.EventType), string(encoded), now.UnixNano(), string(r.SyncStatus.Source))
		if err != nil {
			return fmt.Errorf("requeue record: %w", err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, deadLetterID)
		return err
	})
	if err != nil {
		return event.Record{}, err
	}
	return r, nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	err := s.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM pending_events WHERE synced = 0),
            (SELECT COUNT(*) FROM pending_events WHERE synced = 1),
            (SELECT COUNT(*) FROM dead_letters)
    `).Scan(&st.Pending, &st.Synced, &st.DeadLetters)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM sync_metadata WHERE key IN (?, ?)`, metaLastSyncAt, metaLastSyncCount)
	if err != nil {
		return Stats{}, fmt.Errorf("sync metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Stats{}, err
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case metaLastSyncAt:
			t := time.Unix(0, n)
			st.LastSync = &t
		case metaLastSyncCount:
			st.LastSyncCount = int(n)
		}
	}
	return st, rows.Err()
}

func (s *sqliteStore) RecordSync(ctx context.Context, at time.Time, synced int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for key, value := range map[string]int64{
			metaLastSyncAt:    at.UnixNano(),
			metaLastSyncCount: int64(synced),
		} {
			_, err := tx.ExecContext(ctx, `
                INSERT INTO sync_metadata(key, value) VALUES(?, ?)
                ON CONFLICT(key) DO UPDATE SET value = excluded.value
            `, key, strconv.FormatInt(value, 10))
			if err != nil {
				return fmt.Errorf("write %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_events WHERE synced = 1 AND synced_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge synced: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes a row selected with recordColumns. Queue columns take
// precedence over the stored JSON.
func scanRecord(row rowScanner) (event.Record, error) {
	var (
		id         int64
		data       string
		queuedAt   int64
		retryCount int
		syncedAt   sql.NullInt64
		source     string
	)
	if err := row.Scan(&id, &data, &queuedAt, &retryCount, &syncedAt, &source); err != nil {
		return event.Record{}, err
	}

	var r event.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return event.Record{}, fmt.Errorf("decode record %d: %w", id, err)
	}
	r.ID = id
	q := time.Unix(0, queuedAt)
	r.SyncStatus.QueuedAt = &q
	r.SyncStatus.RetryCount = retryCount
	r.SyncStatus.Source = event.Source(source)
	r.SyncStatus.SyncedAt = nil
	if syncedAt.Valid {
		t := time.Unix(0, syncedAt.Int64)
		r.SyncStatus.SyncedAt = &t
	}
	return r, nil
}
