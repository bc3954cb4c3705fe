// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteDSNParams = "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_synchronous=FULL"

// SQLiteStore keeps pending records in a SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
	ownsDB bool
}

// OpenSQLiteStore opens (creating if needed) the SQLite database at path.
// Use ":memory:" for a throwaway store.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?%s", path, sqliteDSNParams)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}
	// single connection; SQLite allows one writer anyway
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db, logger)
	if err != nil {
		_ = db.Close()
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, unavailable("open", err)
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStore creates the queue table on an already open database and
// resets any record left in flight by a crash back to pending.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initialize(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	stmts := []string{
		/*language=sqlite*/ `CREATE TABLE IF NOT EXISTS _pending_records (
			local_id        TEXT PRIMARY KEY,
			payload         BLOB NOT NULL,
			created_at      INTEGER NOT NULL,
			sync_state      TEXT NOT NULL DEFAULT 'pending'
			                CHECK (sync_state IN ('pending','in_flight','failed','rejected')),
			last_error      TEXT NOT NULL DEFAULT '',
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS _pending_records_created_idx ON _pending_records(created_at, local_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifySQLiteErr("init", err)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE _pending_records SET sync_state = 'pending' WHERE sync_state = 'in_flight'`)
	if err != nil {
		return classifySQLiteErr("init", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Reset records left in flight by previous run", "count", n)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec PendingRecord) error {
	if err := rec.validate(); err != nil {
		return storeErr("put", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("put", errors.New("store closed"))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _pending_records
			(local_id, payload, created_at, sync_state, last_error, attempt_count, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			payload = excluded.payload,
			sync_state = excluded.sync_state,
			last_error = excluded.last_error,
			attempt_count = excluded.attempt_count,
			last_attempt_at = excluded.last_attempt_at`,
		rec.LocalID, []byte(rec.Payload), rec.CreatedAt.UnixNano(), string(rec.State.atRest()),
		rec.LastError, rec.AttemptCount, unixNanoOrZero(rec.LastAttemptAt))
	if err != nil {
		return classifySQLiteErr("put", err)
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("get_all", errors.New("store closed"))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, payload, created_at, sync_state, last_error, attempt_count, last_attempt_at
		FROM _pending_records
		ORDER BY created_at, local_id`)
	if err != nil {
		return nil, classifySQLiteErr("get_all", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		rec, err := scanPendingRecord(rows)
		if err != nil {
			return nil, classifySQLiteErr("get_all", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteErr("get_all", err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, localID string) (PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PendingRecord{}, unavailable("get", errors.New("store closed"))
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, payload, created_at, sync_state, last_error, attempt_count, last_attempt_at
		FROM _pending_records WHERE local_id = ?`, localID)
	rec, err := scanPendingRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return PendingRecord{}, classifySQLiteErr("get", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("delete", errors.New("store closed"))
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM _pending_records WHERE local_id = ?`, localID); err != nil {
		return classifySQLiteErr("delete", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("count", errors.New("store closed"))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _pending_records`).Scan(&n); err != nil {
		return 0, classifySQLiteErr("count", err)
	}
	return n, nil
}

// Close marks the store closed. The database is closed only when the store opened it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingRecord(row rowScanner) (PendingRecord, error) {
	var (
		rec         PendingRecord
		payload     []byte
		createdAt   int64
		state       string
		lastAttempt int64
	)
	if err := row.Scan(&rec.LocalID, &payload, &createdAt, &state, &rec.LastError, &rec.AttemptCount, &lastAttempt); err != nil {
		return PendingRecord{}, err
	}
	rec.Payload = payload
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.State = SyncState(state).atRest()
	if lastAttempt != 0 {
		rec.LastAttemptAt = time.Unix(0, lastAttempt).UTC()
	}
	return rec, nil
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// classifySQLiteErr maps storage-medium failures to ErrStoreUnavailable.
func classifySQLiteErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull, sqlite3.ErrReadonly, sqlite3.ErrCantOpen, sqlite3.ErrIoErr,
			sqlite3.ErrPerm, sqlite3.ErrNotADB, sqlite3.ErrCorrupt, sqlite3.ErrAuth:
			return unavailable(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return unavailable(op, err)
	}
	return storeErr(op, err)
}
