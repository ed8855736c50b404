package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
	ErrCapacity = errors.New("capacity exceeded")
)

// Session statuses.
const (
	StatusCreating = "creating"
	StatusReady    = "ready"
	StatusCrashed  = "crashed"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Session is a registry record. The declared configuration never changes
// after creation.
type Session struct {
	ID               string    `json:"id"`
	Framework        string    `json:"framework"`
	FrameworkVersion string    `json:"framework_version"`
	SpectrumVersion  string    `json:"spectrum_version"`
	PHPVersion       string    `json:"php_version"`
	EnvironmentID    string    `json:"environment_id,omitempty"`
	Status           string    `json:"status"`
	LastKnownState   string    `json:"last_known_state,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// FileEntry is a manifest row for a file written into a session.
type FileEntry struct {
	Path      string    `json:"path"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is a journal row for one executed command.
type Execution struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"session_id"`
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Duration  time.Duration `json:"-"`
	StartedAt time.Time     `json:"started_at"`
}

// MarshalJSON reports Duration as whole milliseconds.
func (e Execution) MarshalJSON() ([]byte, error) {
	type plain Execution
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"duration_ms"`
	}{plain(e), e.Duration.Milliseconds()})
}

type Store struct {
	db *sql.DB

	// reserveMu serializes capacity check and insert.
	reserveMu sync.Mutex

	now func() time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	framework         TEXT NOT NULL,
	framework_version TEXT NOT NULL,
	spectrum_version  TEXT NOT NULL,
	php_version       TEXT NOT NULL,
	environment_id    TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'creating',
	last_known_state  TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	expires_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS active_sessions (
	session_id     TEXT PRIMARY KEY,
	environment_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_files (
	session_id TEXT NOT NULL,
	path       TEXT NOT NULL,
	digest     TEXT NOT NULL,
	size       INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, path)
);

CREATE TABLE IF NOT EXISTS executions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	command     TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	timed_out   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL,
	started_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
`

// dsnWithPragmas applies per-connection pragmas. WAL only makes sense for a
// database file.
func dsnWithPragmas(dbPath string) string {
	dsn := dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=temp_store(MEMORY)"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return dsn
}

// New opens the store. The pool is pinned to one connection: an in-memory
// database exists per connection, and the capacity reservation relies on a
// single writer.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// SetClock replaces the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Reserve inserts the record and its index row if fewer than max sessions are
// active. The count and both inserts happen in one transaction.
func (s *Store) Reserve(sess *Session, max int) error {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin reserve: %w", err)
		}
		defer tx.Rollback()

		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM active_sessions`).Scan(&n); err != nil {
			return fmt.Errorf("counting active sessions: %w", err)
		}
		if n >= max {
			return fmt.Errorf("%w: %d of %d sessions active", ErrCapacity, n, max)
		}

		status := sess.Status
		if status == "" {
			status = StatusCreating
		}
		if _, err := tx.Exec(
			`INSERT INTO sessions (id, framework, framework_version, spectrum_version, php_version, environment_id, status, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Framework, sess.FrameworkVersion, sess.SpectrumVersion, sess.PHPVersion,
			sess.EnvironmentID, status, toMillis(sess.CreatedAt), toMillis(sess.ExpiresAt),
		); err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO active_sessions (session_id, environment_id) VALUES (?, ?)`,
			sess.ID, sess.EnvironmentID,
		); err != nil {
			return fmt.Errorf("inserting active session: %w", err)
		}
		return tx.Commit()
	})
}

// MarkReady records the environment id and flips the status to ready.
func (s *Store) MarkReady(id, environmentID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(
			`UPDATE sessions SET environment_id = ?, status = ? WHERE id = ?`,
			environmentID, StatusReady, id,
		)
		if err != nil {
			return fmt.Errorf("marking session ready: %w", err)
		}
		if err := checkRowAffected(result, id); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE active_sessions SET environment_id = ? WHERE session_id = ?`,
			environmentID, id,
		); err != nil {
			return fmt.Errorf("updating active session: %w", err)
		}
		return nil
	})
}

// SetEnvironment records the environment id before bootstrap so cleanup can
// find it.
func (s *Store) SetEnvironment(id, environmentID string) error {
	return s.inTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`UPDATE sessions SET environment_id = ? WHERE id = ?`, environmentID, id)
		if err != nil {
			return fmt.Errorf("setting environment: %w", err)
		}
		if err := checkRowAffected(result, id); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE active_sessions SET environment_id = ? WHERE session_id = ?`, environmentID, id)
		return err
	})
}

const selectSession = `SELECT id, framework, framework_version, spectrum_version, php_version,
	environment_id, status, last_known_state, created_at, expires_at FROM sessions`

// GetSession returns nil when the id is unknown or its TTL has passed.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(selectSession+` WHERE id = ? AND expires_at > ?`, id, toMillis(s.now()))
	return scanSession(row)
}

// GetSessionAny returns the record regardless of expiry.
func (s *Store) GetSessionAny(id string) (*Session, error) {
	row := s.db.QueryRow(selectSession+` WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(selectSession+` WHERE expires_at > ? ORDER BY created_at DESC`, toMillis(s.now()))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListExpiredSessions returns records whose TTL has passed at now.
func (s *Store) ListExpiredSessions(now time.Time) ([]*Session, error) {
	rows, err := s.db.Query(selectSession+` WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("listing expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListAllSessions includes expired records; used by reconciliation.
func (s *Store) ListAllSessions() ([]*Session, error) {
	rows, err := s.db.Query(selectSession + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) CountActive() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM active_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return n, nil
}

func (s *Store) UpdateStatus(id, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) UpdateLastKnownState(id, state string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE sessions SET last_known_state = ? WHERE id = ?`, state, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating last known state: %w", err)
	}
	return checkRowAffected(result, id)
}

// DeleteSession removes the record, its index row, manifest and journal.
// Deleting an unknown id is not an error.
func (s *Store) DeleteSession(id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM active_sessions WHERE session_id = ?`,
			`DELETE FROM session_files WHERE session_id = ?`,
			`DELETE FROM executions WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.Exec(q, id); err != nil {
				return fmt.Errorf("deleting session: %w", err)
			}
		}
		return nil
	})
}

// RecordFile upserts a manifest entry.
func (s *Store) RecordFile(sessionID string, f FileEntry) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO session_files (session_id, path, digest, size, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, path) DO UPDATE SET digest = excluded.digest, size = excluded.size, updated_at = excluded.updated_at`,
			sessionID, f.Path, f.Digest, f.Size, toMillis(f.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("recording file: %w", err)
		}
		return nil
	})
}

func (s *Store) ListFiles(sessionID string) ([]*FileEntry, error) {
	rows, err := s.db.Query(
		`SELECT path, digest, size, updated_at FROM session_files WHERE session_id = ? ORDER BY path`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []*FileEntry
	for rows.Next() {
		var f FileEntry
		var updated int64
		if err := rows.Scan(&f.Path, &f.Digest, &f.Size, &updated); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		f.UpdatedAt = fromMillis(updated)
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating files: %w", err)
	}
	return files, nil
}

func (s *Store) RecordExecution(e *Execution) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(
			`INSERT INTO executions (session_id, command, exit_code, timed_out, duration_ms, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.SessionID, e.Command, e.ExitCode, e.TimedOut, e.Duration.Milliseconds(), toMillis(e.StartedAt),
		)
		if err != nil {
			return fmt.Errorf("recording execution: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			e.ID = id
		}
		return nil
	})
}

// ListExecutions returns the journal oldest first.
func (s *Store) ListExecutions(sessionID string) ([]*Execution, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, command, exit_code, timed_out, duration_ms, started_at
		 FROM executions WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var e Execution
		var durMs, started int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Command, &e.ExitCode, &e.TimedOut, &durMs, &started); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		e.Duration = time.Duration(durMs) * time.Millisecond
		e.StartedAt = fromMillis(started)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return out, nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var created, expires int64
	err := row.Scan(
		&sess.ID, &sess.Framework, &sess.FrameworkVersion, &sess.SpectrumVersion, &sess.PHPVersion,
		&sess.EnvironmentID, &sess.Status, &sess.LastKnownState, &created, &expires,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.CreatedAt = fromMillis(created)
	sess.ExpiresAt = fromMillis(expires)
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}
