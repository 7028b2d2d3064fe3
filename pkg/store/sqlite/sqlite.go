// Package sqlite implements store.SessionStore on SQLite.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/store"
)

// Store manages build session and event persistence in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.SessionStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS build_sessions (
			id             TEXT PRIMARY KEY,
			thread_id      TEXT NOT NULL DEFAULT '',
			requester_id   TEXT NOT NULL DEFAULT '',
			requester_name TEXT NOT NULL DEFAULT '',
			sandbox_id     TEXT NOT NULL DEFAULT '',
			repo           TEXT NOT NULL DEFAULT '',
			branch         TEXT NOT NULL DEFAULT '',
			pr_number      INTEGER NOT NULL DEFAULT 0,
			pr_url         TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			error          TEXT NOT NULL DEFAULT '',
			created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_build_sessions_status
			ON build_sessions(status);

		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_id
			ON session_events(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts a session record.
func (s *Store) SaveSession(snap model.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO build_sessions (id, thread_id, requester_id, requester_name,
			sandbox_id, repo, branch, pr_number, pr_url, description, status,
			error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			requester_id = excluded.requester_id,
			requester_name = excluded.requester_name,
			sandbox_id = excluded.sandbox_id,
			repo = excluded.repo,
			branch = excluded.branch,
			pr_number = excluded.pr_number,
			pr_url = excluded.pr_url,
			description = excluded.description,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		snap.ID, snap.ThreadID, snap.RequesterID, snap.RequesterName,
		snap.SandboxID, snap.Repo, snap.Branch, snap.PRNumber, snap.PRURL,
		snap.Description, snap.Status, snap.Error, snap.CreatedAt, snap.UpdatedAt,
	)
	return err
}

const sessionColumns = `id, thread_id, requester_id, requester_name, sandbox_id,
	repo, branch, pr_number, pr_url, description, status, error,
	created_at, updated_at`

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (model.Snapshot, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM build_sessions WHERE id = ?`, id)
	snap, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, store.ErrNotFound
	}
	return snap, err
}

// ListSessions returns sessions ordered by creation time (newest first),
// filtered by status unless status is empty.
func (s *Store) ListSessions(status model.Status) ([]model.Snapshot, error) {
	query := `SELECT ` + sessionColumns + ` FROM build_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Snapshot
	for rows.Next() {
		snap, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, snap)
	}
	return sessions, rows.Err()
}

// UpdateStatus sets a session's status and error message.
func (s *Store) UpdateStatus(id string, status model.Status, errMsg string) error {
	res, err := s.db.Exec(
		`UPDATE build_sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(event *model.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO session_events (session_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.SessionID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a session, optionally after a given event ID.
func (s *Store) GetEvents(sessionID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, data, created_at
		 FROM session_events
		 WHERE session_id = ? AND id > ?
		 ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (model.Snapshot, error) {
	var snap model.Snapshot
	err := row.Scan(
		&snap.ID, &snap.ThreadID, &snap.RequesterID, &snap.RequesterName,
		&snap.SandboxID, &snap.Repo, &snap.Branch, &snap.PRNumber, &snap.PRURL,
		&snap.Description, &snap.Status, &snap.Error,
		&snap.CreatedAt, &snap.UpdatedAt,
	)
	return snap, err
}
