// Package store persists session records so the daemon can offer
// reconnection after a restart. SQLite via modernc.org/sqlite keeps the
// deployment a single binary.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentmux/agentmux/internal/backend"
	"github.com/agentmux/agentmux/internal/session"
)

var ErrRecordNotFound = errors.New("session record not found")

// Store handles session record persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the session database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sessions.db")
	// WAL mode and a busy timeout for concurrent access from the janitor.
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		ui_session_id TEXT PRIMARY KEY,
		worktree_path TEXT NOT NULL,
		kind TEXT NOT NULL,
		backend_session_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		revert_message_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_worktree ON sessions(worktree_path, kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts a session record.
func (s *Store) Put(ctx context.Context, rec *session.Record) error {
	revert := ""
	if rec.Revert != nil {
		revert = rec.Revert.MessageID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (ui_session_id, worktree_path, kind, backend_session_id,
		                      model, mode, title, revert_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ui_session_id) DO UPDATE SET
			worktree_path = excluded.worktree_path,
			kind = excluded.kind,
			backend_session_id = excluded.backend_session_id,
			model = excluded.model,
			mode = excluded.mode,
			title = excluded.title,
			revert_message_id = excluded.revert_message_id,
			updated_at = excluded.updated_at`,
		rec.UISessionID, rec.WorktreePath, string(rec.Kind), rec.BackendSessionID,
		rec.Model, rec.Mode, rec.Title, revert, rec.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert session record: %w", err)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, uiSessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE ui_session_id = ?`, uiSessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// Get loads one record by UI session id.
func (s *Store) Get(ctx context.Context, uiSessionID string) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ui_session_id, worktree_path, kind, backend_session_id,
		       model, mode, title, revert_message_id, created_at
		FROM sessions WHERE ui_session_id = ?`, uiSessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// List returns every persisted record, oldest first.
func (s *Store) List(ctx context.Context) ([]*session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ui_session_id, worktree_path, kind, backend_session_id,
		       model, mode, title, revert_message_id, created_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*session.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes records not updated since the cutoff. The janitor
// runs this to drop sessions whose UI never reconnected.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune session records: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*session.Record, error) {
	var rec session.Record
	var kind, revert string
	if err := row.Scan(&rec.UISessionID, &rec.WorktreePath, &kind, &rec.BackendSessionID,
		&rec.Model, &rec.Mode, &rec.Title, &revert, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Kind = backend.Kind(kind)
	if revert != "" {
		rec.Revert = &backend.RevertPointer{MessageID: revert}
	}
	return &rec, nil
}
