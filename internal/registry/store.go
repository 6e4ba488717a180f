package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kmorrow/drover/pkg/models"
)

// SQLiteStore persists registry entries to an SQLite database, one row per
// session handle. Each mutation upserts exactly one row, which keeps the
// write cost bounded no matter how large the session history grows.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultStorePath returns the registry database path under the project's
// .drover directory.
func DefaultStorePath(projectRoot string) string {
	return filepath.Join(projectRoot, ".drover", "registry.db")
}

// OpenStore opens (creating if necessary) the registry database at path.
// WAL mode is enabled so the status command can read while serve writes.
func OpenStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			handle TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_title TEXT NOT NULL DEFAULT '',
			task_priority TEXT NOT NULL DEFAULT '',
			task_tag TEXT NOT NULL DEFAULT '',
			spawned_at TEXT NOT NULL,
			state TEXT NOT NULL,
			completed_at TEXT,
			last_reconciled_at TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
		CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate registry schema: %w", err)
	}
	return nil
}

// SaveEntry upserts a single session entry.
func (s *SQLiteStore) SaveEntry(e *models.SessionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt any
	if e.CompletedAt != nil {
		completedAt = formatTime(*e.CompletedAt)
	}

	_, err := s.conn.Exec(`
		INSERT INTO sessions (
			handle, correlation_id, role, task_id, task_title, task_priority,
			task_tag, spawned_at, state, completed_at, last_reconciled_at,
			input_tokens, output_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			state = excluded.state,
			completed_at = excluded.completed_at,
			last_reconciled_at = excluded.last_reconciled_at,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens
	`,
		e.Handle, e.CorrelationID, e.Role, e.TaskID, e.TaskTitle, e.TaskPriority,
		e.TaskTag, formatTime(e.SpawnedAt), string(e.State), completedAt,
		formatTime(e.LastReconciledAt), e.Usage.InputTokens, e.Usage.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", e.Handle, err)
	}
	return nil
}

// LoadAll reads every persisted session entry.
func (s *SQLiteStore) LoadAll() ([]models.SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(`
		SELECT handle, correlation_id, role, task_id, task_title, task_priority,
		       task_tag, spawned_at, state, completed_at, last_reconciled_at,
		       input_tokens, output_tokens
		FROM sessions
	`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var entries []models.SessionEntry
	for rows.Next() {
		var e models.SessionEntry
		var spawnedAt, reconciledAt string
		var completedAt sql.NullString
		var state string

		err := rows.Scan(
			&e.Handle, &e.CorrelationID, &e.Role, &e.TaskID, &e.TaskTitle,
			&e.TaskPriority, &e.TaskTag, &spawnedAt, &state, &completedAt,
			&reconciledAt, &e.Usage.InputTokens, &e.Usage.OutputTokens,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		e.State = models.SessionState(state)
		e.SpawnedAt, _ = parseTime(spawnedAt)
		e.LastReconciledAt, _ = parseTime(reconciledAt)
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err == nil {
				e.CompletedAt = &t
			}
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time stored by formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
