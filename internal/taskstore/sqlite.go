package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kmorrow/drover/pkg/models"
)

// SQLiteStore is a task store backed by SQLite. Lane transitions use
// conditional updates so claims stay atomic even with multiple writers on
// the same database file.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// DefaultPath returns the task database path under the project's .drover
// directory.
func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".drover", "tasks.db")
}

// Open opens (creating if necessary) the task database at path.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
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
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			title TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT '',
			tag TEXT NOT NULL DEFAULT '',
			lane TEXT NOT NULL DEFAULT 'queued',
			block_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_lane ON tasks(lane);
		CREATE INDEX IF NOT EXISTS idx_tasks_role ON tasks(role);
	`)
	if err != nil {
		return fmt.Errorf("migrate task schema: %w", err)
	}
	return nil
}

// Add inserts a new task into the queued lane. If the task has no ID one is
// generated.
func (s *SQLiteStore) Add(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()[:8]
	}
	if t.Lane == "" {
		t.Lane = models.LaneQueued
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, role, title, priority, tag, lane, block_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
	`, t.ID, t.Role, t.Title, t.Priority, t.Tag, string(t.Lane),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	return nil
}

// Claim moves a task from queued to claimed. Exactly one caller wins; any
// other lane yields ErrConflict.
func (s *SQLiteStore) Claim(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, models.LaneQueued, models.LaneClaimed, "")
}

// Block moves a claimed task to the blocked lane with a machine-readable
// reason. Only an external requeue gets it out again.
func (s *SQLiteStore) Block(ctx context.Context, taskID, reason string) error {
	return s.transition(ctx, taskID, models.LaneClaimed, models.LaneBlocked, reason)
}

// Requeue is the human escape hatch: it moves a blocked task back to the
// queued lane so the watcher will signal it again.
func (s *SQLiteStore) Requeue(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, models.LaneBlocked, models.LaneQueued, "")
}

// transition performs a conditional lane change.
func (s *SQLiteStore) transition(ctx context.Context, taskID string, from, to models.Lane, reason string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE tasks SET lane = ?, block_reason = ?, updated_at = ?
		WHERE id = ? AND lane = ?
	`, string(to), reason, time.Now().UTC().Format(time.RFC3339Nano), taskID, string(from))
	if err != nil {
		return fmt.Errorf("move task %s to %s: %w", taskID, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("move task %s to %s: %w", taskID, to, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrConflict, taskID)
	}
	return nil
}

// Get returns one task by ID.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, role, title, priority, tag, lane, block_reason, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// ListByLane returns all tasks in the given lane.
func (s *SQLiteStore) ListByLane(ctx context.Context, lane models.Lane) ([]models.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, role, title, priority, tag, lane, block_reason, created_at, updated_at
		FROM tasks WHERE lane = ? ORDER BY created_at
	`, string(lane))
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", lane, err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CountByLane returns the number of tasks per lane.
func (s *SQLiteStore) CountByLane(ctx context.Context) (map[models.Lane]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT lane, COUNT(*) FROM tasks GROUP BY lane`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Lane]int)
	for rows.Next() {
		var lane string
		var n int
		if err := rows.Scan(&lane, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[models.Lane(lane)] = n
	}
	return counts, rows.Err()
}

// Watch polls the queued lane and emits a signal for every dispatchable
// task it finds. Duplicate signals for the same task are expected and safe:
// the claim step admits exactly one. The channel closes when ctx ends.
func (s *SQLiteStore) Watch(ctx context.Context, interval time.Duration) <-chan Signal {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	out := make(chan Signal, 16)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			tasks, err := s.ListByLane(ctx, models.LaneQueued)
			if err != nil {
				log.Printf("[taskstore] poll queued lane: %v", err)
				continue
			}

			for _, t := range tasks {
				sig := Signal{
					TaskID:   t.ID,
					Role:     t.Role,
					Title:    t.Title,
					Priority: t.Priority,
					Tag:      t.Tag,
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var lane, createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Role, &t.Title, &t.Priority, &t.Tag, &lane, &t.BlockReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Lane = models.Lane(lane)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}
