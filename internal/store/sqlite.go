package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/flowtask/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id                         TEXT PRIMARY KEY,
    title                      TEXT NOT NULL,
    description                TEXT NOT NULL DEFAULT '',
    status                     TEXT NOT NULL,
    message                    TEXT NOT NULL DEFAULT '',
    workflow                   TEXT,
    execution_state            TEXT,
    extra                      TEXT,
    schedule_enabled           INTEGER NOT NULL DEFAULT 0,
    schedule_at                DATETIME,
    schedule_time              TEXT NOT NULL DEFAULT '',
    schedule_auto_dispatch     INTEGER NOT NULL DEFAULT 1,
    schedule_port              INTEGER,
    schedule_last_triggered_at DATETIME,
    created_at                 DATETIME NOT NULL,
    updated_at                 DATETIME NOT NULL
)`

const createEngineSettingsTable = `
CREATE TABLE IF NOT EXISTS engine_settings (
    key        TEXT PRIMARY KEY,
    server_ip  TEXT NOT NULL,
    ports      TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

const defaultSettingsKey = "default"

const taskColumns = `id, title, description, status, message, workflow, execution_state, extra,
	schedule_enabled, schedule_at, schedule_time, schedule_auto_dispatch, schedule_port,
	schedule_last_triggered_at, created_at, updated_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"tasks":           createTasksTable,
		"engine_settings": createEngineSettingsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Status, t.Message,
		nullText(t.Workflow), nullString(t.ExecutionState), nullText(t.Extra),
		t.Schedule.Enabled, t.Schedule.At, t.Schedule.Time, t.Schedule.AutoDispatch, t.Schedule.Port,
		t.Schedule.LastTriggeredAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var workflow, state, extra sql.NullString
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Message, &workflow, &state, &extra,
		&t.Schedule.Enabled, &t.Schedule.At, &t.Schedule.Time, &t.Schedule.AutoDispatch, &t.Schedule.Port,
		&t.Schedule.LastTriggeredAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if workflow.Valid && workflow.String != "" {
		t.Workflow = json.RawMessage(workflow.String)
	}
	t.ExecutionState = state.String
	if extra.Valid && extra.String != "" {
		t.Extra = json.RawMessage(extra.String)
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// UpdateTaskWorkflow replaces the task's workflow graph.
func (s *SQLiteStore) UpdateTaskWorkflow(ctx context.Context, id string, workflow json.RawMessage) error {
	return s.execOne(ctx, "update task workflow",
		"UPDATE tasks SET workflow = ?, updated_at = ? WHERE id = ?",
		nullText(workflow), time.Now().UTC(), id,
	)
}

// UpdateTaskSchedule replaces the task's schedule configuration.
func (s *SQLiteStore) UpdateTaskSchedule(ctx context.Context, id string, sc model.Schedule) error {
	return s.execOne(ctx, "update task schedule",
		`UPDATE tasks SET schedule_enabled = ?, schedule_at = ?, schedule_time = ?,
			schedule_auto_dispatch = ?, schedule_port = ?, schedule_last_triggered_at = ?, updated_at = ?
		WHERE id = ?`,
		sc.Enabled, sc.At, sc.Time, sc.AutoDispatch, sc.Port, sc.LastTriggeredAt, time.Now().UTC(), id,
	)
}

// SetTaskStatus writes status and message, and the execution snapshot when
// one is given.
func (s *SQLiteStore) SetTaskStatus(ctx context.Context, id, status, message string, snapshot []byte) error {
	var state sql.NullString
	if snapshot != nil {
		state = sql.NullString{String: string(snapshot), Valid: true}
	}
	return s.execOne(ctx, "set task status",
		`UPDATE tasks SET status = ?, message = ?, execution_state = COALESCE(?, execution_state), updated_at = ?
		WHERE id = ?`,
		status, message, state, time.Now().UTC(), id,
	)
}

// SaveExecutionState replaces the persisted execution snapshot.
func (s *SQLiteStore) SaveExecutionState(ctx context.Context, id string, snapshot []byte) error {
	return s.execOne(ctx, "save execution state",
		"UPDATE tasks SET execution_state = ? WHERE id = ?",
		string(snapshot), id,
	)
}

// ListScheduledTasks returns every task with scheduling enabled.
func (s *SQLiteStore) ListScheduledTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, schedule_enabled, schedule_at, schedule_time, schedule_auto_dispatch,
			schedule_port, schedule_last_triggered_at
		FROM tasks WHERE schedule_enabled = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledTask
	for rows.Next() {
		var st model.ScheduledTask
		if err := rows.Scan(
			&st.ID, &st.Status, &st.Schedule.Enabled, &st.Schedule.At, &st.Schedule.Time,
			&st.Schedule.AutoDispatch, &st.Schedule.Port, &st.Schedule.LastTriggeredAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled tasks: %w", err)
	}
	return out, nil
}

// MarkScheduleTriggered records when the scheduler last fired the task.
func (s *SQLiteStore) MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "mark schedule triggered",
		"UPDATE tasks SET schedule_last_triggered_at = ? WHERE id = ?",
		at.UTC(), id,
	)
}

// GetTaskStats returns task counts grouped by status.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	stats := &TaskStats{CountByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return stats, nil
}

// GetEngineSettings returns the stored endpoint allow-list.
func (s *SQLiteStore) GetEngineSettings(ctx context.Context) (*model.EngineSettings, error) {
	var es model.EngineSettings
	var ports string
	err := s.db.QueryRowContext(ctx,
		"SELECT server_ip, ports, updated_at FROM engine_settings WHERE key = ?", defaultSettingsKey,
	).Scan(&es.ServerIP, &ports, &es.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get engine settings: %w", err)
	}
	if err := json.Unmarshal([]byte(ports), &es.Ports); err != nil {
		return nil, fmt.Errorf("decode engine ports: %w", err)
	}
	return &es, nil
}

// SaveEngineSettings upserts the endpoint allow-list.
func (s *SQLiteStore) SaveEngineSettings(ctx context.Context, es *model.EngineSettings) error {
	ports, err := json.Marshal(es.Ports)
	if err != nil {
		return fmt.Errorf("encode engine ports: %w", err)
	}
	if es.UpdatedAt.IsZero() {
		es.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engine_settings (key, server_ip, ports, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET server_ip = excluded.server_ip, ports = excluded.ports,
			updated_at = excluded.updated_at`,
		defaultSettingsKey, es.ServerIP, string(ports), es.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save engine settings: %w", err)
	}
	return nil
}

// execOne runs an UPDATE that must touch exactly one task.
func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
