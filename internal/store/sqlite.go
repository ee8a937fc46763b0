package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps so text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := prepareFile(path); err != nil {
			return nil, err
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func prepareFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	// Pre-create the file with restrictive permissions if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating database file: %w", err)
		}
		_ = f.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Queries ---

const queryColumns = `id, session_id, question, status, step, sql_text, summary, row_count,
	error, failed_step, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateQuery(q *QueryRecord) error {
	_, err := s.db.Exec(`INSERT INTO queries (`+queryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.SessionID, q.Question, q.Status, q.Step, q.SQL, q.Summary, q.RowCount,
		q.Error, q.FailedStep,
		formatTime(q.CreatedAt), formatTime(q.StartedAt), formatTime(q.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting query: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetQuery(id string) (*QueryRecord, error) {
	row := s.db.QueryRow(`SELECT `+queryColumns+` FROM queries WHERE id = ?`, id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query %q: %w", id, ErrNotFound)
	}
	return q, err
}

func (s *SQLiteStore) UpdateQuery(q *QueryRecord) error {
	res, err := s.db.Exec(`UPDATE queries SET
		status = ?, step = ?, sql_text = ?, summary = ?, row_count = ?,
		error = ?, failed_step = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		q.Status, q.Step, q.SQL, q.Summary, q.RowCount,
		q.Error, q.FailedStep, formatTime(q.StartedAt), formatTime(q.CompletedAt),
		q.ID)
	if err != nil {
		return fmt.Errorf("updating query: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("query %q: %w", q.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListQueries(f QueryFilter) ([]QueryRecord, error) {
	query := "SELECT " + queryColumns + " FROM queries WHERE 1=1"
	var args []any

	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" && f.Status != "all" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueryRecord
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// --- Query Events ---

func (s *SQLiteStore) AddEvent(e *TaskEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO task_events (task_id, event_type, step, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, e.EventType, e.Step, e.Message, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// GetEvents returns the events of taskID in the order they happened.
func (s *SQLiteStore) GetEvents(taskID string, limit int) ([]TaskEvent, error) {
	query := "SELECT id, task_id, event_type, step, message, created_at FROM task_events WHERE task_id = ? ORDER BY id ASC"
	args := []any{taskID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Step, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Analytics ---

// GetAverageQueryDuration averages completed queries. It returns the
// average and how many queries it is based on.
func (s *SQLiteStore) GetAverageQueryDuration() (time.Duration, int, error) {
	rows, err := s.db.Query(`SELECT started_at, completed_at FROM queries
		WHERE status = 'completed' AND started_at != '' AND completed_at != ''
		ORDER BY created_at DESC LIMIT 100`)
	if err != nil {
		return 0, 0, fmt.Errorf("reading durations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		total time.Duration
		n     int
	)
	for rows.Next() {
		var started, completed string
		if err := rows.Scan(&started, &completed); err != nil {
			return 0, 0, fmt.Errorf("scanning duration: %w", err)
		}
		total += parseTime(completed).Sub(parseTime(started))
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if n == 0 {
		return 0, 0, nil
	}
	return total / time.Duration(n), n, nil
}

// --- Maintenance ---

// Cleanup deletes queries created before olderThan along with their events.
func (s *SQLiteStore) Cleanup(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM queries WHERE created_at < ?", formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleaning queries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanQuery(row scanner) (*QueryRecord, error) {
	var q QueryRecord
	var createdAt, startedAt, completedAt string

	err := row.Scan(&q.ID, &q.SessionID, &q.Question, &q.Status, &q.Step, &q.SQL,
		&q.Summary, &q.RowCount, &q.Error, &q.FailedStep,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning query: %w", err)
	}

	q.CreatedAt = parseTime(createdAt)
	q.StartedAt = parseTime(startedAt)
	q.CompletedAt = parseTime(completedAt)

	return &q, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}
