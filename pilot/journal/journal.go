// Package journal is the durable log of submitted task metadata. It backs
// the in-memory queue so pending and in-flight work survives a crash: rows
// record what was submitted, not how to run it, and recovery re-submits
// from the row's task data.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	log "github.com/sirupsen/logrus"
)

// Row statuses. Legal transitions: pending -> processing -> completed or
// failed; failed -> pending via Requeue; processing -> pending via
// RecoverStale.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DefaultPriority is used when a caller does not care about ordering.
const DefaultPriority = 5

// ErrNotFound is returned for lookups of unknown row ids.
var ErrNotFound = errors.New("journal: row not found")

// Record is one journaled task.
type Record struct {
	ID         int64           `json:"id"`
	TaskData   json.RawMessage `json:"taskData"`
	Status     string          `json:"status"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retryCount"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Journal wraps the embedded store. Exclusive to one process.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path with WAL
// journaling and normal synchronous mode.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	// The sqlite driver is not safe for concurrent writers over separate
	// connections within one file; a single connection serializes them.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_data TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 5,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("migrating journal schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Enqueue inserts a pending row and returns its id.
func (j *Journal) Enqueue(taskData []byte, priority int) (int64, error) {
	now := time.Now().UTC()
	res, err := j.db.Exec(
		`INSERT INTO tasks (task_data, status, priority, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		string(taskData), StatusPending, priority, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("journal enqueue: %w", err)
	}
	return res.LastInsertId()
}

// Dequeue atomically claims the best pending row (lowest priority value,
// then oldest) by flipping it to processing, and returns it. Returns
// (nil, nil) when nothing is pending.
func (j *Journal) Dequeue() (*Record, error) {
	now := time.Now().UTC()
	row := j.db.QueryRow(`
UPDATE tasks SET status = ?, updated_at = ?
WHERE id = (
	SELECT id FROM tasks WHERE status = ?
	ORDER BY priority ASC, created_at ASC LIMIT 1
)
RETURNING id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at`,
		StatusProcessing, now, StatusPending)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal dequeue: %w", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var data string
	if err := s.Scan(&rec.ID, &data, &rec.Status, &rec.Priority, &rec.RetryCount, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.TaskData = json.RawMessage(data)
	return &rec, nil
}

// MarkCompleted flips a row to completed.
func (j *Journal) MarkCompleted(id int64) error {
	return j.setStatus(id, StatusCompleted, "")
}

// MarkFailed flips a row to failed, recording the error and bumping the
// retry counter.
func (j *Journal) MarkFailed(id int64, errMsg string) error {
	res, err := j.db.Exec(
		`UPDATE tasks SET status = ?, error = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		StatusFailed, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("journal mark failed: %w", err)
	}
	return requireRow(res, id)
}

// MarkProcessing flips a row to processing. The queue wrapper calls this
// right before running user work for rows it started directly.
func (j *Journal) MarkProcessing(id int64) error {
	return j.setStatus(id, StatusProcessing, "")
}

func (j *Journal) setStatus(id int64, status, errMsg string) error {
	res, err := j.db.Exec(
		`UPDATE tasks SET status = ?, error = NULLIF(?, ''), updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("journal set status %s: %w", status, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Requeue moves a failed row back to pending. Rows in any other status
// are rejected.
func (j *Journal) Requeue(id int64) error {
	res, err := j.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusPending, time.Now().UTC(), id, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("journal requeue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		rec, err := j.GetByID(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("journal requeue: row %d is %s, only failed rows can be requeued", id, rec.Status)
	}
	return nil
}

// RecoverStale reverts rows stuck in processing for longer than timeout
// back to pending, returning how many were recovered.
func (j *Journal) RecoverStale(timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := j.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		StatusPending, time.Now().UTC(), StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("journal stale recovery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithField("count", n).Warn("recovered stale journal rows")
	}
	return int(n), nil
}

// Cleanup deletes completed and failed rows older than age, returning how
// many were removed.
func (j *Journal) Cleanup(age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := j.db.Exec(
		`DELETE FROM tasks WHERE status IN (?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetByID returns one row.
func (j *Journal) GetByID(id int64) (*Record, error) {
	row := j.db.QueryRow(
		`SELECT id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at FROM tasks WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec, err
}

// GetByStatus returns all rows in a status, oldest first.
func (j *Journal) GetByStatus(status string) ([]*Record, error) {
	rows, err := j.db.Query(
		`SELECT id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("journal get by status: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// GetRecent returns the most recently updated rows, newest first.
func (j *Journal) GetRecent(limit int) ([]*Record, error) {
	rows, err := j.db.Query(
		`SELECT id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at
		 FROM tasks ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal get recent: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StatusSummary returns row counts per status.
func (j *Journal) StatusSummary() (map[string]int, error) {
	rows, err := j.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("journal summary: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}
