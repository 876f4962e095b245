// Package history archives jobs that leave the repository. The live farm
// state is the shared filesystem; this SQLite file only answers "what ran
// here" after a job has been collected or deleted.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one archived job.
type Record struct {
	JobCode     string
	JobName     string
	ProjectName string
	UserName    string
	Program     string
	FrameRange  string
	TaskCount   int
	Disposition string // "finished" or "deleted"
	SubmittedAt string
	ArchivedAt  time.Time
}

// Archive is the job-history store.
type Archive struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and if needed initializes) the archive at dbPath. The
// coordinator is the only writer, so a single serialized connection is
// enough.
func Open(dbPath string) (*Archive, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS job_history (
		job_code     TEXT NOT NULL,
		job_name     TEXT NOT NULL,
		project_name TEXT,
		user_name    TEXT,
		program      TEXT,
		frame_range  TEXT,
		task_count   INTEGER NOT NULL DEFAULT 0,
		disposition  TEXT NOT NULL,
		submitted_at TEXT,
		archived_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_history_code ON job_history(job_code);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Add appends one record.
func (a *Archive) Add(r Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.ArchivedAt.IsZero() {
		r.ArchivedAt = time.Now()
	}
	_, err := a.db.Exec(`
		INSERT INTO job_history
		(job_code, job_name, project_name, user_name, program, frame_range, task_count, disposition, submitted_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobCode, r.JobName, r.ProjectName, r.UserName, r.Program, r.FrameRange,
		r.TaskCount, r.Disposition, r.SubmittedAt, r.ArchivedAt)
	return err
}

// Recent returns the newest records, up to limit.
func (a *Archive) Recent(limit int) ([]Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`
		SELECT job_code, job_name, project_name, user_name, program, frame_range,
		       task_count, disposition, submitted_at, archived_at
		FROM job_history ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.JobCode, &r.JobName, &r.ProjectName, &r.UserName,
			&r.Program, &r.FrameRange, &r.TaskCount, &r.Disposition,
			&r.SubmittedAt, &r.ArchivedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
