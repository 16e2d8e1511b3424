// Package joblog persists per-run, per-chapter outcomes in SQLite so the
// status command can report on past builds without reparsing logs.
package joblog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ChapterStatus is the terminal state of one chapter in one run.
type ChapterStatus string

const (
	StatusOK       ChapterStatus = "ok"
	StatusDegraded ChapterStatus = "degraded"
	StatusFailed   ChapterStatus = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_path TEXT NOT NULL,
    output_path TEXT NOT NULL,
    backend TEXT NOT NULL,
    granularity TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    succeeded INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS run_chapters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    chapter_index INTEGER NOT NULL,
    title TEXT NOT NULL,
    status TEXT NOT NULL,
    coverage REAL NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    cache_hit INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_run_chapters_run ON run_chapters(run_id);
`

// Store manages run history persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the run database in dir.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "runs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Run is one pipeline invocation.
type Run struct {
	ID          int64
	SourcePath  string
	OutputPath  string
	Backend     string
	Granularity string
	StartedAt   time.Time
	FinishedAt  time.Time
	Succeeded   bool
}

// ChapterRecord is one chapter's outcome within a run.
type ChapterRecord struct {
	RunID        int64
	ChapterIndex int
	Title        string
	Status       ChapterStatus
	Coverage     float64
	DurationMS   int64
	Reason       string
	CacheHit     bool
}

// BeginRun records the start of a pipeline run and returns its id.
func (s *Store) BeginRun(ctx context.Context, sourcePath, outputPath, backend, granularity string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (source_path, output_path, backend, granularity, started_at)
         VALUES (?, ?, ?, ?, ?)`,
		sourcePath, outputPath, backend, granularity,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	return id, nil
}

// FinishRun marks a run complete.
func (s *Store) FinishRun(ctx context.Context, runID int64, succeeded bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, succeeded = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), boolInt(succeeded), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordChapter appends one chapter outcome to a run.
func (s *Store) RecordChapter(ctx context.Context, rec ChapterRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_chapters (run_id, chapter_index, title, status, coverage, duration_ms, reason, cache_hit)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ChapterIndex, rec.Title, string(rec.Status),
		rec.Coverage, rec.DurationMS, nullableString(rec.Reason), boolInt(rec.CacheHit))
	if err != nil {
		return fmt.Errorf("insert chapter record: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run, or nil when none exist.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_path, output_path, backend, granularity, started_at, finished_at, succeeded
         FROM runs ORDER BY id DESC LIMIT 1`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest run: %w", err)
	}
	return run, nil
}

// RunByID returns a specific run, or nil when it does not exist.
func (s *Store) RunByID(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_path, output_path, backend, granularity, started_at, finished_at, succeeded
         FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run %d: %w", id, err)
	}
	return run, nil
}

// Chapters returns the chapter outcomes of a run ordered by chapter index.
func (s *Store) Chapters(ctx context.Context, runID int64) ([]ChapterRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, chapter_index, title, status, coverage, duration_ms, reason, cache_hit
         FROM run_chapters WHERE run_id = ? ORDER BY chapter_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("load run chapters: %w", err)
	}
	defer rows.Close()

	var records []ChapterRecord
	for rows.Next() {
		var rec ChapterRecord
		var status string
		var reason sql.NullString
		var cacheHit int
		if err := rows.Scan(&rec.RunID, &rec.ChapterIndex, &rec.Title, &status,
			&rec.Coverage, &rec.DurationMS, &reason, &cacheHit); err != nil {
			return nil, fmt.Errorf("scan chapter record: %w", err)
		}
		rec.Status = ChapterStatus(status)
		rec.Reason = reason.String
		rec.CacheHit = cacheHit != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var started string
	var finished sql.NullString
	var succeeded int
	if err := row.Scan(&run.ID, &run.SourcePath, &run.OutputPath, &run.Backend,
		&run.Granularity, &started, &finished, &succeeded); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	run.Succeeded = succeeded != 0
	return &run, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
