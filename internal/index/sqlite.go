// Package index maintains a SQLite catalog of runs for listing and
// browsing. The catalog is derived state; the run directory written by the
// store package remains the durable record.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dejisec/lode/internal/domain"
)

// SQLiteIndex implements the run catalog using SQLite.
type SQLiteIndex struct {
	db *sql.DB
}

// RunSummary is one catalog row.
type RunSummary struct {
	RunID       string           `json:"run_id"`
	Query       string           `json:"query"`
	Model       string           `json:"model"`
	Status      domain.RunStatus `json:"status"`
	Degraded    bool             `json:"degraded"`
	Iterations  int              `json:"iterations"`
	Stages      int              `json:"stages"`
	TotalTokens int              `json:"total_tokens"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	Dir         string           `json:"dir"`
}

// New opens (or creates) the catalog at dsn.
func New(dsn string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return idx, nil
}

// migrate runs database migrations.
func (s *SQLiteIndex) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			iterations INTEGER NOT NULL DEFAULT 0,
			stages INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			dir TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("runs", "degraded", "ALTER TABLE runs ADD COLUMN degraded INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteIndex) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// CreateRun registers a freshly started run.
func (s *SQLiteIndex) CreateRun(ctx context.Context, run *domain.Run, dir string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, query, model, status, iterations, stages, total_tokens, started_at, dir, degraded)
		 VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?, 0)`,
		run.RunID, run.Query, run.Config.Model, run.Status, run.StartedAt, dir)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// CompleteRun records a run's terminal state and totals.
func (s *SQLiteIndex) CompleteRun(ctx context.Context, meta *domain.RunMetadata) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, degraded = ?, iterations = ?, stages = ?, total_tokens = ?, ended_at = ? WHERE run_id = ?`,
		meta.Status, boolToInt(meta.Degraded), meta.Iterations, meta.Stages, meta.TotalTokens, meta.EndedAt, meta.RunID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", meta.RunID)
	}
	return nil
}

// GetRun retrieves one catalog row, or nil when the run is unknown.
func (s *SQLiteIndex) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, query, model, status, degraded, iterations, stages, total_tokens, started_at, ended_at, dir
		 FROM runs WHERE run_id = ?`, runID)

	sum, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return sum, nil
}

// ListRuns returns catalog rows newest-first. A zero limit means no limit;
// an empty status matches all statuses.
func (s *SQLiteIndex) ListRuns(ctx context.Context, status domain.RunStatus, limit int) ([]RunSummary, error) {
	query := `SELECT run_id, query, model, status, degraded, iterations, stages, total_tokens, started_at, ended_at, dir FROM runs`
	args := []interface{}{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		sum, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *sum)
	}
	return runs, rows.Err()
}

func scanRun(scan func(...interface{}) error) (*RunSummary, error) {
	var sum RunSummary
	var degraded int
	var endedAt sql.NullTime
	if err := scan(&sum.RunID, &sum.Query, &sum.Model, &sum.Status, &degraded,
		&sum.Iterations, &sum.Stages, &sum.TotalTokens, &sum.StartedAt, &endedAt, &sum.Dir); err != nil {
		return nil, err
	}
	sum.Degraded = degraded != 0
	if endedAt.Valid {
		t := endedAt.Time
		sum.EndedAt = &t
	}
	return &sum, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
