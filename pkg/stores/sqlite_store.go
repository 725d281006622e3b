package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveInstall writes a run with its events and error analyses in one
// transaction. A run ID is generated when empty.
func (s *SQLiteStore) SaveInstall(ctx context.Context, rec *InstallRecord) error {
	if rec == nil || rec.Run == nil {
		return fmt.Errorf("install record has no run")
	}
	run := rec.Run
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Plan == "" {
		run.Plan = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO install_runs (id, parent_run_id, package, backend, version, state, success,
			remediation_attempts, depth, plan, error, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.ParentRunID,
		run.Package,
		run.Backend,
		run.Version,
		run.State,
		run.Success,
		run.RemediationAttempts,
		run.Depth,
		run.Plan,
		run.Error,
		run.StartedAt.UTC(),
		utcPtr(run.FinishedAt),
		run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	for _, event := range rec.Events {
		event.RunID = run.ID
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	for i, a := range rec.Analyses {
		a.RunID = run.ID
		if a.Sequence == 0 {
			a.Sequence = i + 1
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = run.CreatedAt
		}
		solutions, err := json.Marshal(nonNil(a.Solutions))
		if err != nil {
			return fmt.Errorf("failed to encode solutions: %w", err)
		}
		commands, err := json.Marshal(nonNil(a.Commands))
		if err != nil {
			return fmt.Errorf("failed to encode commands: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO error_analyses (run_id, sequence, kind, diagnosis, solutions, commands, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.RunID, a.Sequence, a.Kind, a.Diagnosis, string(solutions), string(commands), a.Source, a.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save error analysis: %w", err)
		}
		if a.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get error analysis ID: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit install record: %w", err)
	}
	return nil
}

const runColumns = `id, parent_run_id, package, backend, version, state, success,
	remediation_attempts, depth, plan, error, started_at, finished_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*InstallRun, error) {
	run := &InstallRun{}
	err := row.Scan(
		&run.ID,
		&run.ParentRunID,
		&run.Package,
		&run.Backend,
		&run.Version,
		&run.State,
		&run.Success,
		&run.RemediationAttempts,
		&run.Depth,
		&run.Plan,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*InstallRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM install_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*InstallRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + runColumns + `
		FROM install_runs
		WHERE (? IS NULL OR package = ?)
		  AND (? IS NULL OR state = ?)
		  AND (? IS NULL OR parent_run_id = ?)
		  AND (? = 0 OR parent_run_id IS NULL)
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Package, filter.Package,
		filter.State, filter.State,
		filter.ParentRunID, filter.ParentRunID,
		filter.TopLevel,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*InstallRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its events and analyses.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM install_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneRuns deletes runs started before the given time.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM install_runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	result, err := db.ExecContext(ctx, `
		INSERT INTO install_events (run_id, kind, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		event.RunID,
		event.Kind,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// AppendEvent appends a new event to a run's log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	return insertEvent(ctx, s.db, event)
}

// GetEvents retrieves a run's events in the order they were recorded.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, level *EventLevel, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, run_id, kind, level, message, details, timestamp
		FROM install_events
		WHERE run_id = ?
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Kind,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ListErrorAnalyses returns a run's diagnoses in the order they were made.
func (s *SQLiteStore) ListErrorAnalyses(ctx context.Context, runID string) ([]*ErrorAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, sequence, kind, diagnosis, solutions, commands, source, created_at
		FROM error_analyses
		WHERE run_id = ?
		ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list error analyses: %w", err)
	}
	defer rows.Close()

	analyses := []*ErrorAnalysis{}
	for rows.Next() {
		a := &ErrorAnalysis{}
		var solutions, commands string
		err := rows.Scan(&a.ID, &a.RunID, &a.Sequence, &a.Kind, &a.Diagnosis, &solutions, &commands, &a.Source, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error analysis: %w", err)
		}
		if err := json.Unmarshal([]byte(solutions), &a.Solutions); err != nil {
			return nil, fmt.Errorf("failed to decode solutions: %w", err)
		}
		if err := json.Unmarshal([]byte(commands), &a.Commands); err != nil {
			return nil, fmt.Errorf("failed to decode commands: %w", err)
		}
		analyses = append(analyses, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error analyses: %w", err)
	}

	return analyses, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
