package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neurostuff/compose-runner/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    meta_analysis_id TEXT NOT NULL,
    artifact_prefix  TEXT NOT NULL,
    environment      TEXT NOT NULL,
    state            TEXT NOT NULL,
    result_id        TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    finished_at      DATETIME
)`

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
    run_id           TEXT PRIMARY KEY REFERENCES runs(id),
    meta_analysis_id TEXT NOT NULL,
    studyset         BLOB NOT NULL,
    annotation       BLOB NOT NULL,
    specification    BLOB NOT NULL,
    created_at       DATETIME NOT NULL
)`

const createTransitionsTable = `
CREATE TABLE IF NOT EXISTS run_transitions (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    at         DATETIME NOT NULL
)`

const insertTransition = `INSERT INTO run_transitions (run_id, from_state, to_state, error, at) VALUES (?, ?, ?, ?, ?)`

const runColumns = `id, meta_analysis_id, artifact_prefix, environment, state,
	result_id, error, created_at, finished_at`

// ErrNotFound is returned when a run or snapshot is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
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
		"runs":            createRunsTable,
		"run_transitions": createTransitionsTable,
		"snapshots":       createSnapshotsTable,
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

// CreateRun inserts a new run record together with its first transition.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MetaAnalysisID, r.ArtifactPrefix, r.Environment, r.State,
		r.ResultID, r.Error, r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertTransition, r.ID, "", r.State, r.Error, r.CreatedAt); err != nil {
		return fmt.Errorf("insert run transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.MetaAnalysisID, &r.ArtifactPrefix, &r.Environment, &r.State,
		&r.ResultID, &r.Error, &r.CreatedAt, &r.FinishedAt,
	)
	return r, err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunState moves a run to state after checking the transition is
// allowed. Terminal states also set finished_at; errMsg is recorded when
// non-empty.
func (s *SQLiteStore) UpdateRunState(ctx context.Context, id, state, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}
	if !model.ValidRunTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	now := time.Now().UTC()
	if model.IsTerminalRunState(state) {
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?",
			state, errMsg, now, id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET state = ? WHERE id = ?",
			state, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertTransition, id, current, state, errMsg, now); err != nil {
		return fmt.Errorf("insert run transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run state: %w", err)
	}
	return nil
}

// ListRunTransitions returns the recorded transitions of a run in the order
// they happened. An unknown run has none.
func (s *SQLiteStore) ListRunTransitions(ctx context.Context, id string) ([]model.RunTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, from_state, to_state, error, at FROM run_transitions WHERE run_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list run transitions: %w", err)
	}
	defer rows.Close()

	var transitions []model.RunTransition
	for rows.Next() {
		var t model.RunTransition
		if err := rows.Scan(&t.RunID, &t.From, &t.To, &t.Error, &t.At); err != nil {
			return nil, fmt.Errorf("scan run transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run transitions: %w", err)
	}
	return transitions, nil
}

// SetRunResult records the server-issued result id for a run.
func (s *SQLiteStore) SetRunResult(ctx context.Context, id, resultID string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runs SET result_id = ? WHERE id = ?", resultID, id)
	if err != nil {
		return fmt.Errorf("set run result: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSnapshot stores the bundle a run was started with, replacing any
// earlier snapshot for the same run.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (run_id, meta_analysis_id, studyset, annotation, specification, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.MetaAnalysisID, snap.Studyset, snap.Annotation, snap.Specification, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the snapshot recorded for a run.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, runID string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, meta_analysis_id, studyset, annotation, specification, created_at
		FROM snapshots WHERE run_id = ?`, runID,
	).Scan(&snap.RunID, &snap.MetaAnalysisID, &snap.Studyset, &snap.Annotation, &snap.Specification, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// GetRunStats counts runs per state and averages the duration of finished
// runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{CountByState: make(map[string]int)}

	rows, err := tx.QueryContext(ctx, "SELECT state, COUNT(*) FROM runs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count runs by state: %w", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, "SELECT created_at, finished_at FROM runs WHERE finished_at IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("query finished runs: %w", err)
	}
	defer rows.Close()

	var sum time.Duration
	var finished int
	for rows.Next() {
		var created, done time.Time
		if err := rows.Scan(&created, &done); err != nil {
			return nil, fmt.Errorf("scan run times: %w", err)
		}
		sum += done.Sub(created)
		finished++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished runs: %w", err)
	}
	if finished > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(finished)
	}

	return stats, nil
}
