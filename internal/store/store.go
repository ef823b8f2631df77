package store

import (
	"context"
	"errors"
	"time"

	"github.com/neurostuff/compose-runner/internal/model"
)

// ErrInvalidTransition is returned when a run state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// Snapshot is a copy of the bundle a run was started with.
type Snapshot struct {
	RunID          string    `json:"run_id"`
	MetaAnalysisID string    `json:"meta_analysis_id"`
	Studyset       []byte    `json:"studyset"`
	Annotation     []byte    `json:"annotation"`
	Specification  []byte    `json:"specification"`
	CreatedAt      time.Time `json:"created_at"`
}

// RunStats holds aggregate run ledger statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the local run ledger.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunState(ctx context.Context, id, state, errMsg string) error
	ListRunTransitions(ctx context.Context, id string) ([]model.RunTransition, error)
	SetRunResult(ctx context.Context, id, resultID string) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, runID string) (*Snapshot, error)
	Close() error
}
