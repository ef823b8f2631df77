package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/neurostuff/compose-runner/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRun() *model.Run {
	return &model.Run{
		ID:             model.NewID(),
		MetaAnalysisID: "3opENJpHxRsH",
		ArtifactPrefix: model.NewArtifactPrefix(),
		Environment:    model.EnvironmentStaging,
		State:          model.RunCreated,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.MetaAnalysisID != r.MetaAnalysisID {
		t.Errorf("MetaAnalysisID = %q, want %q", got.MetaAnalysisID, r.MetaAnalysisID)
	}
	if got.ArtifactPrefix != r.ArtifactPrefix {
		t.Errorf("ArtifactPrefix = %q, want %q", got.ArtifactPrefix, r.ArtifactPrefix)
	}
	if got.Environment != r.Environment {
		t.Errorf("Environment = %q, want %q", got.Environment, r.Environment)
	}
	if got.State != model.RunCreated {
		t.Errorf("State = %q, want %q", got.State, model.RunCreated)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunStateHappyPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	for _, state := range []string{model.RunBundleLoaded, model.RunAnalysisResolved, model.RunComputed} {
		if err := s.UpdateRunState(ctx, r.ID, state, ""); err != nil {
			t.Fatalf("UpdateRunState(%s): %v", state, err)
		}
		got, _ := s.GetRun(ctx, r.ID)
		if got.State != state {
			t.Errorf("State = %q, want %q", got.State, state)
		}
		if got.FinishedAt != nil {
			t.Errorf("FinishedAt set on non-terminal state %s", state)
		}
	}

	if err := s.UpdateRunState(ctx, r.ID, model.RunUploaded, ""); err != nil {
		t.Fatalf("UpdateRunState(UPLOADED): %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set on terminal state")
	}
}

func TestUpdateRunStateErrored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	s.CreateRun(ctx, r)

	if err := s.UpdateRunState(ctx, r.ID, model.RunErrored, "fetch studyset: not_found"); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.State != model.RunErrored {
		t.Errorf("State = %q, want %q", got.State, model.RunErrored)
	}
	if got.Error != "fetch studyset: not_found" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}
}

func TestUpdateRunStateRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	s.CreateRun(ctx, r)

	err := s.UpdateRunState(ctx, r.ID, model.RunComputed, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("UpdateRunState error = %v, want ErrInvalidTransition", err)
	}

	s.UpdateRunState(ctx, r.ID, model.RunErrored, "boom")
	err = s.UpdateRunState(ctx, r.ID, model.RunBundleLoaded, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of ERRORED: error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateRunStateNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRunState(context.Background(), "nonexistent", model.RunBundleLoaded, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunState error = %v, want ErrNotFound", err)
	}
}

func TestListRunTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateRunState(ctx, r.ID, model.RunBundleLoaded, ""); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	if err := s.UpdateRunState(ctx, r.ID, model.RunComputed, ""); err == nil {
		t.Fatal("invalid transition should fail")
	}
	if err := s.UpdateRunState(ctx, r.ID, model.RunErrored, "bad filter"); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}

	got, err := s.ListRunTransitions(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListRunTransitions: %v", err)
	}
	want := []model.RunTransition{
		{RunID: r.ID, From: "", To: model.RunCreated},
		{RunID: r.ID, From: model.RunCreated, To: model.RunBundleLoaded},
		{RunID: r.ID, From: model.RunBundleLoaded, To: model.RunErrored, Error: "bad filter"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].RunID != want[i].RunID || got[i].From != want[i].From || got[i].To != want[i].To || got[i].Error != want[i].Error {
			t.Errorf("transition[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if !got[0].At.Equal(r.CreatedAt) {
		t.Errorf("first transition At = %v, want %v", got[0].At, r.CreatedAt)
	}

	none, err := s.ListRunTransitions(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("ListRunTransitions(nonexistent): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unknown run has %d transitions, want 0", len(none))
	}
}

func TestSetRunResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	s.CreateRun(ctx, r)

	if err := s.SetRunResult(ctx, r.ID, "RES123"); err != nil {
		t.Fatalf("SetRunResult: %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.ResultID != "RES123" {
		t.Errorf("ResultID = %q, want RES123", got.ResultID)
	}

	if err := s.SetRunResult(ctx, "nonexistent", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRunResult error = %v, want ErrNotFound", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		r := makeTestRun()
		r.MetaAnalysisID = fmt.Sprintf("ma-%d", i)
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, total, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].MetaAnalysisID != "ma-4" {
		t.Errorf("first run = %q, want newest (ma-4)", runs[0].MetaAnalysisID)
	}

	runs, _, err = s.ListRuns(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].MetaAnalysisID != "ma-0" {
		t.Errorf("last page = %+v, want only ma-0", runs)
	}
}

func TestListRunsEmpty(t *testing.T) {
	s := newTestStore(t)

	runs, total, err := s.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 || len(runs) != 0 {
		t.Errorf("got %d runs (total %d), want none", len(runs), total)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	s.CreateRun(ctx, r)

	snap := &Snapshot{
		RunID:          r.ID,
		MetaAnalysisID: r.MetaAnalysisID,
		Studyset:       []byte(`{"id":"ss"}`),
		Annotation:     []byte(`{"id":"an"}`),
		Specification:  []byte(`{"estimator":{"type":"ALE"}}`),
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.GetSnapshot(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !bytes.Equal(got.Studyset, snap.Studyset) {
		t.Errorf("Studyset = %s", got.Studyset)
	}
	if !bytes.Equal(got.Specification, snap.Specification) {
		t.Errorf("Specification = %s", got.Specification)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should default to now")
	}

	if _, err := s.GetSnapshot(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSnapshot error = %v, want ErrNotFound", err)
	}
}

func TestGetRunStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 3; i++ {
		r := makeTestRun()
		r.CreatedAt = base
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if i < 2 {
			if err := s.UpdateRunState(ctx, r.ID, model.RunErrored, "boom"); err != nil {
				t.Fatalf("UpdateRunState: %v", err)
			}
		}
	}

	stats, err := s.GetRunStats(ctx)
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByState[model.RunErrored] != 2 {
		t.Errorf("errored count = %d, want 2", stats.CountByState[model.RunErrored])
	}
	if stats.CountByState[model.RunCreated] != 1 {
		t.Errorf("created count = %d, want 1", stats.CountByState[model.RunCreated])
	}
	if stats.AvgDurationMS < float64(59*time.Minute/time.Millisecond) {
		t.Errorf("AvgDurationMS = %f, want about an hour", stats.AvgDurationMS)
	}
}

func TestGetRunStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetRunStats(context.Background())
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}
