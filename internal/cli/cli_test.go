package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/runner"
	"github.com/neurostuff/compose-runner/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "compose-runner dev")
}

func TestRunsListCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.CreateRun(context.Background(), &model.Run{
			ID:             model.NewID(),
			MetaAnalysisID: "ma",
			ArtifactPrefix: model.NewArtifactPrefix(),
			Environment:    model.EnvironmentProduction,
			State:          model.RunCreated,
			CreatedAt:      time.Now().UTC(),
		}))
	}
	require.NoError(t, db.Close())

	out, err := execute(t, "runs", "list", "--db-path", dbPath, "--limit", "2")
	require.NoError(t, err)

	var got runList
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 3, got.Total)
	assert.Len(t, got.Runs, 2)
	assert.Equal(t, 2, got.Limit)

	out, err = execute(t, "runs", "stats", "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 3`)

	out, err = execute(t, "runs", "show", got.Runs[0].ID, "--db-path", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, got.Runs[0].ID)
}

func TestRunsListValidation(t *testing.T) {
	_, err := execute(t, "runs", "list", "--limit", "0")
	assert.Error(t, err)

	_, err = execute(t, "runs", "list", "--db-path", filepath.Join(t.TempDir(), "missing.db"))
	assert.Error(t, err)
}

func TestSubmitRequiresStateMachine(t *testing.T) {
	t.Setenv(config.EnvStateMachineARN, "")
	_, err := execute(t, "submit", "ma")
	assert.ErrorIs(t, err, config.ErrMissingStateMachine)
}

func TestBuildJob(t *testing.T) {
	t.Run("flags", func(t *testing.T) {
		var flags jobFlags
		cmd := &cobra.Command{Use: "run"}
		flags.register(cmd)
		require.NoError(t, cmd.ParseFlags([]string{"--environment", "staging", "--n-cores", "2", "--no-upload"}))

		job, err := buildJob(cmd, &flags, "", []string{"ma"})
		require.NoError(t, err)
		assert.Equal(t, "ma", job.MetaAnalysisID)
		assert.Equal(t, model.EnvironmentStaging, job.Environment)
		assert.Equal(t, 2, job.NCores)
		assert.True(t, job.NoUpload)
	})

	t.Run("execution input file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "input.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"meta_analysis_id":"ma","artifact_prefix":"p","environment":"production","no_upload":"false","n_cores":"","results":{"bucket":"b","prefix":""},"nsc_key":"","nv_key":""}`), 0o644))

		cmd := newRunCmd(viper.New())
		job, err := buildJob(cmd, &jobFlags{}, "@"+path, nil)
		require.NoError(t, err)
		assert.Equal(t, "p", job.ArtifactPrefix)
		assert.Equal(t, "b", job.Results.Bucket)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := buildJob(newRunCmd(viper.New()), &jobFlags{}, "", nil)
		assert.Error(t, err)
	})
}

type fakeRunner struct {
	got     runner.Job
	outcome *runner.Outcome
	err     error
}

func (f *fakeRunner) Run(_ context.Context, job runner.Job) (*runner.Outcome, error) {
	f.got = job
	return f.outcome, f.err
}

func TestRunHandler(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{RunID: "01RUN", ArtifactPrefix: "p", State: model.RunUploaded, ResultID: "RES"}}
	h := runHandler(fr)

	out, err := h(context.Background(), json.RawMessage(`{"meta_analysis_id":"ma","artifact_prefix":"p","n_cores":"4","no_upload":"false","results":{"bucket":"b","prefix":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, 4, fr.got.NCores)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact_prefix":"p","meta_analysis_id":"ma","run_id":"01RUN","state":"UPLOADED","result_id":"RES","results":{"bucket":"b","prefix":"x"}}`, string(raw))

	_, err = h(context.Background(), json.RawMessage(`not json`))
	assert.True(t, apperr.Is(err, apperr.KindClient))

	fr.err = errors.New("compute step failed")
	_, err = h(context.Background(), json.RawMessage(`{"meta_analysis_id":"ma"}`))
	assert.Error(t, err)
}

func TestNewLambdaHandlerUnknown(t *testing.T) {
	_, err := NewLambdaHandler(context.Background(), config.Config{LambdaHandler: "nope"}, nil)
	assert.ErrorContains(t, err, "COMPOSE_LAMBDA_HANDLER")

	_, err = NewLambdaHandler(context.Background(), config.Config{LambdaHandler: HandlerSubmit}, nil)
	assert.ErrorIs(t, err, config.ErrMissingStateMachine)
}

func TestDriverPool(t *testing.T) {
	cfg := config.Config{ComputeCommand: "nimare-compose", HTTPTimeout: time.Second}
	pool := newDriverPool(cfg, nil, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	staging, err := pool.driver(model.EnvironmentStaging)
	require.NoError(t, err)
	again, err := pool.driver(model.EnvironmentStaging)
	require.NoError(t, err)
	assert.Same(t, staging, again)

	production, err := pool.driver(model.EnvironmentProduction)
	require.NoError(t, err)
	assert.NotSame(t, staging, production)

	_, err = pool.Run(context.Background(), runner.Job{MetaAnalysisID: "ma", Environment: "dev"})
	assert.True(t, apperr.Is(err, apperr.KindClient))
}

func TestObjectStoreBuiltWithoutDefaultBucket(t *testing.T) {
	objects, err := newObjectStore(context.Background(), config.Config{
		StateMachineARN: "arn:aws:states:us-east-1:000000000000:stateMachine:compose",
		AWSRegion:       "us-east-1",
	})
	require.NoError(t, err)
	assert.NotNil(t, objects)

	gw, err := newGateways(context.Background(), config.Config{
		StateMachineARN: "arn:aws:states:us-east-1:000000000000:stateMachine:compose",
		AWSRegion:       "us-east-1",
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NotNil(t, gw.status)
}
