package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/gateway"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/runner"
)

// Lambda handler names selected by COMPOSE_LAMBDA_HANDLER.
const (
	HandlerSubmit = "submit"
	HandlerStatus = "status"
	HandlerRun    = "run"
)

// LambdaHandler is the function shape passed to lambda.Start.
type LambdaHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// NewLambdaHandler builds the handler named by cfg.LambdaHandler. The submit
// and status handlers accept both direct payloads and API Gateway HTTP
// events. The run handler takes a workflow execution input document and
// returns the execution output read back by the status handler.
func NewLambdaHandler(ctx context.Context, cfg config.Config, logger *slog.Logger) (LambdaHandler, error) {
	switch cfg.LambdaHandler {
	case HandlerSubmit, HandlerStatus:
		gw, err := newGateways(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		h := gateway.NewHandler(gw.submitter, gw.status, logger)
		if cfg.LambdaHandler == HandlerSubmit {
			return h.Submit, nil
		}
		return h.Status, nil
	case HandlerRun:
		objects, err := newObjectStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return runHandler(newDriverPool(cfg, objects, nil, logger)), nil
	default:
		return nil, fmt.Errorf("unknown %s %q (want %s, %s or %s)", config.EnvLambdaHandler, cfg.LambdaHandler, HandlerSubmit, HandlerStatus, HandlerRun)
	}
}

// executionOutput is the document a run returns to the workflow engine.
type executionOutput struct {
	ArtifactPrefix         string                `json:"artifact_prefix"`
	MetaAnalysisID         string                `json:"meta_analysis_id"`
	RunID                  string                `json:"run_id"`
	State                  string                `json:"state"`
	ResultID               string                `json:"result_id,omitempty"`
	NeuroVaultCollectionID string                `json:"neurovault_collection_id,omitempty"`
	Results                model.ResultsLocation `json:"results"`
}

type jobRunner interface {
	Run(ctx context.Context, job runner.Job) (*runner.Outcome, error)
}

func runHandler(r jobRunner) LambdaHandler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in model.ExecutionInput
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindClient, "run", "invalid execution input", err)
		}
		job, err := runner.JobFromExecutionInput(in)
		if err != nil {
			return nil, err
		}
		outcome, err := r.Run(ctx, job)
		if err != nil {
			return nil, err
		}
		return executionOutput{
			ArtifactPrefix:         outcome.ArtifactPrefix,
			MetaAnalysisID:         job.MetaAnalysisID,
			RunID:                  outcome.RunID,
			State:                  outcome.State,
			ResultID:               outcome.ResultID,
			NeuroVaultCollectionID: outcome.NeuroVaultCollectionID,
			Results:                job.Results,
		}, nil
	}
}
