package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/workflow"
)

// Caller-facing messages.
const (
	MsgMissingMetaAnalysisID = "Request payload must include 'meta_analysis_id'."
	MsgInvalidEnvironment    = "Request payload 'environment' must be one of: production, staging."
	MsgInvalidNCores         = "Request payload 'n_cores' must not be negative."
	MsgDuplicateJob          = "A job with the provided artifact_prefix already exists."
	MsgQueueingFailed        = "Failed to start compose-runner job."
)

// Defaults are the configured values applied to every submission.
type Defaults struct {
	ResultsBucket string
	ResultsPrefix string

	// NSCKey and NVKey are used when a request carries no key of its own.
	NSCKey string
	NVKey  string
}

// Submitter queues jobs on the workflow engine.
type Submitter struct {
	engine   workflow.Engine
	defaults Defaults
	logger   *slog.Logger
}

var requestValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})
	return v
}()

// NewSubmitter creates a submitter.
func NewSubmitter(engine workflow.Engine, defaults Defaults, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{engine: engine, defaults: defaults, logger: logger}
}

// Submit validates req and starts an execution named after its artifact
// prefix. A prefix that is still in use yields a duplicate_job error carrying
// that prefix.
func (s *Submitter) Submit(ctx context.Context, req model.JobRequest) (*model.JobHandle, error) {
	if err := ValidateRequest(req); err != nil {
		jobsSubmittedTotal.WithLabelValues(outcomeClientError).Inc()
		return nil, err
	}

	prefix := req.ArtifactPrefix
	if prefix == "" {
		prefix = model.NewArtifactPrefix()
	}

	input, err := json.Marshal(ExecutionInput(req, prefix, s.defaults))
	if err != nil {
		jobsSubmittedTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, &apperr.Error{Kind: apperr.KindUpstream, Op: "submit", Message: MsgQueueingFailed, ArtifactPrefix: prefix, Err: err}
	}

	executionID, err := s.engine.StartExecution(ctx, prefix, input)
	switch {
	case errors.Is(err, workflow.ErrExecutionExists):
		jobsSubmittedTotal.WithLabelValues(outcomeDuplicate).Inc()
		s.logger.Warn("workflow.duplicate", "artifact_prefix", prefix, "error", err)
		return nil, &apperr.Error{Kind: apperr.KindDuplicateJob, Op: "submit", Message: MsgDuplicateJob, ArtifactPrefix: prefix, Err: err}
	case err != nil:
		jobsSubmittedTotal.WithLabelValues(outcomeFailed).Inc()
		s.logger.Error("workflow.failed_to_queue", "artifact_prefix", prefix, "error", err)
		return nil, &apperr.Error{Kind: apperr.KindUpstream, Op: "submit", Message: MsgQueueingFailed, ArtifactPrefix: prefix, Err: err}
	}

	jobsSubmittedTotal.WithLabelValues(outcomeSubmitted).Inc()
	s.logger.Info("workflow.queued", "artifact_prefix", prefix, "job_id", executionID, "meta_analysis_id", req.MetaAnalysisID)

	return &model.JobHandle{
		JobID:          executionID,
		ArtifactPrefix: prefix,
		Status:         model.StatusSubmitted,
		StatusURL:      "/jobs/" + executionID,
	}, nil
}

// ValidateRequest reports the first problem with req as a client error
// carrying the caller-facing message.
func ValidateRequest(req model.JobRequest) error {
	err := requestValidator.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "environment":
			return apperr.Wrap(apperr.KindClient, "submit", MsgInvalidEnvironment, err)
		case "n_cores":
			return apperr.Wrap(apperr.KindClient, "submit", MsgInvalidNCores, err)
		}
	}
	return apperr.Wrap(apperr.KindClient, "submit", MsgMissingMetaAnalysisID, err)
}

// ExecutionInput builds the all-string document handed to the workflow
// engine. Absent optional values become empty strings.
func ExecutionInput(req model.JobRequest, artifactPrefix string, defaults Defaults) model.ExecutionInput {
	in := model.ExecutionInput{
		ArtifactPrefix: artifactPrefix,
		MetaAnalysisID: req.MetaAnalysisID,
		Environment:    req.Environment,
		NoUpload:       strconv.FormatBool(req.NoUpload),
		Results: model.ResultsLocation{
			Bucket: defaults.ResultsBucket,
			Prefix: defaults.ResultsPrefix,
		},
		NSCKey: req.NSCKey,
		NVKey:  req.NVKey,
	}
	if in.Environment == "" {
		in.Environment = model.EnvironmentProduction
	}
	if req.NCores != nil {
		in.NCores = strconv.Itoa(*req.NCores)
	}
	if in.NSCKey == "" {
		in.NSCKey = defaults.NSCKey
	}
	if in.NVKey == "" {
		in.NVKey = defaults.NVKey
	}
	return in
}
