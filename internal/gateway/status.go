package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/objectstore"
	"github.com/neurostuff/compose-runner/internal/workflow"
)

// Caller-facing status messages.
const (
	MsgMissingJobID      = "Request payload must include 'job_id'."
	MsgJobNotFound       = "execution not found"
	MsgDescribeFailed    = "failed to describe job"
	MsgMetadataFailed    = "failed to load job result metadata"
	rawOutputKey         = "raw_output"
	legacyArtifactPrefix = "run_id"
)

// StatusChecker reports job status from the workflow engine, enriched with
// result metadata from the object store once a job has finished.
type StatusChecker struct {
	engine  workflow.Engine
	objects objectstore.Store
	results model.ResultsLocation
	logger  *slog.Logger
}

// NewStatusChecker creates a status checker. objects may be nil, in which case
// result metadata is never attached. results holds the configured bucket and
// prefix used when an execution's output does not name its own.
func NewStatusChecker(engine workflow.Engine, objects objectstore.Store, results model.ResultsLocation, logger *slog.Logger) *StatusChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusChecker{engine: engine, objects: objects, results: results, logger: logger}
}

// Status describes the execution identified by req.JobID.
func (c *StatusChecker) Status(ctx context.Context, req model.StatusRequest) (*model.StatusReport, error) {
	if req.JobID == "" {
		return nil, apperr.New(apperr.KindClient, "status", MsgMissingJobID)
	}

	exec, err := c.engine.DescribeExecution(ctx, req.JobID)
	switch {
	case errors.Is(err, workflow.ErrExecutionNotFound):
		return nil, apperr.Wrap(apperr.KindNotFound, "status", MsgJobNotFound, err)
	case err != nil:
		c.logger.Error("workflow.describe_failed", "job_id", req.JobID, "error", err)
		return nil, apperr.Wrap(apperr.KindUpstream, "status", MsgDescribeFailed, err)
	}

	raw := ""
	if exec.Output != nil {
		raw = *exec.Output
	}
	output := parseOutput(raw)

	report := &model.StatusReport{
		JobID:          req.JobID,
		Status:         exec.Status,
		StartTime:      model.FormatTimestamp(exec.StartDate),
		Output:         output,
		ArtifactPrefix: outputArtifactPrefix(raw),
	}
	if exec.StopDate != nil {
		report.StopTime = model.FormatTimestamp(*exec.StopDate)
	}
	jobStatusQueriesTotal.WithLabelValues(exec.Status).Inc()

	if !model.IsTerminalWithResult(exec.Status) {
		return report, nil
	}

	if exec.Status == model.ExecutionFailed {
		report.Error = outputError(raw)
	}

	result, err := c.loadMetadata(ctx, raw, report.ArtifactPrefix)
	if err != nil {
		c.logger.Error("results.metadata_failed", "job_id", req.JobID, "artifact_prefix", report.ArtifactPrefix, "error", err)
		return nil, &apperr.Error{Kind: apperr.KindUpstream, Op: "status", Message: MsgMetadataFailed, ArtifactPrefix: report.ArtifactPrefix, Err: err}
	}
	report.Result = result
	return report, nil
}

// loadMetadata fetches the job's metadata object. A missing object or an
// empty document yields nil.
func (c *StatusChecker) loadMetadata(ctx context.Context, raw, artifactPrefix string) (json.RawMessage, error) {
	if c.objects == nil || artifactPrefix == "" {
		return nil, nil
	}
	bucket := gjson.Get(raw, "results.bucket").String()
	if bucket == "" {
		bucket = c.results.Bucket
	}
	prefix := gjson.Get(raw, "results.prefix").String()
	if prefix == "" {
		prefix = c.results.Prefix
	}
	if bucket == "" {
		return nil, nil
	}

	key := objectstore.JobKey(prefix, artifactPrefix, model.MetadataFilename)
	body, err := c.objects.GetObject(ctx, bucket, key)
	if objectstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	if !gjson.ValidBytes(body) {
		return nil, errors.New("metadata is not valid JSON: " + key)
	}
	if isEmptyJSON(body) {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// parseOutput decodes the execution output as a JSON object. Anything else
// is preserved under raw_output.
func parseOutput(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{rawOutputKey: raw}
	}
	return out
}

func outputArtifactPrefix(raw string) string {
	if !gjson.Valid(raw) {
		return ""
	}
	if v := gjson.Get(raw, "artifact_prefix").String(); v != "" {
		return v
	}
	return gjson.Get(raw, legacyArtifactPrefix).String()
}

// outputError returns output.error as text: strings verbatim, other values as
// their JSON encoding.
func outputError(raw string) string {
	if !gjson.Valid(raw) {
		return ""
	}
	v := gjson.Get(raw, "error")
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.String()
	default:
		return v.Raw
	}
}

func isEmptyJSON(body []byte) bool {
	v := gjson.ParseBytes(body)
	switch v.Type {
	case gjson.Null:
		return true
	case gjson.String:
		return v.String() == ""
	case gjson.False:
		return true
	case gjson.JSON:
		if v.IsObject() {
			return len(v.Map()) == 0
		}
		return len(v.Array()) == 0
	}
	return false
}
