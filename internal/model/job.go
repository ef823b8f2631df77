package model

import (
	"encoding/json"
	"time"
)

// Environment constants.
const (
	EnvironmentProduction = "production"
	EnvironmentStaging    = "staging"
)

// Execution status values reported by the workflow engine.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionFailed    = "FAILED"
	ExecutionTimedOut  = "TIMED_OUT"
	ExecutionAborted   = "ABORTED"
)

// StatusSubmitted is the status returned in a JobHandle.
const StatusSubmitted = "SUBMITTED"

// MetadataFilename is the name of the result summary object written next to a
// job's artifacts.
const MetadataFilename = "metadata.json"

// TimestampLayout renders times with up to microsecond precision and a
// numeric UTC offset.
const TimestampLayout = "2006-01-02T15:04:05.999999-07:00"

// FormatTimestamp formats t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// IsTerminalWithResult reports whether an execution status may have a result
// metadata object associated with it.
func IsTerminalWithResult(status string) bool {
	return status == ExecutionSucceeded || status == ExecutionFailed
}

// JobRequest is the inbound submission payload.
type JobRequest struct {
	MetaAnalysisID string `json:"meta_analysis_id" validate:"required"`
	ArtifactPrefix string `json:"artifact_prefix,omitempty"`
	Environment    string `json:"environment,omitempty" validate:"omitempty,oneof=production staging"`
	NoUpload       bool   `json:"no_upload,omitempty"`
	NCores         *int   `json:"n_cores,omitempty" validate:"omitempty,min=0"`
	NSCKey         string `json:"nsc_key,omitempty"`
	NVKey          string `json:"nv_key,omitempty"`
}

// JobHandle is returned to the caller after a job has been queued.
type JobHandle struct {
	JobID          string `json:"job_id"`
	ArtifactPrefix string `json:"artifact_prefix"`
	Status         string `json:"status"`
	StatusURL      string `json:"status_url"`
}

// StatusRequest is the inbound status payload.
type StatusRequest struct {
	JobID string `json:"job_id"`
}

// StatusReport describes the current state of a job.
type StatusReport struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	StartTime      string          `json:"start_time"`
	StopTime       string          `json:"stop_time,omitempty"`
	Output         map[string]any  `json:"output"`
	ArtifactPrefix string          `json:"artifact_prefix,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ResultsLocation names the bucket and key prefix job artifacts are written to.
type ResultsLocation struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// ExecutionInput is the document handed to the workflow engine. Every scalar is
// a string because the state machine input schema is string oriented.
type ExecutionInput struct {
	ArtifactPrefix string          `json:"artifact_prefix"`
	MetaAnalysisID string          `json:"meta_analysis_id"`
	Environment    string          `json:"environment"`
	NoUpload       string          `json:"no_upload"`
	Results        ResultsLocation `json:"results"`
	NCores         string          `json:"n_cores"`
	NSCKey         string          `json:"nsc_key"`
	NVKey          string          `json:"nv_key"`
}
