package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/neurostuff/compose-runner/internal/model"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSubmitJob(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/jobs", `{"meta_analysis_id":"3opENJpHxRsH","n_cores":4}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var handle model.JobHandle
	decodeBody(t, resp, &handle)
	if handle.Status != model.StatusSubmitted {
		t.Errorf("Status = %q, want %q", handle.Status, model.StatusSubmitted)
	}
	if handle.StatusURL != "/jobs/"+handle.JobID {
		t.Errorf("StatusURL = %q", handle.StatusURL)
	}

	raw, ok := env.engine.Input(handle.JobID)
	if !ok {
		t.Fatalf("no execution started for %s", handle.JobID)
	}
	var in model.ExecutionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		t.Fatalf("decode execution input: %v", err)
	}
	if in.NCores != "4" {
		t.Errorf("n_cores = %q, want %q", in.NCores, "4")
	}
	if in.Results.Bucket != testBucket {
		t.Errorf("results.bucket = %q, want %q", in.Results.Bucket, testBucket)
	}
}

func TestSubmitJobErrors(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	tests := []struct {
		name   string
		body   string
		status int
		error  string
	}{
		{"missing meta_analysis_id", `{}`, http.StatusBadRequest, "Request payload must include 'meta_analysis_id'."},
		{"invalid json", `{"meta_analysis_id":`, http.StatusBadRequest, "Request body must be a JSON object."},
		{"unknown environment", `{"meta_analysis_id":"ma","environment":"dev"}`, http.StatusBadRequest, "Request payload 'environment' must be one of: production, staging."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/jobs", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["status"] != "FAILED" || body["error"] != tt.error {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestSubmitJobDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	body := `{"meta_analysis_id":"ma","artifact_prefix":"fixed-prefix"}`
	if resp := postJSON(t, ts.URL+"/jobs", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d, want 202", resp.StatusCode)
	}

	resp := postJSON(t, ts.URL+"/jobs", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var got map[string]string
	decodeBody(t, resp, &got)
	if got["artifact_prefix"] != "fixed-prefix" {
		t.Errorf("artifact_prefix = %q, want fixed-prefix", got["artifact_prefix"])
	}
}

func TestJobStatusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/jobs", `{"meta_analysis_id":"ma","artifact_prefix":"e2e"}`)
	var handle model.JobHandle
	decodeBody(t, resp, &handle)

	resp = getURL(t, ts.URL+handle.StatusURL)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var report model.StatusReport
	decodeBody(t, resp, &report)
	if report.Status != model.ExecutionRunning {
		t.Errorf("Status = %q, want RUNNING", report.Status)
	}
	if gets, _ := env.objects.Calls(); gets != 0 {
		t.Errorf("object store reads = %d while RUNNING, want 0", gets)
	}

	ctx := context.Background()
	key := "compose/e2e/" + model.MetadataFilename
	if err := env.objects.PutObject(ctx, testBucket, key, []byte(`{"result_id":"RES1","artifact_prefix":"e2e"}`), "application/json"); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if err := env.engine.Complete(handle.JobID, `{"artifact_prefix":"e2e","meta_analysis_id":"ma"}`); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	resp = postJSON(t, ts.URL+"/jobs/status", fmt.Sprintf(`{"job_id":%q}`, handle.JobID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	report = model.StatusReport{}
	decodeBody(t, resp, &report)
	if report.Status != model.ExecutionSucceeded {
		t.Errorf("Status = %q, want SUCCEEDED", report.Status)
	}
	if report.StopTime == "" {
		t.Error("StopTime should be set")
	}
	if report.ArtifactPrefix != "e2e" {
		t.Errorf("ArtifactPrefix = %q, want e2e", report.ArtifactPrefix)
	}
	var result map[string]string
	if err := json.Unmarshal(report.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["result_id"] != "RES1" {
		t.Errorf("result = %v", result)
	}
}

func TestJobStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := getURL(t, ts.URL+"/jobs/arn:aws:states:us-east-1:000000000000:execution:compose:unknown")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/jobs/status", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing job_id status = %d, want 400", resp.StatusCode)
	}
}

func TestListEstimators(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := getURL(t, ts.URL+"/estimators")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body estimatorsResponse
	decodeBody(t, resp, &body)
	if len(body.Estimators) == 0 || len(body.Correctors) == 0 {
		t.Errorf("estimators = %d, correctors = %d, want both non-empty", len(body.Estimators), len(body.Correctors))
	}
}
