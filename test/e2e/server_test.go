package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping subprocess e2e test in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "compose-runner-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, binary string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"COMPOSE_LISTEN_ADDR="+addr,
		"COMPOSE_LOG_LEVEL=info",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) submit(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(sp.url+"/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /jobs: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func (sp *serverProc) status(t *testing.T, jobID string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(sp.url + "/jobs/" + jobID)
	if err != nil {
		t.Fatalf("GET /jobs/%s: %v", jobID, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func (sp *serverProc) pollStatus(t *testing.T, jobID, expected string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		_, last = sp.status(t, jobID)
		if last["status"] == expected {
			return last
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s did not reach %s within %v (last: %v)", jobID, expected, timeout, last)
	return nil
}

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t))

	sp.submit(t, `{"meta_analysis_id":"warmup"}`)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)
	for _, metric := range []string{
		"compose_http_requests_total",
		"compose_http_request_duration_seconds",
		"compose_jobs_submitted_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

func TestSubmitAndPollToSuccess(t *testing.T) {
	sp := startServer(t, getBinary(t))

	code, handle := sp.submit(t, `{"meta_analysis_id":"3opENJpHxRsH","artifact_prefix":"e2e-success"}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%v)", code, handle)
	}
	if handle["status"] != "SUBMITTED" {
		t.Errorf("status = %v, want SUBMITTED", handle["status"])
	}
	jobID, _ := handle["job_id"].(string)

	report := sp.pollStatus(t, jobID, "SUCCEEDED", 5*time.Second)
	if report["artifact_prefix"] != "e2e-success" {
		t.Errorf("artifact_prefix = %v", report["artifact_prefix"])
	}
	result, ok := report["result"].(map[string]any)
	if !ok {
		t.Fatalf("result missing from %v", report)
	}
	if result["result_id"] != "RES-e2e-success" {
		t.Errorf("result_id = %v", result["result_id"])
	}
}

func TestFailedJobReportsError(t *testing.T) {
	sp := startServer(t, getBinary(t))

	_, handle := sp.submit(t, `{"meta_analysis_id":"fail-1"}`)
	jobID, _ := handle["job_id"].(string)

	report := sp.pollStatus(t, jobID, "FAILED", 5*time.Second)
	if report["error"] != "compute step failed" {
		t.Errorf("error = %v, want compute step failed", report["error"])
	}
}

func TestDuplicateAndUnknownJobs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	body := `{"meta_analysis_id":"ma","artifact_prefix":"e2e-dup"}`
	if code, _ := sp.submit(t, body); code != http.StatusAccepted {
		t.Fatalf("first submit status = %d, want 202", code)
	}
	code, out := sp.submit(t, body)
	if code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", code)
	}
	if out["artifact_prefix"] != "e2e-dup" {
		t.Errorf("artifact_prefix = %v, want e2e-dup", out["artifact_prefix"])
	}

	code, _ = sp.status(t, "arn:aws:states:local:000000000000:execution:compose-runner:missing")
	if code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", code)
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, getBinary(t))

	sp.submit(t, `{"meta_analysis_id":"ma","artifact_prefix":"e2e-logs"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), "workflow.queued") {
			break
		}
		time.Sleep(pollInterval)
	}

	found := false
	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Errorf("non-JSON log line: %s", scanner.Text())
			continue
		}
		if entry["msg"] == "workflow.queued" {
			found = true
			if entry["artifact_prefix"] != "e2e-logs" {
				t.Errorf("workflow.queued artifact_prefix = %v", entry["artifact_prefix"])
			}
		}
	}
	if !found {
		t.Errorf("no workflow.queued log entry in:\n%s", sp.stdout.String())
	}
}
