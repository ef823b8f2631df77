// testserver starts a compose-runner API server backed by in-memory engine,
// object store and ledger for E2E testing. Executions succeed after a short
// delay and publish a metadata object, unless the meta-analysis id starts
// with "fail-".
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/neurostuff/compose-runner/internal/analysis"
	"github.com/neurostuff/compose-runner/internal/api"
	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/gateway"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/objectstore"
	"github.com/neurostuff/compose-runner/internal/store"
	"github.com/neurostuff/compose-runner/internal/workflow"
)

const (
	resultsBucket = "testserver-results"
	resultsPrefix = "compose"
)

// stubEngine finishes every execution after delay.
type stubEngine struct {
	*workflow.Memory
	objects *objectstore.Memory
	delay   time.Duration
}

func (e *stubEngine) StartExecution(ctx context.Context, name string, input []byte) (string, error) {
	id, err := e.Memory.StartExecution(ctx, name, input)
	if err != nil {
		return "", err
	}

	var in model.ExecutionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	time.AfterFunc(e.delay, func() { e.finish(id, in) })
	return id, nil
}

func (e *stubEngine) finish(id string, in model.ExecutionInput) {
	if strings.HasPrefix(in.MetaAnalysisID, "fail-") {
		out, _ := json.Marshal(map[string]string{"artifact_prefix": in.ArtifactPrefix, "error": "compute step failed"})
		_ = e.Fail(id, string(out))
		return
	}

	metadata, _ := json.Marshal(map[string]any{
		"meta_analysis_id": in.MetaAnalysisID,
		"artifact_prefix":  in.ArtifactPrefix,
		"result_id":        "RES-" + in.ArtifactPrefix,
		"uploaded":         in.NoUpload != "true",
		"completed_at":     model.FormatTimestamp(time.Now()),
	})
	key := objectstore.JobKey(in.Results.Prefix, in.ArtifactPrefix, model.MetadataFilename)
	_ = e.objects.PutObject(context.Background(), in.Results.Bucket, key, metadata, "application/json")

	out, _ := json.Marshal(map[string]any{"artifact_prefix": in.ArtifactPrefix, "meta_analysis_id": in.MetaAnalysisID, "results": in.Results})
	_ = e.Complete(id, string(out))
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	objects := objectstore.NewMemory()
	engine := &stubEngine{Memory: workflow.NewMemory(), objects: objects, delay: 300 * time.Millisecond}
	results := model.ResultsLocation{Bucket: resultsBucket, Prefix: resultsPrefix}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Submitter: gateway.NewSubmitter(engine, gateway.Defaults{ResultsBucket: resultsBucket, ResultsPrefix: resultsPrefix}, logger),
		Status:    gateway.NewStatusChecker(engine, objects, results, logger),
		Registry:  analysis.DefaultRegistry(),
		Store:     db,
		Results:   results,
	}, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
