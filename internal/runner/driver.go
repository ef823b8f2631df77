package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/neurostuff/compose-runner/internal/analysis"
	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/compute"
	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/documents"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/objectstore"
	"github.com/neurostuff/compose-runner/internal/store"
)

// BundleLoader fetches the documents for a meta-analysis.
type BundleLoader interface {
	Load(ctx context.Context, metaAnalysisID string) (*documents.Bundle, error)
}

// ResultUploader pushes compute artifacts to the results endpoint.
type ResultUploader interface {
	CreateResult(ctx context.Context, metaAnalysisID, key string) (string, error)
	Upload(ctx context.Context, resultID string, res *compute.Result, key string) error
}

// MapPusher publishes statistical maps to an external image repository.
type MapPusher interface {
	Push(ctx context.Context, name string, maps []compute.Artifact, key string) (string, error)
}

// Job is the input to one driver run.
type Job struct {
	// RunID is assigned by the driver when empty.
	RunID          string
	MetaAnalysisID string
	ArtifactPrefix string
	Environment    string
	NoUpload       bool
	NCores         int
	NSCKey         string
	NVKey          string
	Results        model.ResultsLocation

	// Recorded marks a job whose CREATED ledger row was inserted by the
	// caller. The driver then starts from that row instead of inserting one.
	Recorded bool
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID                  string          `json:"run_id"`
	ArtifactPrefix         string          `json:"artifact_prefix"`
	State                  string          `json:"state"`
	ResultID               string          `json:"result_id,omitempty"`
	NeuroVaultCollectionID string          `json:"neurovault_collection_id,omitempty"`
	Result                 *compute.Result `json:"result,omitempty"`
	Metadata               *Metadata       `json:"metadata,omitempty"`
}

// Deps holds the collaborators of a Driver. Loader, Compute and Uploader are
// required; the rest are optional.
type Deps struct {
	Loader     BundleLoader
	Resolver   *analysis.Resolver
	Compute    compute.Workflow
	Uploader   ResultUploader
	NeuroVault MapPusher
	Objects    objectstore.Store
	Store      store.Store
	Logger     *slog.Logger

	// Events, when set, receives state changes and compute output keyed by
	// run id.
	Events *EventBroker

	// SnapshotPolicy is config.SnapshotNone or config.SnapshotLocal.
	SnapshotPolicy string

	// WorkDir is the parent of per-job working directories. When empty each
	// run uses a temporary directory that is removed afterwards.
	WorkDir string
}

// Driver runs jobs.
type Driver struct {
	deps Deps
	now  func() time.Time
}

// NewDriver creates a driver.
func NewDriver(deps Deps) (*Driver, error) {
	if deps.Loader == nil || deps.Compute == nil || deps.Uploader == nil {
		return nil, errors.New("runner: loader, compute and uploader are required")
	}
	if deps.Resolver == nil {
		deps.Resolver = analysis.NewResolver(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SnapshotPolicy == "" {
		deps.SnapshotPolicy = config.SnapshotNone
	}
	return &Driver{deps: deps, now: time.Now}, nil
}

// run is the in-flight state of one job.
type run struct {
	model.Run
	job    Job
	logger *slog.Logger
}

// Run executes job to completion. Once the job is accepted the returned
// outcome is non-nil, even on failure, and reports the state the run ended in.
func (d *Driver) Run(ctx context.Context, job Job) (*Outcome, error) {
	if job.MetaAnalysisID == "" {
		return nil, apperr.New(apperr.KindClient, "run", "meta_analysis_id is required")
	}
	if job.ArtifactPrefix == "" {
		job.ArtifactPrefix = model.NewArtifactPrefix()
	}
	if job.Environment == "" {
		job.Environment = model.EnvironmentProduction
	}

	if job.RunID == "" {
		job.RunID = model.NewID()
	}

	r := &run{
		Run: model.Run{
			ID:             job.RunID,
			MetaAnalysisID: job.MetaAnalysisID,
			ArtifactPrefix: job.ArtifactPrefix,
			Environment:    job.Environment,
			State:          model.RunCreated,
			CreatedAt:      d.now().UTC(),
		},
		job: job,
	}
	r.logger = d.deps.Logger.With("run_id", r.ID, "artifact_prefix", job.ArtifactPrefix)
	if d.deps.Events != nil {
		defer d.deps.Events.Close(r.ID)
	}
	out := &Outcome{RunID: r.ID, ArtifactPrefix: job.ArtifactPrefix, State: r.State}

	if d.deps.Store != nil && !job.Recorded {
		if err := d.deps.Store.CreateRun(ctx, &r.Run); err != nil {
			return out, apperr.Wrap(apperr.KindUpstream, "run", "failed to record run", err)
		}
	}
	r.logger.Info("run.created", "meta_analysis_id", job.MetaAnalysisID, "environment", job.Environment)
	d.emit(r, RunEvent{Type: EventState, State: r.State, Time: r.CreatedAt})

	err := d.execute(ctx, r, out)
	out.State = r.State
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.ArtifactPrefix == "" {
			ae.ArtifactPrefix = job.ArtifactPrefix
		}
		return out, err
	}
	return out, nil
}

func (d *Driver) execute(ctx context.Context, r *run, out *Outcome) error {
	bundle, err := d.deps.Loader.Load(ctx, r.job.MetaAnalysisID)
	if err != nil {
		return d.fail(ctx, r, classify(err, apperr.KindUpstream, "load bundle", "failed to load bundle"))
	}
	if err := d.transition(ctx, r, model.RunBundleLoaded); err != nil {
		return d.fail(ctx, r, err)
	}

	if d.deps.SnapshotPolicy == config.SnapshotLocal && d.deps.Store != nil {
		if err := d.deps.Store.SaveSnapshot(ctx, &store.Snapshot{
			RunID:          r.ID,
			MetaAnalysisID: r.job.MetaAnalysisID,
			Studyset:       bundle.Studyset,
			Annotation:     bundle.Annotation,
			Specification:  bundle.Specification,
			CreatedAt:      d.now().UTC(),
		}); err != nil {
			return d.fail(ctx, r, apperr.Wrap(apperr.KindUpstream, "snapshot", "failed to snapshot bundle", err))
		}
		r.logger.Info("run.snapshot_saved")
	}

	resolved, err := d.resolve(bundle)
	if err != nil {
		return d.fail(ctx, r, err)
	}
	if err := d.transition(ctx, r, model.RunAnalysisResolved); err != nil {
		return d.fail(ctx, r, err)
	}

	workDir, cleanup, err := d.workDir(r.job.ArtifactPrefix)
	if err != nil {
		return d.fail(ctx, r, apperr.Wrap(apperr.KindCompute, "compute", "compute step failed", err))
	}
	defer cleanup()

	res, err := d.deps.Compute.Run(ctx, &compute.Request{
		MetaAnalysisID: r.job.MetaAnalysisID,
		NCores:         r.job.NCores,
		Analysis:       resolved,
		OnOutput: func(line string) {
			d.emit(r, RunEvent{Type: EventOutput, Line: line, Time: d.now().UTC()})
		},
	}, workDir)
	if err != nil {
		return d.fail(ctx, r, classify(err, apperr.KindCompute, "compute", "compute step failed"))
	}
	out.Result = res
	if err := d.transition(ctx, r, model.RunComputed); err != nil {
		return d.fail(ctx, r, err)
	}

	uploadErr := d.upload(ctx, r, res, out)

	meta, err := d.publish(ctx, r, res, out, uploadErr)
	if err != nil {
		return d.fail(ctx, r, err)
	}
	out.Metadata = meta

	if uploadErr != nil {
		return d.fail(ctx, r, uploadErr)
	}
	if err := d.transition(ctx, r, model.RunUploaded); err != nil {
		return d.fail(ctx, r, err)
	}
	r.logger.Info("run.completed", "result_id", out.ResultID)
	return nil
}

// resolve derives the datasets from the annotation filter and configures the
// estimator and corrector named by the specification.
func (d *Driver) resolve(bundle *documents.Bundle) (*analysis.ResolvedAnalysis, error) {
	spec, err := analysis.ParseSpecification(bundle.Specification)
	if err != nil {
		return nil, err
	}
	primary, reference, err := analysis.DeriveDatasets(bundle.Studyset, bundle.Annotation, spec)
	if err != nil {
		return nil, err
	}
	resolved, err := d.deps.Resolver.Resolve(spec)
	if err != nil {
		return nil, err
	}
	return analysis.Bind(resolved, primary, reference)
}

func (d *Driver) upload(ctx context.Context, r *run, res *compute.Result, out *Outcome) error {
	if r.job.NoUpload {
		r.logger.Info("run.upload_skipped")
		return nil
	}

	resultID, err := d.deps.Uploader.CreateResult(ctx, r.job.MetaAnalysisID, r.job.NSCKey)
	if err != nil {
		return classify(err, apperr.KindUpload, "create result record", "failed to upload results")
	}
	out.ResultID = resultID
	r.ResultID = resultID
	if d.deps.Store != nil {
		if err := d.deps.Store.SetRunResult(ctx, r.ID, resultID); err != nil {
			r.logger.Error("run.result_not_recorded", "result_id", resultID, "error", err)
		}
	}

	if err := d.deps.Uploader.Upload(ctx, resultID, res, r.job.NSCKey); err != nil {
		return classify(err, apperr.KindUpload, "upload results", "failed to upload results")
	}
	r.logger.Info("run.uploaded", "result_id", resultID, "artifacts", len(res.Artifacts()))

	if r.job.NVKey != "" && d.deps.NeuroVault != nil {
		name := fmt.Sprintf("compose-runner %s %s", r.job.MetaAnalysisID, r.job.ArtifactPrefix)
		collectionID, err := d.deps.NeuroVault.Push(ctx, name, res.Maps, r.job.NVKey)
		if err != nil {
			return classify(err, apperr.KindUpload, "upload neurovault images", "failed to upload results")
		}
		out.NeuroVaultCollectionID = collectionID
		r.logger.Info("run.neurovault_pushed", "collection_id", collectionID)
	}
	return nil
}

func (d *Driver) workDir(artifactPrefix string) (string, func(), error) {
	if d.deps.WorkDir == "" {
		dir, err := os.MkdirTemp("", "compose-runner-")
		if err != nil {
			return "", nil, fmt.Errorf("create work directory: %w", err)
		}
		return dir, func() { _ = os.RemoveAll(dir) }, nil
	}
	dir := filepath.Join(d.deps.WorkDir, artifactPrefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create work directory: %w", err)
	}
	return dir, func() {}, nil
}

// transition moves the run to state, recording it in the ledger when one is
// configured.
func (d *Driver) transition(ctx context.Context, r *run, state string) error {
	return d.moveTo(ctx, r, state, "")
}

// fail moves the run to ERRORED and returns cause.
func (d *Driver) fail(ctx context.Context, r *run, cause error) error {
	if err := d.moveTo(ctx, r, model.RunErrored, cause.Error()); err != nil {
		r.logger.Error("run.error_not_recorded", "error", err)
	}
	r.logger.Error("run.errored", "kind", apperr.KindOf(cause), "error", cause)
	return cause
}

func (d *Driver) moveTo(ctx context.Context, r *run, state, errMsg string) error {
	if !model.ValidRunTransition(r.State, state) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, r.State, state)
	}
	if d.deps.Store != nil {
		if err := d.deps.Store.UpdateRunState(ctx, r.ID, state, errMsg); err != nil {
			return apperr.Wrap(apperr.KindUpstream, "run", "failed to record run state", err)
		}
	}
	r.logger.Info("run.transition", "from", r.State, "to", state)
	d.emit(r, RunEvent{Type: EventState, From: r.State, State: state, Error: errMsg, Time: d.now().UTC()})
	r.State = state
	r.Error = errMsg
	return nil
}

func (d *Driver) emit(r *run, ev RunEvent) {
	if d.deps.Events != nil {
		d.deps.Events.Publish(r.ID, ev)
	}
}

// classify wraps err as kind unless it already carries a classification.
func classify(err error, kind apperr.Kind, op, message string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(kind, op, message, err)
}
