package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/compute"
	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/documents"
	"github.com/neurostuff/compose-runner/internal/gateway"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/objectstore"
	"github.com/neurostuff/compose-runner/internal/results"
	"github.com/neurostuff/compose-runner/internal/runner"
	"github.com/neurostuff/compose-runner/internal/store"
	"github.com/neurostuff/compose-runner/internal/workflow"
)

// gateways holds the submission and status cores built from configuration.
type gateways struct {
	submitter *gateway.Submitter
	status    *gateway.StatusChecker
}

func newGateways(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gateways, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine, err := workflow.NewSFN(ctx, cfg.StateMachineARN, cfg.AWSRegion)
	if err != nil {
		return nil, fmt.Errorf("create workflow engine: %w", err)
	}
	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	defaults := gateway.Defaults{
		ResultsBucket: cfg.ResultsBucket,
		ResultsPrefix: cfg.ResultsPrefix,
		NSCKey:        cfg.NSCKey,
		NVKey:         cfg.NVKey,
	}
	return &gateways{
		submitter: gateway.NewSubmitter(engine, defaults, logger),
		status:    gateway.NewStatusChecker(engine, objects, resultsLocation(cfg), logger),
	}, nil
}

// newObjectStore builds the S3 store whether or not a default bucket is
// configured, since execution inputs and outputs may name their own bucket.
func newObjectStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	s3, err := objectstore.NewS3(ctx, objectstore.S3Config{Region: cfg.AWSRegion, Endpoint: cfg.S3Endpoint})
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}
	return s3, nil
}

func resultsLocation(cfg config.Config) model.ResultsLocation {
	return model.ResultsLocation{Bucket: cfg.ResultsBucket, Prefix: cfg.ResultsPrefix}
}

// driverPool runs jobs with a driver bound to the job's environment. Drivers
// are built on first use and reused afterwards.
type driverPool struct {
	cfg     config.Config
	logger  *slog.Logger
	objects objectstore.Store
	ledger  store.Store

	// events receives run progress when set.
	events *runner.EventBroker

	mu      sync.Mutex
	drivers map[string]*runner.Driver
}

func newDriverPool(cfg config.Config, objects objectstore.Store, ledger store.Store, logger *slog.Logger) *driverPool {
	return &driverPool{
		cfg:     cfg,
		logger:  logger,
		objects: objects,
		ledger:  ledger,
		drivers: make(map[string]*runner.Driver),
	}
}

// Run fills in configured defaults and runs job.
func (p *driverPool) Run(ctx context.Context, job runner.Job) (*runner.Outcome, error) {
	if job.Environment == "" {
		job.Environment = model.EnvironmentProduction
	}
	if job.NSCKey == "" {
		job.NSCKey = p.cfg.NSCKey
	}
	if job.NVKey == "" {
		job.NVKey = p.cfg.NVKey
	}
	if job.Results.Bucket == "" {
		job.Results.Bucket = p.cfg.ResultsBucket
	}
	if job.Results.Prefix == "" {
		job.Results.Prefix = p.cfg.ResultsPrefix
	}

	d, err := p.driver(job.Environment)
	if err != nil {
		return nil, err
	}
	return d.Run(ctx, job)
}

func (p *driverPool) driver(environment string) (*runner.Driver, error) {
	if environment != model.EnvironmentProduction && environment != model.EnvironmentStaging {
		return nil, apperr.New(apperr.KindClient, "run", gateway.MsgInvalidEnvironment)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.drivers[environment]; ok {
		return d, nil
	}

	endpoints := documents.EndpointsFor(environment)
	if p.cfg.ComposeURL != "" {
		endpoints.ComposeURL = p.cfg.ComposeURL
	}
	if p.cfg.StoreURL != "" {
		endpoints.StoreURL = p.cfg.StoreURL
	}

	logger := p.logger.With("environment", environment)
	cmd, err := compute.NewCommand(p.cfg.ComputeCommand, compute.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create compute command: %w", err)
	}

	d, err := runner.NewDriver(runner.Deps{
		Loader:         documents.NewLoader(endpoints, p.cfg.HTTPTimeout, logger),
		Compute:        cmd,
		Uploader:       results.NewUploader(endpoints.ComposeURL, p.cfg.HTTPTimeout),
		NeuroVault:     results.NewNeuroVault(p.cfg.NeuroVaultURL, p.cfg.HTTPTimeout),
		Objects:        p.objects,
		Store:          p.ledger,
		Events:         p.events,
		Logger:         logger,
		SnapshotPolicy: p.cfg.SnapshotPolicy,
		WorkDir:        p.cfg.WorkDir,
	})
	if err != nil {
		return nil, err
	}
	p.drivers[environment] = d
	return d, nil
}
