package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/runner"
	"github.com/neurostuff/compose-runner/internal/store"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	var (
		flags          jobFlags
		executionInput string
	)

	cmd := &cobra.Command{
		Use:   "run [META_ANALYSIS_ID]",
		Short: "Run a meta-analysis in-process",
		Long: `Run a meta-analysis in-process: load the bundle, resolve the analysis,
compute, and upload the results.

The job is described either by flags or, with --execution-input, by the
document a workflow execution was started with (inline JSON or @file).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(v, cmd, map[string]string{
				"work-dir":        config.EnvWorkDir,
				"compute-command": config.EnvComputeCommand,
				"snapshot-policy": config.EnvSnapshotPolicy,
				"db-path":         config.EnvDBPath,
			})
			logger := config.NewLogger(os.Stderr, cfg.LogLevel)

			job, err := buildJob(cmd, &flags, executionInput, args)
			if err != nil {
				return err
			}

			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			objects, err := newObjectStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			outcome, runErr := newDriverPool(cfg, objects, db, logger).Run(cmd.Context(), job)
			if outcome != nil {
				if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&executionInput, "execution-input", "", "Workflow execution input document (JSON or @file)")
	cmd.Flags().String("work-dir", "", "Parent directory for per-job working directories")
	cmd.Flags().String("compute-command", "", "Command that performs the meta-analysis")
	cmd.Flags().String("snapshot-policy", "", "Bundle snapshot policy (none, local)")
	cmd.Flags().String("db-path", "", "Path of the local run ledger database")
	return cmd
}

// buildJob derives the job from --execution-input when given and from the
// positional argument and flags otherwise.
func buildJob(cmd *cobra.Command, flags *jobFlags, executionInput string, args []string) (runner.Job, error) {
	if executionInput == "" {
		if len(args) == 0 {
			return runner.Job{}, fmt.Errorf("META_ANALYSIS_ID or --execution-input is required")
		}
		return runner.JobFromRequest(flags.request(cmd, args[0]), model.ResultsLocation{}), nil
	}

	raw := []byte(executionInput)
	if path, ok := strings.CutPrefix(executionInput, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return runner.Job{}, fmt.Errorf("read execution input: %w", err)
		}
		raw = data
	}
	var in model.ExecutionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return runner.Job{}, fmt.Errorf("decode execution input: %w", err)
	}
	if len(args) == 1 && in.MetaAnalysisID == "" {
		in.MetaAnalysisID = args[0]
	}
	return runner.JobFromExecutionInput(in)
}
