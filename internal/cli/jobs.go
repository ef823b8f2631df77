package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/model"
)

// jobFlags are the submission fields shared by submit and run.
type jobFlags struct {
	artifactPrefix string
	environment    string
	noUpload       bool
	nCores         int
	nscKey         string
	nvKey          string
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.artifactPrefix, "artifact-prefix", "", "Artifact prefix (generated when empty)")
	cmd.Flags().StringVar(&f.environment, "environment", model.EnvironmentProduction, "Target environment (production, staging)")
	cmd.Flags().BoolVar(&f.noUpload, "no-upload", false, "Skip uploading results")
	cmd.Flags().IntVar(&f.nCores, "n-cores", 0, "Number of cores for the compute step (0 means default)")
	cmd.Flags().StringVar(&f.nscKey, "nsc-key", "", "Neurosynth Compose API key")
	cmd.Flags().StringVar(&f.nvKey, "nv-key", "", "NeuroVault API key")
}

func (f *jobFlags) request(cmd *cobra.Command, metaAnalysisID string) model.JobRequest {
	req := model.JobRequest{
		MetaAnalysisID: metaAnalysisID,
		ArtifactPrefix: f.artifactPrefix,
		Environment:    f.environment,
		NoUpload:       f.noUpload,
		NSCKey:         f.nscKey,
		NVKey:          f.nvKey,
	}
	if cmd.Flags().Changed("n-cores") {
		n := f.nCores
		req.NCores = &n
	}
	return req
}

func newSubmitCmd(v *viper.Viper) *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "submit META_ANALYSIS_ID",
		Short: "Queue a meta-analysis job on the workflow engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(v, cmd, nil)
			logger := config.NewLogger(os.Stderr, cfg.LogLevel)

			gw, err := newGateways(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			handle, err := gw.submitter.Submit(cmd.Context(), flags.request(cmd, args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), handle)
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Report the status of a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(v, cmd, nil)
			logger := config.NewLogger(os.Stderr, cfg.LogLevel)

			gw, err := newGateways(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			report, err := gw.status.Status(cmd.Context(), model.StatusRequest{JobID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}
