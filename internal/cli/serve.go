package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurostuff/compose-runner/internal/analysis"
	"github.com/neurostuff/compose-runner/internal/api"
	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/runner"
	"github.com/neurostuff/compose-runner/internal/store"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	var localRuns bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the job submission and status HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(v, cmd, map[string]string{
				"listen-addr": config.EnvListenAddr,
				"db-path":     config.EnvDBPath,
			})
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)

			logger.Info("compose-runner: starting",
				"listen_addr", cfg.ListenAddr,
				"db_path", cfg.DBPath,
				"local_runs", localRuns,
			)

			gw, err := newGateways(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			deps := api.Deps{
				Submitter: gw.submitter,
				Status:    gw.status,
				Registry:  analysis.DefaultRegistry(),
				Store:     db,
				Results:   resultsLocation(cfg),
			}
			if localRuns {
				objects, err := newObjectStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				pool := newDriverPool(cfg, objects, db, logger)
				pool.events = runner.NewEventBroker()
				deps.Runner = pool
				deps.Events = pool.events
			}

			return api.NewServer(cfg.ListenAddr, deps, logger).Run()
		},
	}

	cmd.Flags().String("listen-addr", "", "HTTP listen address")
	cmd.Flags().String("db-path", "", "Path of the local run ledger database")
	cmd.Flags().BoolVar(&localRuns, "local-runs", false, "Enable POST /runs to execute jobs in-process")
	return cmd
}
