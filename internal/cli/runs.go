package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurostuff/compose-runner/internal/config"
	"github.com/neurostuff/compose-runner/internal/model"
	"github.com/neurostuff/compose-runner/internal/store"
)

type runList struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func newRunsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the local run ledger",
	}
	cmd.PersistentFlags().String("db-path", "", "Path of the local run ledger database")

	cmd.AddCommand(newRunsListCmd(v), newRunsShowCmd(v), newRunsStatsCmd(v))
	return cmd
}

// openLedger opens an existing ledger database.
func openLedger(v *viper.Viper, cmd *cobra.Command) (*store.SQLiteStore, error) {
	cfg := loadConfig(v, cmd, map[string]string{"db-path": config.EnvDBPath})
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newRunsListCmd(v *viper.Viper) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			if offset < 0 {
				return fmt.Errorf("--offset must not be negative")
			}
			db, err := openLedger(v, cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, total, err := db.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []*model.Run{}
			}
			return printJSON(cmd.OutOrStdout(), runList{Runs: runs, Total: total, Limit: limit, Offset: offset})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")
	return cmd
}

func newRunsShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLedger(v, cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := db.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func newRunsStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded runs by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openLedger(v, cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.GetRunStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}
