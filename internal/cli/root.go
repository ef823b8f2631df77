// Package cli implements the compose-runner command line and the wiring that
// turns configuration into engines, stores and drivers.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurostuff/compose-runner/internal/apperr"
	"github.com/neurostuff/compose-runner/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd(viper.New())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
		return 1
	}
	return 0
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "compose-runner",
		Short:         "Run and queue Neurosynth Compose meta-analyses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag(config.Key(config.EnvLogLevel), rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newSubmitCmd(v),
		newStatusCmd(v),
		newRunCmd(v),
		newRunsCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig ties flags of the executing command to the viper keys of
// environment variables and loads the configuration. A flag wins when set and
// the environment is consulted otherwise. Binding happens at execution time
// because several commands share a key.
func loadConfig(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) config.Config {
	for flag, env := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = v.BindPFlag(config.Key(env), f)
		}
	}
	return config.LoadFrom(v)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeError renders the caller-facing message for classified errors and
// the full chain otherwise.
func describeError(err error) string {
	if msg := apperr.Message(err); msg != "internal error" {
		return fmt.Sprintf("%s (%s)", msg, apperr.KindOf(err))
	}
	return err.Error()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "compose-runner %s (%s)\n", version, commit)
			return nil
		},
	}
}
