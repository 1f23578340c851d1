package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/internal/observability"
	"github.com/3leaps/gostow/pkg/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate a backup manifest",
	Long: `Validate a manifest against the embedded schema and the semantic rules
(unique IDs, known sinks, parseable schedules and durations). Nothing is
captured and no sink is contacted.

Example:
  gostow validate backups.yaml
  gostow validate --manifest backups.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := appConfig.Manifest
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err != nil {
		return exitError(int(foundry.ExitFileNotFound), "Cannot read manifest", err)
	}
	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Manifest invalid", zap.String("path", path), zap.Error(err))
		return exitError(int(foundry.ExitInvalidArgument), "Invalid manifest", err)
	}
	if _, err := m.BuildJobs(); err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid manifest", err)
	}
	if _, err := m.BuildReplication(); err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid manifest", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d jobs, %d sinks)\n", path, len(m.Jobs), len(m.Sinks))
	return nil
}
