package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/internal/config"
	"github.com/3leaps/gostow/internal/observability"
	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/output"
)

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Upload pending and failed artifacts",
	Long: `Upload every archived artifact whose replication is pending or failed,
oldest first, using each job's sink. Artifacts of jobs without a sink are
left alone. A JSONL catch-up summary is written to stdout.

Example:
  gostow replicate --manifest backups.yaml
  gostow replicate --job notes`,
	RunE: runReplicate,
}

var replicateJobs []string

func init() {
	rootCmd.AddCommand(replicateCmd)
	replicateCmd.Flags().StringSliceVarP(&replicateJobs, "job", "j", nil, "Only replicate these job IDs (repeatable)")
}

func runReplicate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := newStack(ctx, appConfig, nil)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	jobs, err := st.selectJobs(replicateJobs)
	if err != nil {
		return err
	}

	var all []artifact.Artifact
	for _, job := range jobs {
		list, err := archive.Collect(st.store.List(job.ID))
		if err != nil {
			return exitError(int(foundry.ExitFileReadError), "Cannot read archive", err)
		}
		all = append(all, list...)
	}

	report, err := st.replicator.CatchUp(ctx, all, st.targetFor)
	jw := output.NewJSONLWriter(cmd.OutOrStdout(), config.AppName)
	if werr := jw.WriteCatchUp(ctx, report); werr != nil {
		observability.CLILogger.Debug("Failed to emit catch-up record", zap.Error(werr))
	}
	if err != nil {
		return exitError(int(foundry.ExitSignalInt), "Replication interrupted", err)
	}
	if report.Failed > 0 {
		return exitError(int(foundry.ExitExternalServiceUnavailable), "Replication incomplete",
			fmt.Errorf("%d uploads failed", report.Failed))
	}
	return nil
}
