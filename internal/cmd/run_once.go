package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/internal/config"
	"github.com/3leaps/gostow/internal/observability"
	"github.com/3leaps/gostow/pkg/output"
	"github.com/3leaps/gostow/pkg/runner"
	"github.com/3leaps/gostow/pkg/scheduler"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run jobs once and exit",
	Long: `Run every job of the manifest once, in manifest order, then exit.
Manual jobs are included. Each run is written to stdout as a JSONL record.

The exit code is non-zero when any run failed.

Example:
  gostow run-once --manifest backups.yaml
  gostow run-once --job notes --job photos`,
	RunE: runRunOnce,
}

var runOnceJobs []string

func init() {
	rootCmd.AddCommand(runOnceCmd)
	runOnceCmd.Flags().StringSliceVarP(&runOnceJobs, "job", "j", nil, "Only run these job IDs (repeatable)")
}

func runRunOnce(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := newStack(ctx, appConfig, nil)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	jobs, err := st.selectJobs(runOnceJobs)
	if err != nil {
		return err
	}
	if appConfig.Scheduler.SweepOrphans {
		sweepOrphans(ctx, st, observability.CLILogger)
	}

	jw := output.NewJSONLWriter(cmd.OutOrStdout(), config.AppName, output.WithLogger(observability.CLILogger))
	defer func() { _ = jw.Close() }()

	sched := scheduler.New(st.runner, scheduler.MultiObserver{jw}, scheduler.Options{Logger: observability.CLILogger})
	for _, job := range jobs {
		if err := sched.Schedule(job); err != nil {
			return exitError(int(foundry.ExitInvalidArgument), "Cannot schedule job", err)
		}
	}

	results, err := sched.RunOnce(ctx)
	if err != nil {
		return exitError(int(foundry.ExitSignalInt), "Interrupted", err)
	}
	return runOnceError(results)
}

// runOnceError summarizes failed runs. Upload failures map to the external
// service exit code; any capture failure wins.
func runOnceError(results []runner.RunResult) error {
	var captureFailed, uploadFailed int
	for _, res := range results {
		switch res.Outcome {
		case runner.OutcomeCaptureFailed:
			captureFailed++
			observability.CLILogger.Error("Capture failed", zap.String("job_id", res.JobID), zap.String("error", res.Error))
		case runner.OutcomeUploadFailed:
			uploadFailed++
			observability.CLILogger.Error("Upload failed", zap.String("job_id", res.JobID), zap.String("error", res.Error))
		}
	}
	switch {
	case captureFailed > 0:
		return exitError(int(foundry.ExitFileReadError), "Backup failed",
			fmt.Errorf("%d of %d runs failed to capture", captureFailed, len(results)))
	case uploadFailed > 0:
		return exitError(int(foundry.ExitExternalServiceUnavailable), "Replication failed",
			fmt.Errorf("%d of %d runs failed to upload", uploadFailed, len(results)))
	}
	return nil
}
