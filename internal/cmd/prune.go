package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostow/internal/config"
	"github.com/3leaps/gostow/pkg/output"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply retention policies now",
	Long: `Apply each job's retention policy to the local archive without running
a backup. Jobs without a policy are skipped. One JSONL retention report is
written per job.

Example:
  gostow prune --manifest backups.yaml
  gostow prune --job notes`,
	RunE: runPrune,
}

var pruneJobs []string

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().StringSliceVarP(&pruneJobs, "job", "j", nil, "Only prune these job IDs (repeatable)")
}

func runPrune(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := newStack(ctx, appConfig, nil)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	jobs, err := st.selectJobs(pruneJobs)
	if err != nil {
		return err
	}

	jw := output.NewJSONLWriter(cmd.OutOrStdout(), config.AppName)
	var failed int
	for _, job := range jobs {
		if !job.Retention.Enabled() {
			continue
		}
		policy := job.Retention
		if _, ok := st.targetFor(job.ID); !ok {
			policy.PruneOnlyUploaded = false
		}
		report, err := st.store.ApplyRetention(ctx, job.ID, policy)
		if err != nil {
			failed++
			_ = jw.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeRetention,
				Message: err.Error(),
				JobID:   job.ID,
			})
			continue
		}
		if err := jw.WriteRetention(ctx, report); err != nil {
			return exitError(int(foundry.ExitFileWriteError), "Cannot write output", err)
		}
	}
	if failed > 0 {
		return exitError(int(foundry.ExitFileWriteError), "Retention failed", fmt.Errorf("%d jobs could not be pruned", failed))
	}
	return nil
}
