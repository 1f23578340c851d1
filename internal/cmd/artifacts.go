package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostow/internal/config"
	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/manifest"
	"github.com/3leaps/gostow/pkg/output"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect the local archive",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived artifacts",
	Long: `List the artifacts in the local archive, oldest first.

By default every job directory under the archive root is listed, including
jobs no longer in the manifest. Output is JSONL unless --table is given.

Example:
  gostow artifacts list
  gostow artifacts list --job notes --table`,
	RunE: runArtifactsList,
}

var (
	artifactsJob   string
	artifactsTable bool
)

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)

	artifactsListCmd.Flags().StringVarP(&artifactsJob, "job", "j", "", "Only list this job")
	artifactsListCmd.Flags().BoolVar(&artifactsTable, "table", false, "Print a table instead of JSONL")
}

func runArtifactsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	// The manifest is optional here; it only contributes the archive root.
	root := appConfig.ArchiveRoot
	if m, err := manifest.Load(appConfig.Manifest); err == nil {
		root = archiveRootFor(appConfig, m.ArchiveRoot)
	}
	store := archive.NewStore(root)

	var (
		list []artifact.Artifact
		err  error
	)
	if artifactsJob != "" {
		if verr := artifact.ValidateJobID(artifactsJob); verr != nil {
			return exitError(int(foundry.ExitInvalidArgument), "Invalid job ID", verr)
		}
		list, err = archive.Collect(store.List(artifactsJob))
	} else {
		list, err = store.ListAll(ctx)
	}
	if err != nil {
		return exitError(int(foundry.ExitFileReadError), "Cannot read archive", err)
	}

	if artifactsTable {
		return printArtifactTable(cmd.OutOrStdout(), list)
	}
	jw := output.NewJSONLWriter(cmd.OutOrStdout(), config.AppName)
	for _, a := range list {
		if err := jw.WriteArtifact(ctx, a); err != nil {
			return exitError(int(foundry.ExitFileWriteError), "Cannot write output", err)
		}
	}
	return nil
}

func printArtifactTable(out io.Writer, list []artifact.Artifact) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB\tNAME\tCREATED\tSIZE\tUPLOAD\tATTEMPTS")
	for _, a := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			a.JobID,
			a.Name,
			a.CreatedAt.Format(time.RFC3339),
			formatBytes(a.SizeBytes),
			a.UploadState,
			a.UploadAttempts,
		)
	}
	return nil
}

// formatBytes renders n with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
