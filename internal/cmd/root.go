// Package cmd implements the gostow command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/internal/config"
	"github.com/3leaps/gostow/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	verbose         bool
	manifestPath    string
	archiveRootFlag string
	logLevelFlag    string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gostow",
	Short: "Scheduled local backups with off-site replication",
	Long: `gostow captures point-in-time copies of files, directories and SQLite
databases on a schedule, keeps them in a local archive with retention,
and replicates each artifact to an S3 compatible bucket or a mounted
directory.

Jobs are declared in a YAML or JSON manifest. Service settings (archive
root, logging, status server) come from the config file, GOSTOW_*
environment variables and flags.

Examples:
  gostow validate --manifest backups.yaml
  gostow run --manifest backups.yaml
  gostow run-once --manifest backups.yaml --job notes
  gostow artifacts list --job notes`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVarP(&manifestPath, "manifest", "m", "", "Path to the backup manifest (default from config: gostow.yaml)")
	pf.StringVar(&archiveRootFlag, "archive-root", "", "Override the local archive directory")
	pf.StringVar(&logLevelFlag, "log-level", "", "Override the daemon log level (debug|info|warn|error)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(config.AppName, verbose)

	overrides := map[string]any{}
	if cmd.Flags().Changed("manifest") {
		overrides["manifest"] = manifestPath
	}
	if cmd.Flags().Changed("archive-root") {
		overrides["archive_root"] = archiveRootFlag
	}
	if cmd.Flags().Changed("log-level") {
		overrides["logging"] = map[string]any{"level": logLevelFlag}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid configuration", err)
	}
	appConfig = cfg

	observability.CLILogger.Debug("Loaded configuration",
		zap.String("manifest", cfg.Manifest),
		zap.String("archive_root", cfg.ArchiveRoot),
		zap.String("data_dir", cfg.DataDir))
	return nil
}

// exitCodeError carries the process exit code of a failed command.
type exitCodeError struct {
	code int
	msg  string
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, msg string, err error) error {
	return &exitCodeError{code: code, msg: msg, err: err}
}

// exitCode maps a command error to a process exit code. Errors without an
// explicit code exit 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitCodeError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}
