package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gostow/internal/config"
	"github.com/3leaps/gostow/internal/observability"
	"github.com/3leaps/gostow/internal/server"
	"github.com/3leaps/gostow/internal/server/handlers"
	"github.com/3leaps/gostow/pkg/output"
	"github.com/3leaps/gostow/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup daemon",
	Long: `Run every job of the manifest on its schedule until interrupted.

On start the daemon removes partial captures left by a crash and uploads
artifacts whose replication is pending or failed. While running it serves
the status API (health, job state, artifacts, metrics) unless disabled.

SIGINT or SIGTERM stops the scheduler: no new runs start and in-flight runs
finish, bounded by scheduler.stop_timeout.

Example:
  gostow run --manifest backups.yaml
  gostow run --manifest backups.yaml --events events.jsonl
  gostow run --no-server`,
	RunE: runDaemon,
}

var (
	runEventsPath string
	runNoServer   bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runEventsPath, "events", "", "Append JSONL run records to this file (- for stdout)")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Do not start the status server")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg := appConfig

	logger, logCloser, err := observability.NewServiceLogger(config.AppName, observability.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return exitError(int(foundry.ExitInvalidArgument), "Invalid logging configuration", err)
	}
	defer func() {
		_ = logger.Sync()
		_ = logCloser.Close()
	}()
	observability.CLILogger = logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	observers := scheduler.MultiObserver{observability.NewLogObserver(logger)}

	collector := observability.NewCollector()
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collector,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observers = append(observers, collector)
	}

	if runEventsPath != "" {
		w, closeEvents, err := openEvents(runEventsPath)
		if err != nil {
			return exitError(int(foundry.ExitFileWriteError), "Cannot open events file", err)
		}
		defer func() { _ = closeEvents() }()
		jw := output.NewJSONLWriter(w, config.AppName, output.WithLogger(logger))
		defer func() { _ = jw.Close() }()
		observers = append(observers, jw)
	}

	sched := scheduler.New(st.runner, observers, scheduler.Options{Logger: logger.Named("scheduler")})
	for _, job := range st.plan.Jobs {
		if err := sched.Schedule(job); err != nil {
			return exitError(int(foundry.ExitInvalidArgument), "Cannot schedule job", err)
		}
	}

	if err := startAfterRecovery(ctx, st, sched.Start, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled && !runNoServer {
		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("scheduler", handlers.CheckerFunc(func(context.Context) error {
			if sched.Done() {
				return errors.New("scheduler stopped")
			}
			return nil
		}))
		health.RegisterChecker("archive", handlers.CheckerFunc(func(context.Context) error {
			return checkWritable(st.store.RootDir())
		}))

		opts := []server.Option{
			server.WithLogger(logger.Named("server")),
			server.WithHealth(health),
			server.WithVersion(handlers.VersionInfo{
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
			}),
			server.WithJobs(sched, st.store),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		}
		if cfg.Metrics.Enabled {
			opts = append(opts, server.WithMetrics(cfg.Metrics.Path, registry))
		}
		srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)
		g.Go(func() error {
			return srv.Serve(gctx, cfg.Server.ShutdownTimeout)
		})
	}

	<-gctx.Done()
	logger.Info("Shutting down", zap.Duration("stop_timeout", cfg.Scheduler.StopTimeout))

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout)
	defer cancel()
	stopErr := sched.Stop(stopCtx)

	if err := g.Wait(); err != nil {
		return exitError(int(foundry.ExitExternalServiceUnavailable), "Status server failed", err)
	}
	if stopErr != nil {
		return exitError(int(foundry.ExitSignalInt), "Runs still in flight at shutdown", stopErr)
	}
	return nil
}

// startAfterRecovery removes orphaned partial captures and uploads pending
// artifacts, as configured, and only then calls start. A scheduled run never
// races the catch-up for the same artifact.
func startAfterRecovery(ctx context.Context, st *stack, start func(context.Context) error, logger *zap.Logger) error {
	if st.cfg.Scheduler.SweepOrphans {
		sweepOrphans(ctx, st, logger)
	}
	if st.cfg.Scheduler.CatchUp && len(st.plan.Sinks.Names()) > 0 {
		catchUp(ctx, st, logger)
	}
	return start(ctx)
}

func sweepOrphans(ctx context.Context, st *stack, logger *zap.Logger) {
	for _, job := range st.plan.Jobs {
		removed, err := st.store.SweepOrphans(ctx, job.ID)
		if err != nil {
			logger.Warn("Orphan sweep failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if len(removed) > 0 {
			logger.Info("Removed partial captures", zap.String("job_id", job.ID), zap.Strings("files", removed))
		}
	}
}

func catchUp(ctx context.Context, st *stack, logger *zap.Logger) {
	all, err := st.store.ListAll(ctx)
	if err != nil {
		logger.Warn("Catch-up scan failed", zap.Error(err))
		return
	}
	report, err := st.replicator.CatchUp(ctx, all, st.targetFor)
	if err != nil {
		logger.Info("Catch-up interrupted", zap.Int("attempted", report.Attempted), zap.Error(err))
		return
	}
	if report.Attempted > 0 {
		logger.Info("Catch-up finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("uploaded", report.Uploaded),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped))
	}
}

// openEvents opens path for appending, or stdout for "-".
func openEvents(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// checkWritable creates and removes a scratch file in dir.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".gostow-health-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
