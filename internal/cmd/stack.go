package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/internal/config"
	"github.com/3leaps/gostow/internal/observability"
	"github.com/3leaps/gostow/pkg/archive"
	"github.com/3leaps/gostow/pkg/manifest"
	"github.com/3leaps/gostow/pkg/replicate"
	"github.com/3leaps/gostow/pkg/runner"
)

// stack is the runtime wiring shared by the commands: the resolved
// manifest, the archive store, the replicator and the runner.
type stack struct {
	cfg        *config.Config
	plan       *manifest.Plan
	store      *archive.Store
	replicator *replicate.Replicator
	runner     *runner.Runner
	jobs       map[string]runner.Job
}

// newStack loads the manifest named by the configuration and builds the
// runtime. logger may be nil.
func newStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stack, error) {
	if logger == nil {
		logger = observability.CLILogger
	}

	if _, err := os.Stat(cfg.Manifest); err != nil {
		return nil, exitError(int(foundry.ExitFileNotFound), "Cannot read manifest", err)
	}
	m, err := manifest.Load(cfg.Manifest)
	if err != nil {
		return nil, exitError(int(foundry.ExitInvalidArgument), "Invalid manifest", err)
	}
	plan, err := m.Build(ctx)
	if err != nil {
		return nil, exitError(int(foundry.ExitInvalidArgument), "Invalid manifest", err)
	}

	root := archiveRootFor(cfg, plan.ArchiveRoot)
	if err := os.MkdirAll(root, 0o755); err != nil {
		_ = plan.Close()
		return nil, exitError(int(foundry.ExitFileWriteError), "Cannot create archive root", err)
	}

	store := archive.NewStore(root)
	repl := replicate.New(plan.Replication, store, replicate.WithLogger(logger.Named("replicate")))
	st := &stack{
		cfg:        cfg,
		plan:       plan,
		store:      store,
		replicator: repl,
		runner:     runner.New(store, plan.Sinks, repl, runner.WithLogger(logger.Named("runner"))),
		jobs:       make(map[string]runner.Job, len(plan.Jobs)),
	}
	for _, job := range plan.Jobs {
		st.jobs[job.ID] = job
	}

	logger.Debug("Loaded manifest",
		zap.String("path", cfg.Manifest),
		zap.Int("jobs", len(plan.Jobs)),
		zap.Strings("sinks", plan.Sinks.Names()),
		zap.String("archive_root", root))
	return st, nil
}

// archiveRootFor picks the archive root: an explicit flag or environment
// value, then the manifest, then the config file or default.
func archiveRootFor(cfg *config.Config, fromManifest string) string {
	if fromManifest != "" && !archiveRootOverridden() {
		return os.ExpandEnv(fromManifest)
	}
	return cfg.ArchiveRoot
}

// archiveRootOverridden reports whether --archive-root or GOSTOW_ARCHIVE_ROOT
// was given. Either one wins over the manifest.
func archiveRootOverridden() bool {
	return rootCmd.PersistentFlags().Changed("archive-root") ||
		os.Getenv(config.EnvPrefix+"_ARCHIVE_ROOT") != ""
}

func (s *stack) Close() error {
	return s.plan.Close()
}

// selectJobs returns the jobs named by ids, or every job when ids is empty.
// Manifest order is kept.
func (s *stack) selectJobs(ids []string) ([]runner.Job, error) {
	if len(ids) == 0 {
		return s.plan.Jobs, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.jobs[id]; !ok {
			return nil, exitError(int(foundry.ExitInvalidArgument), "Unknown job", fmt.Errorf("job %q is not in %s", id, s.cfg.Manifest))
		}
		want[id] = true
	}
	var out []runner.Job
	for _, job := range s.plan.Jobs {
		if want[job.ID] {
			out = append(out, job)
		}
	}
	return out, nil
}

// targetFor resolves the replication target of a job by ID.
func (s *stack) targetFor(jobID string) (replicate.Target, bool) {
	job, ok := s.jobs[jobID]
	if !ok {
		return replicate.Target{}, false
	}
	return s.runner.Target(job)
}
