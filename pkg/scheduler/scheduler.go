// Package scheduler drives jobs on their schedules.
//
// Every job has its own trigger loop. A job is never executed twice at once:
// a trigger that fires while the previous run is in flight is skipped and
// reported as a MissedTrigger. Jobs do not wait on each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/3leaps/gostow/pkg/runner"
)

// State is the execution state of one job.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"

	// StateBackoff is a running job that has missed at least one trigger.
	StateBackoff State = "backoff"
)

// JobRunner executes one run. *runner.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, job runner.Job) runner.RunResult
}

// Options configures a Scheduler.
type Options struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	JobID          string            `json:"job_id"`
	Schedule       string            `json:"schedule"`
	State          State             `json:"state"`
	LastTrigger    *time.Time        `json:"last_trigger,omitempty"`
	NextRun        *time.Time        `json:"next_run,omitempty"`
	RunningSince   *time.Time        `json:"running_since,omitempty"`
	MissedTriggers int               `json:"missed_triggers"`
	LastResult     *runner.RunResult `json:"last_result,omitempty"`
}

type jobLoop struct {
	job     runner.Job
	results chan runner.RunResult

	// Guarded by Scheduler.mu.
	state        State
	lastTrigger  time.Time
	next         time.Time
	runningSince time.Time
	missed       int
	lastResult   *runner.RunResult
}

// Scheduler owns the registered jobs.
type Scheduler struct {
	run    JobRunner
	obs    Observer
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	loops   []*jobLoop
	byID    map[string]*jobLoop
	started bool
	stopped bool
	cancel  context.CancelFunc

	loopsWG sync.WaitGroup
	runsWG  sync.WaitGroup
}

func New(run JobRunner, obs Observer, opts Options) *Scheduler {
	if obs == nil {
		obs = nopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		run:    run,
		obs:    obs,
		clock:  opts.Clock,
		logger: opts.Logger,
		byID:   make(map[string]*jobLoop),
	}
}

// Schedule registers job. Registration closes once Start is called.
func (s *Scheduler) Schedule(job runner.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if _, ok := s.byID[job.ID]; ok {
		return fmt.Errorf("job %q already scheduled", job.ID)
	}
	jl := &jobLoop{job: job, state: StateIdle, results: make(chan runner.RunResult, 1)}
	s.loops = append(s.loops, jl)
	s.byID[job.ID] = jl
	return nil
}

// Start launches one trigger loop per job. Loops end when ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, jl := range s.loops {
		s.loopsWG.Add(1)
		go s.loop(ctx, jl)
	}
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.loops)))
	return nil
}

// Stop prevents new triggers and waits for in-flight runs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.loopsWG.Wait()

	done := make(chan struct{})
	go func() {
		s.runsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", ctx.Err())
	}

	// Results that arrived after the loops exited.
	s.mu.Lock()
	for _, jl := range s.loops {
		select {
		case res := <-jl.results:
			s.completeLocked(jl, res)
		default:
		}
	}
	s.mu.Unlock()
	s.logger.Info("Scheduler stopped")
	return nil
}

// Done reports whether the scheduler was stopped.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) loop(ctx context.Context, jl *jobLoop) {
	defer s.loopsWG.Done()
	log := s.logger.With(zap.String("job_id", jl.job.ID))

	var timer clock.Timer
	var timerC <-chan time.Time
	arm := func() {
		now := s.clock.Now()
		next := jl.job.Schedule.Next(now)
		s.mu.Lock()
		jl.next = next
		s.mu.Unlock()
		if next.IsZero() {
			timerC = nil
			return
		}
		d := next.Sub(now)
		if d < 0 {
			d = 0
		}
		if timer == nil {
			timer = s.clock.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		timerC = timer.Chan()
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	arm()
	for {
		select {
		case <-ctx.Done():
			return

		case <-timerC:
			s.fire(ctx, jl, log)
			arm()

		case res := <-jl.results:
			s.mu.Lock()
			s.completeLocked(jl, res)
			s.mu.Unlock()
		}
	}
}

// fire handles one trigger of jl: start a run when the job is idle, otherwise
// skip and report the overlap.
func (s *Scheduler) fire(ctx context.Context, jl *jobLoop, log *zap.Logger) {
	s.mu.Lock()
	// A run that finished alongside this trigger must not count as an
	// overlap.
	select {
	case res := <-jl.results:
		s.completeLocked(jl, res)
	default:
	}
	scheduled := jl.next
	jl.lastTrigger = scheduled
	if jl.state == StateIdle {
		jl.state = StateRunning
		jl.runningSince = s.clock.Now()
		s.mu.Unlock()
		s.start(ctx, jl)
		return
	}
	jl.state = StateBackoff
	jl.missed++
	mt := MissedTrigger{JobID: jl.job.ID, ScheduledAt: scheduled.UTC(), RunningSince: jl.runningSince.UTC()}
	s.mu.Unlock()
	log.Warn("Trigger skipped, previous run still in flight", zap.Time("running_since", mt.RunningSince))
	s.obs.ObserveMissedTrigger(ctx, mt)
}

// start runs jl's job on its own goroutine. The result goes to the observer
// and then back to the loop.
func (s *Scheduler) start(ctx context.Context, jl *jobLoop) {
	s.runsWG.Add(1)
	go func() {
		defer s.runsWG.Done()
		res := s.safeRun(ctx, jl.job)
		s.obs.ObserveRun(context.WithoutCancel(ctx), res)
		jl.results <- res
	}()
}

func (s *Scheduler) completeLocked(jl *jobLoop, res runner.RunResult) {
	jl.state = StateIdle
	jl.runningSince = time.Time{}
	jl.lastResult = &res
}

// safeRun converts a panic inside a run into a failed result.
func (s *Scheduler) safeRun(ctx context.Context, job runner.Job) (res runner.RunResult) {
	started := s.clock.Now().UTC()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("run panicked: %v", p)
			s.logger.Error("Run panicked", zap.String("job_id", job.ID), zap.Any("panic", p))
			res = runner.RunResult{
				RunID:     uuid.NewString(),
				JobID:     job.ID,
				StartedAt: started,
				EndedAt:   s.clock.Now().UTC(),
				Outcome:   runner.OutcomeCaptureFailed,
				ErrorKind: "panic",
				Error:     err.Error(),
				Err:       err,
			}
		}
	}()
	return s.run.Run(ctx, job)
}

// ErrStarted is returned by RunOnce on a running scheduler.
var ErrStarted = errors.New("scheduler already started")

// RunOnce runs every registered job once, sequentially, in registration
// order, including jobs with manual schedules. It stops early when ctx ends.
func (s *Scheduler) RunOnce(ctx context.Context) ([]runner.RunResult, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrStarted
	}
	loops := append([]*jobLoop(nil), s.loops...)
	s.mu.Unlock()

	results := make([]runner.RunResult, 0, len(loops))
	for _, jl := range loops {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		s.mu.Lock()
		jl.state = StateRunning
		jl.lastTrigger = s.clock.Now()
		jl.runningSince = jl.lastTrigger
		s.mu.Unlock()

		res := s.safeRun(ctx, jl.job)
		s.obs.ObserveRun(ctx, res)

		s.mu.Lock()
		s.completeLocked(jl, res)
		s.mu.Unlock()
		results = append(results, res)
	}
	return results, nil
}

// Jobs returns the registered jobs in registration order.
func (s *Scheduler) Jobs() []runner.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runner.Job, 0, len(s.loops))
	for _, jl := range s.loops {
		out = append(out, jl.job)
	}
	return out
}

// Snapshot reports the state of every job in registration order.
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.loops))
	for _, jl := range s.loops {
		st := JobStatus{
			JobID:          jl.job.ID,
			Schedule:       jl.job.Schedule.String(),
			State:          jl.state,
			MissedTriggers: jl.missed,
			LastTrigger:    timePtr(jl.lastTrigger),
			NextRun:        timePtr(jl.next),
			RunningSince:   timePtr(jl.runningSince),
		}
		if jl.lastResult != nil {
			res := *jl.lastResult
			st.LastResult = &res
		}
		out = append(out, st)
	}
	return out
}

// Status reports one job.
func (s *Scheduler) Status(jobID string) (JobStatus, bool) {
	for _, st := range s.Snapshot() {
		if st.JobID == jobID {
			return st, true
		}
	}
	return JobStatus{}, false
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
