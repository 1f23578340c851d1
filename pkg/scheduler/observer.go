package scheduler

import (
	"context"
	"time"

	"github.com/3leaps/gostow/pkg/runner"
)

// MissedTrigger is emitted when a trigger fires while the previous run of
// the same job is still in flight. The trigger is skipped, not queued.
type MissedTrigger struct {
	JobID        string    `json:"job_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	RunningSince time.Time `json:"running_since"`
}

// Observer receives scheduler events. Calls for one job are serialized;
// calls for different jobs may be concurrent.
type Observer interface {
	ObserveRun(ctx context.Context, res runner.RunResult)
	ObserveMissedTrigger(ctx context.Context, mt MissedTrigger)
}

// MultiObserver fans events out to every member in order.
type MultiObserver []Observer

func (m MultiObserver) ObserveRun(ctx context.Context, res runner.RunResult) {
	for _, o := range m {
		if o != nil {
			o.ObserveRun(ctx, res)
		}
	}
}

func (m MultiObserver) ObserveMissedTrigger(ctx context.Context, mt MissedTrigger) {
	for _, o := range m {
		if o != nil {
			o.ObserveMissedTrigger(ctx, mt)
		}
	}
}

type nopObserver struct{}

func (nopObserver) ObserveRun(context.Context, runner.RunResult)       {}
func (nopObserver) ObserveMissedTrigger(context.Context, MissedTrigger) {}
