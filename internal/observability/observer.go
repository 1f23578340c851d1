package observability

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gostow/pkg/runner"
	"github.com/3leaps/gostow/pkg/scheduler"
)

// LogObserver writes scheduler events to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) ObserveRun(_ context.Context, res runner.RunResult) {
	fields := []zap.Field{
		zap.String("job_id", res.JobID),
		zap.String("run_id", res.RunID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration()),
	}
	if a := res.Artifact; a != nil {
		fields = append(fields,
			zap.String("artifact", a.Name),
			zap.Int64("size_bytes", a.SizeBytes),
			zap.String("upload_state", string(a.UploadState)),
		)
	}
	if len(res.Pruned) > 0 {
		fields = append(fields, zap.Strings("pruned", res.Pruned))
	}
	if len(res.Held) > 0 {
		fields = append(fields, zap.Strings("held", res.Held))
	}

	switch res.Outcome {
	case runner.OutcomeSuccess:
		o.logger.Info("Run completed", fields...)
	case runner.OutcomeCanceled:
		o.logger.Info("Run canceled", fields...)
	default:
		if res.ErrorKind != "" {
			fields = append(fields, zap.String("error_kind", res.ErrorKind))
		}
		fields = append(fields, zap.String("error", res.Error))
		o.logger.Error("Run failed", fields...)
	}
}

func (o *LogObserver) ObserveMissedTrigger(_ context.Context, mt scheduler.MissedTrigger) {
	o.logger.Warn("Trigger missed",
		zap.String("job_id", mt.JobID),
		zap.Time("scheduled_at", mt.ScheduledAt),
		zap.Time("running_since", mt.RunningSince),
	)
}

var _ scheduler.Observer = (*LogObserver)(nil)
