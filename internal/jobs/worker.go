package jobs

import (
	"context"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/reqctx"
	"github.com/tournevent/labelflow/internal/scheduler"
	"github.com/tournevent/labelflow/internal/telemetry"
)

// Worker defaults.
const (
	DefaultInterval = 30 * time.Second
	DefaultBatch    = 20
)

// Worker claims due actions and hands them to an Executor.
type Worker struct {
	sched    scheduler.Scheduler
	exec     Executor
	logger   *otelzap.Logger
	metrics  *telemetry.Metrics
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewWorker creates a Worker. Zero interval or batch use the defaults.
func NewWorker(sched scheduler.Scheduler, exec Executor, logger *otelzap.Logger, metrics *telemetry.Metrics, interval time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Worker{
		sched:    sched,
		exec:     exec,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Ctx(ctx).Info("Job worker started", zap.Duration("interval", w.interval), zap.Int("batch", w.batch))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Ctx(ctx).Error("Claiming due actions failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Ctx(ctx).Info("Job worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs the actions due now, draining full batches, and returns how
// many ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		due, err := w.sched.ClaimDue(ctx, w.now(), w.batch)
		if err != nil {
			return total, err
		}
		for _, action := range due {
			w.run(ctx, action)
		}
		total += len(due)
		if len(due) < w.batch || ctx.Err() != nil {
			return total, nil
		}
	}
}

func (w *Worker) run(ctx context.Context, action scheduler.Action) {
	ctx = reqctx.With(ctx, reqctx.Scope{Source: "job:" + action.Name})
	logger := w.logger.Ctx(ctx)
	fields := []zap.Field{
		zap.String("action", action.Name),
		zap.String("action_id", action.ID),
		zap.Any("args", action.Args),
	}

	runErr := w.exec.Execute(ctx, action)
	status := "complete"
	if runErr != nil {
		status = "failed"
		logger.Error("Scheduled action failed", append(fields, zap.Error(runErr))...)
	} else {
		logger.Debug("Scheduled action complete", fields...)
	}
	w.metrics.RecordJob(action.Name, status)

	if err := w.sched.Finish(ctx, action.ID, runErr); err != nil {
		logger.Error("Recording action outcome failed", append(fields, zap.Error(err))...)
	}
}
