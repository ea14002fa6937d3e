// Package jobs holds the periodic River jobs that settle tasks without a
// user request.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// DefaultSweepInterval is how often overdue submissions are checked.
const DefaultSweepInterval = 5 * time.Minute

// Approver approves completed tasks whose review window has closed.
// *services.TaskService satisfies it.
type Approver interface {
	ApproveOverdue(ctx context.Context, now time.Time) (int, error)
}

type AutoApproveArgs struct{}

func (AutoApproveArgs) Kind() string { return "auto_approve_sweep" }

// InsertOpts keeps one sweep queued at a time.
func (AutoApproveArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}

type AutoApproveWorker struct {
	river.WorkerDefaults[AutoApproveArgs]
	approver Approver
	logger   *slog.Logger
	now      func() time.Time
}

func NewAutoApproveWorker(approver Approver, logger *slog.Logger) *AutoApproveWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoApproveWorker{approver: approver, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (w *AutoApproveWorker) Work(ctx context.Context, job *river.Job[AutoApproveArgs]) error {
	n, err := w.approver.ApproveOverdue(ctx, w.now())
	if err != nil {
		return fmt.Errorf("auto-approve sweep: %w", err)
	}
	if n > 0 {
		w.logger.Info("auto-approved overdue tasks", "count", n, "job_id", job.ID)
	}
	return nil
}

// PeriodicJobs schedules the sweep every interval, starting at client start.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) { return AutoApproveArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
