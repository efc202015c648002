package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"sharekeeper/internal/server/metrics"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

type SweepJob interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

type CollectJob interface {
	Collect(ctx context.Context) (CollectResult, error)
}

// Runner executes the sweep and the orphan collection together, on demand or
// on a cron schedule.
type Runner struct {
	sweeper   SweepJob
	collector CollectJob
	cron      *cron.Cron
}

func NewRunner(sweeper SweepJob, collector CollectJob) *Runner {
	return &Runner{sweeper: sweeper, collector: collector}
}

// Report is the combined outcome of one Run.
type Report struct {
	Sweep   SweepResult
	Collect CollectResult
}

func (r Report) String() string {
	return fmt.Sprintf("%s; %s", r.Sweep, r.Collect)
}

// Run starts both jobs concurrently and waits for both. A failing job never
// cancels the other; the first error is returned.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	var report Report
	var g errgroup.Group

	g.Go(func() error {
		result, err := r.sweeper.Sweep(ctx)
		report.Sweep = result
		switch {
		case err != nil:
			metrics.CleanupRuns.WithLabelValues(metrics.JobSweep, metrics.StatusFailure).Inc()
			slog.Error("expiry sweep failed", "error", err)
			return fmt.Errorf("expiry sweep: %w", err)
		case result.Skipped:
			metrics.CleanupRuns.WithLabelValues(metrics.JobSweep, metrics.StatusSkipped).Inc()
		default:
			metrics.CleanupRuns.WithLabelValues(metrics.JobSweep, metrics.StatusSuccess).Inc()
		}
		return nil
	})

	g.Go(func() error {
		result, err := r.collector.Collect(ctx)
		report.Collect = result
		if err != nil {
			metrics.CleanupRuns.WithLabelValues(metrics.JobCollect, metrics.StatusFailure).Inc()
			slog.Error("orphan image collection failed", "error", err)
			return fmt.Errorf("orphan image collection: %w", err)
		}
		metrics.CleanupRuns.WithLabelValues(metrics.JobCollect, metrics.StatusSuccess).Inc()
		return nil
	})

	err := g.Wait()
	return report, err
}

// Start schedules Run on a standard five-field cron expression. Runs that
// would overlap a still-running one are skipped.
func (r *Runner) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := c.AddFunc(schedule, func() {
		slog.Info("running scheduled cleanup")
		report, err := r.Run(ctx)
		if err != nil {
			slog.Error("scheduled cleanup failed", "error", err)
			return
		}
		slog.Info("scheduled cleanup complete", "summary", report.String())
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	r.cron = c
	c.Start()
	slog.Info("cleanup scheduler started", "schedule", schedule)
	return nil
}

// Stop halts the scheduler and blocks until any in-flight run has finished.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	slog.Info("cleanup scheduler stopped")
}
