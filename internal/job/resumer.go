package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Requeuer puts orphaned running jobs back into the queue.
type Requeuer interface {
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Resumer periodically requeues RUNNING jobs whose worker stopped sending
// heartbeats. Their adapters resume from the persisted metadata.
type Resumer struct {
	jobs       Requeuer
	staleAfter time.Duration
	wake       func()
	cron       *cron.Cron
}

// NewResumer returns a resumer. wake is called after jobs were requeued and
// may be nil.
func NewResumer(jobs Requeuer, staleAfter time.Duration, wake func()) *Resumer {
	return &Resumer{
		jobs:       jobs,
		staleAfter: staleAfter,
		wake:       wake,
		cron:       cron.New(),
	}
}

// Start requeues stale jobs once and then on schedule.
func (r *Resumer) Start(ctx context.Context, schedule string) error {
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid resume schedule %q: %w", schedule, err)
	}
	r.RunOnce(ctx)
	r.cron.Start()
	slog.Info("Job resumer started", "schedule", schedule, "stale_after", r.staleAfter)
	return nil
}

// Stop halts the cron runner and waits for a running pass to finish.
func (r *Resumer) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce requeues stale jobs and returns how many were requeued.
func (r *Resumer) RunOnce(ctx context.Context) int64 {
	n, err := r.jobs.RequeueStale(ctx, r.staleAfter)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Requeueing stale jobs failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		slog.Info("Requeued interrupted jobs", "count", n)
		if r.wake != nil {
			r.wake()
		}
	}
	return n
}
