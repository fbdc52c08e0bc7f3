// Package job claims queued scan jobs and drives them through the scan type
// orchestrators.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CosmoTheDev/scanorch/internal/config"
	"github.com/CosmoTheDev/scanorch/internal/logging"
	"github.com/CosmoTheDev/scanorch/internal/metrics"
	"github.com/CosmoTheDev/scanorch/internal/product"
	"github.com/CosmoTheDev/scanorch/internal/store"
	"github.com/CosmoTheDev/scanorch/models"
)

// Store is the job persistence the worker needs. Heartbeat and Finish
// return store.ErrJobNotOwned once the job's claim was taken over.
type Store interface {
	Claim(ctx context.Context) (*models.Job, error)
	Heartbeat(ctx context.Context, job *models.Job) error
	CancelRequested(ctx context.Context, jobUUID string) (bool, error)
	Finish(ctx context.Context, job *models.Job, status, message string) error
}

// Orchestrator runs one scan type of a job.
type Orchestrator interface {
	ScanType() product.ScanType
	ExecuteAndStore(ctx context.Context, job *product.JobContext) error
}

// Worker processes queued jobs with a fixed number of goroutines.
type Worker struct {
	jobs          Store
	orchestrators []Orchestrator
	workers       int
	poll          time.Duration
	heartbeat     time.Duration
	wake          chan struct{}
}

// NewWorker returns a worker running orchestrators in the given order.
func NewWorker(jobs Store, orchestrators []Orchestrator, cfg config.WorkerConfig) *Worker {
	w := &Worker{
		jobs:          jobs,
		orchestrators: orchestrators,
		workers:       cfg.Workers,
		poll:          time.Duration(cfg.PollIntervalSec) * time.Second,
		heartbeat:     time.Duration(cfg.HeartbeatSec) * time.Second,
		wake:          make(chan struct{}, 1),
	}
	if w.workers <= 0 {
		w.workers = 1
	}
	if w.poll <= 0 {
		w.poll = 5 * time.Second
	}
	if w.heartbeat <= 0 {
		w.heartbeat = 30 * time.Second
	}
	return w
}

// FromProduct adapts product orchestrators to the worker.
func FromProduct(orchestrators []*product.Orchestrator) []Orchestrator {
	out := make([]Orchestrator, 0, len(orchestrators))
	for _, o := range orchestrators {
		out = append(out, o)
	}
	return out
}

// Wake makes an idle worker look for queued jobs immediately.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes jobs until ctx is canceled. Jobs interrupted by the
// shutdown stay RUNNING and are picked up again by the resumer.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("Job worker started", "workers", w.workers, "poll_interval", w.poll)
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	slog.Info("Job worker stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.jobs.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Claiming job failed", "worker", id, "error", err)
			}
		}
		if job != nil {
			w.RunJob(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunJob drives one claimed job through every orchestrator and records its
// final status, which it returns. It returns an empty status when ctx was
// canceled and the job was left for resumption, or when another claim took
// the job over.
func (w *Worker) RunJob(ctx context.Context, job *models.Job) string {
	ctx = logging.With(ctx, slog.String("job_uuid", job.UUID), slog.String("project", job.ProjectID))

	var canceled atomic.Bool
	jc, err := product.NewJobContext(job, canceled.Load)
	if err != nil {
		w.finish(ctx, job, models.JobStatusFailed, err.Error())
		metrics.JobStarted()
		metrics.JobFinished(models.JobStatusFailed)
		return models.JobStatusFailed
	}

	metrics.JobStarted()
	slog.InfoContext(ctx, "Job started")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	var lost atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watch(jobCtx, job, &canceled, &lost, cancel, done)
	}()

	runErr := w.runOrchestrators(jobCtx, jc)
	close(done)
	wg.Wait()

	if ctx.Err() != nil {
		slog.InfoContext(ctx, "Job interrupted, leaving it for resume")
		metrics.JobInterrupted()
		return ""
	}
	if lost.Load() {
		slog.WarnContext(ctx, "Job was taken over by another claim, stopped without recording a status")
		metrics.JobInterrupted()
		return ""
	}

	status, message := models.JobStatusEnded, ""
	switch {
	case canceled.Load():
		status, message = models.JobStatusCanceled, "canceled on request"
	case runErr != nil:
		status, message = models.JobStatusFailed, runErr.Error()
	}
	if !w.finish(ctx, job, status, message) {
		metrics.JobInterrupted()
		return ""
	}
	metrics.JobFinished(status)
	slog.InfoContext(ctx, "Job finished", "status", status)
	return status
}

func (w *Worker) runOrchestrators(ctx context.Context, jc *product.JobContext) error {
	for _, o := range w.orchestrators {
		if jc.Canceled() || ctx.Err() != nil {
			return nil
		}
		if err := o.ExecuteAndStore(ctx, jc); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%s: %w", o.ScanType(), err)
		}
	}
	return nil
}

// watch records heartbeats and turns a cancel request into cancellation of
// the job context. A heartbeat refused because the claim was taken over
// cancels the job context too and sets lost.
func (w *Worker) watch(ctx context.Context, job *models.Job, canceled, lost *atomic.Bool, cancel context.CancelFunc, done <-chan struct{}) {
	check := func() bool {
		if err := w.jobs.Heartbeat(ctx, job); err != nil && ctx.Err() == nil {
			if errors.Is(err, store.ErrJobNotOwned) {
				slog.WarnContext(ctx, "Lost ownership of job, stopping it", "error", err)
				lost.Store(true)
				cancel()
				return false
			}
			slog.WarnContext(ctx, "Recording heartbeat failed", "error", err)
		}
		requested, err := w.jobs.CancelRequested(ctx, job.UUID)
		if err != nil {
			if ctx.Err() == nil {
				slog.WarnContext(ctx, "Checking cancel request failed", "error", err)
			}
			return true
		}
		if requested && !canceled.Load() {
			slog.InfoContext(ctx, "Cancel requested")
			canceled.Store(true)
			cancel()
		}
		return true
	}

	if !check() {
		return
	}
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !check() {
				return
			}
		}
	}
}

// finish records the job's final status and reports whether it was recorded
// under the job's claim.
func (w *Worker) finish(ctx context.Context, job *models.Job, status, message string) bool {
	err := w.jobs.Finish(ctx, job, status, message)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrJobNotOwned):
		slog.WarnContext(ctx, "Job was taken over by another claim, status not recorded", "status", status)
		return false
	default:
		slog.ErrorContext(ctx, "Recording job status failed", "status", status, "error", err)
		return true
	}
}
