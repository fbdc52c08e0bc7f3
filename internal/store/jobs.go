package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/scanorch/internal/database"
	"github.com/CosmoTheDev/scanorch/models"
)

var (
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
	// ErrJobNotOwned is returned by Heartbeat and Finish when the claim
	// they were given is no longer the one running the job.
	ErrJobNotOwned = errors.New("job is no longer owned by this claim")
)

const jobColumns = `uuid, project_id, configuration, status, cancel_requested, message,
	created_at, started_at, ended_at, heartbeat_at, owner`

// Jobs stores scan jobs and their status transitions.
type Jobs struct {
	db  database.DB
	now func() time.Time
}

func NewJobs(db database.DB) *Jobs {
	return &Jobs{db: db, now: time.Now}
}

// Create queues a new job for projectID.
func (s *Jobs) Create(ctx context.Context, projectID string, cfg models.JobConfiguration) (*models.Job, error) {
	if projectID == "" {
		return nil, fmt.Errorf("creating job: project id is required")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding job configuration: %w", err)
	}
	job := &models.Job{
		UUID:          uuid.NewString(),
		ProjectID:     projectID,
		Configuration: string(data),
		Status:        models.JobStatusQueued,
		CreatedAt:     s.now().UTC(),
	}
	if _, err := s.db.Insert(ctx, "jobs", job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return job, nil
}

// Get returns one job.
func (s *Jobs) Get(ctx context.Context, jobUUID string) (*models.Job, error) {
	var job models.Job
	err := s.db.Get(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE uuid = ?`, jobUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobUUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobUUID, err)
	}
	return &job, nil
}

// List returns the newest jobs first. An empty status lists every job.
func (s *Jobs) List(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*models.Job
	var err error
	if status == "" {
		err = s.db.Select(ctx, &rows, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		err = s.db.Select(ctx, &rows, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return rows, nil
}

// RequestCancel cancels a queued job at once and flags a running one so its
// worker stops at the next check.
func (s *Jobs) RequestCancel(ctx context.Context, jobUUID string) (*models.Job, error) {
	job, err := s.Get(ctx, jobUUID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusQueued:
		now := s.now().UTC()
		n, err := s.db.ExecAffected(ctx,
			`UPDATE jobs SET status = ?, cancel_requested = ?, ended_at = ?, message = ? WHERE uuid = ? AND status = ?`,
			models.JobStatusCanceled, true, now, "canceled before start", jobUUID, models.JobStatusQueued)
		if err != nil {
			return nil, fmt.Errorf("canceling job %s: %w", jobUUID, err)
		}
		if n == 0 {
			// Claimed in the meantime.
			return s.RequestCancel(ctx, jobUUID)
		}
	case models.JobStatusRunning:
		if err := s.db.Exec(ctx, `UPDATE jobs SET cancel_requested = ? WHERE uuid = ?`, true, jobUUID); err != nil {
			return nil, fmt.Errorf("requesting cancel of job %s: %w", jobUUID, err)
		}
	default:
		return job, fmt.Errorf("job %s is %s: %w", jobUUID, job.Status, ErrJobFinished)
	}
	return s.Get(ctx, jobUUID)
}

// CancelRequested reports whether the job was asked to stop.
func (s *Jobs) CancelRequested(ctx context.Context, jobUUID string) (bool, error) {
	var flag bool
	if err := s.db.Get(ctx, &flag, `SELECT cancel_requested FROM jobs WHERE uuid = ?`, jobUUID); err != nil {
		return false, fmt.Errorf("checking cancel flag of job %s: %w", jobUUID, err)
	}
	return flag, nil
}

// Claim moves the oldest queued job to RUNNING under a new owner token and
// returns it. It returns nil when the queue is empty.
func (s *Jobs) Claim(ctx context.Context) (*models.Job, error) {
	for attempt := 0; attempt < 5; attempt++ {
		var candidates []*models.Job
		if err := s.db.Select(ctx, &candidates,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1`,
			models.JobStatusQueued); err != nil {
			return nil, fmt.Errorf("looking for queued jobs: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		job, err := s.start(ctx, candidates[0])
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

// Start moves one queued job to RUNNING. It returns nil when the job is no
// longer queued.
func (s *Jobs) Start(ctx context.Context, jobUUID string) (*models.Job, error) {
	job, err := s.Get(ctx, jobUUID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusQueued {
		return nil, nil
	}
	return s.start(ctx, job)
}

func (s *Jobs) start(ctx context.Context, job *models.Job) (*models.Job, error) {
	now := s.now().UTC()
	started := job.StartedAt
	if started == nil {
		started = &now
	}
	owner := uuid.NewString()
	n, err := s.db.ExecAffected(ctx,
		`UPDATE jobs SET status = ?, owner = ?, started_at = ?, heartbeat_at = ? WHERE uuid = ? AND status = ?`,
		models.JobStatusRunning, owner, *started, now, job.UUID, models.JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", job.UUID, err)
	}
	if n != 1 {
		return nil, nil
	}
	job.Status = models.JobStatusRunning
	job.Owner = owner
	job.StartedAt = started
	job.HeartbeatAt = &now
	return job, nil
}

// Heartbeat records that the worker holding job's claim is alive. It
// returns ErrJobNotOwned when the job was requeued or finished since.
func (s *Jobs) Heartbeat(ctx context.Context, job *models.Job) error {
	n, err := s.db.ExecAffected(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE uuid = ? AND owner = ? AND status = ?`,
		s.now().UTC(), job.UUID, job.Owner, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat of job %s: %w", job.UUID, err)
	}
	if n != 1 {
		return fmt.Errorf("heartbeat of job %s: %w", job.UUID, ErrJobNotOwned)
	}
	return nil
}

// Finish records the final status of a running job. Only the holder of the
// current claim can finish it; anyone else gets ErrJobNotOwned.
func (s *Jobs) Finish(ctx context.Context, job *models.Job, status, message string) error {
	n, err := s.db.ExecAffected(ctx,
		`UPDATE jobs SET status = ?, message = ?, ended_at = ? WHERE uuid = ? AND owner = ? AND status = ?`,
		status, message, s.now().UTC(), job.UUID, job.Owner, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", job.UUID, err)
	}
	if n != 1 {
		return fmt.Errorf("finishing job %s: %w", job.UUID, ErrJobNotOwned)
	}
	return nil
}

// RequeueStale puts RUNNING jobs whose last heartbeat is older than
// staleAfter back into the queue and returns how many were requeued. Their
// previous claims can no longer heartbeat or finish them.
func (s *Jobs) RequeueStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-staleAfter)
	n, err := s.db.ExecAffected(ctx,
		`UPDATE jobs SET status = ?, owner = ? WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		models.JobStatusQueued, "", models.JobStatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	return n, nil
}
