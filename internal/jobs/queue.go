package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgsage/pgsage/internal/database"
	"github.com/pgsage/pgsage/internal/models"
)

const (
	defaultRetryDelay = 30 * time.Second
	defaultMaxRetries = 3
)

// Queue persists refresh jobs and status transitions in the database. At
// most one queued-or-running job per (project, type) exists; enqueueing
// over a terminal job resets it to queued.
type Queue struct {
	db          database.DB
	retryDelay  time.Duration
	maxAttempts int
}

type QueueOptions struct {
	RetryDelay  time.Duration
	MaxAttempts int
}

func NewQueue(db database.DB, opts QueueOptions) *Queue {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries
	}
	return &Queue{
		db:          db,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
	}
}

func (q *Queue) Enqueue(ctx context.Context, projectID int64, jobType models.RefreshJobType) (*models.RefreshJob, error) {
	if projectID <= 0 {
		return nil, fmt.Errorf("project id is required")
	}
	job := &models.RefreshJob{
		ProjectID:     projectID,
		JobType:       jobType,
		Status:        models.RefreshJobQueued,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := q.db.EnqueueRefreshJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) Claim(ctx context.Context) (*models.RefreshJob, error) {
	return q.db.ClaimRefreshJob(ctx)
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	return q.db.CompleteRefreshJob(ctx, jobID, models.RefreshJobCompleted, "")
}

func (q *Queue) Fail(ctx context.Context, jobID int64, runErr error) error {
	return q.db.CompleteRefreshJob(ctx, jobID, models.RefreshJobFailed, failureMessage(runErr))
}

func (q *Queue) RetryOrFail(ctx context.Context, job *models.RefreshJob, runErr error) error {
	if job == nil {
		return fmt.Errorf("refresh job is nil")
	}
	message := failureMessage(runErr)
	if job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts {
		return q.db.CompleteRefreshJob(ctx, job.ID, models.RefreshJobFailed, message)
	}
	nextAttempt := time.Now().UTC().Add(q.retryDelay)
	return q.db.RequeueRefreshJob(ctx, job.ID, message, nextAttempt)
}

func (q *Queue) Status(ctx context.Context, projectID int64, jobType models.RefreshJobType) (*models.RefreshJob, error) {
	job, err := q.db.GetRefreshJobStatus(ctx, projectID, jobType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func failureMessage(err error) string {
	if err == nil {
		return "job failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "job failed"
	}
	return msg
}
