package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	JobPending   = "pending"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

type ScheduledJob struct {
	ID        string
	Kind      string
	GuildID   string
	UserID    string
	Payload   string
	RunAt     time.Time
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Store) CreateJob(ctx context.Context, job ScheduledJob) (ScheduledJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	job.Status = JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO scheduled_jobs (id, kind, guild_id, user_id, payload, run_at, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`), job.ID, job.Kind, job.GuildID, job.UserID, job.Payload, job.RunAt.Unix(), job.Status, now.Unix(), now.Unix())
	if err != nil {
		return ScheduledJob{}, err
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, kind, guild_id, user_id, payload, run_at, status, attempts, last_error, created_at, updated_at
		FROM scheduled_jobs WHERE id = ?
	`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledJob{}, ErrNotFound
	}
	return job, err
}

func (s *Store) ListPendingJobs(ctx context.Context) ([]ScheduledJob, error) {
	return s.queryJobs(ctx, `
		SELECT id, kind, guild_id, user_id, payload, run_at, status, attempts, last_error, created_at, updated_at
		FROM scheduled_jobs WHERE status = ? ORDER BY run_at ASC
	`, JobPending)
}

func (s *Store) ListPendingJobsFor(ctx context.Context, kind, guildID, userID string) ([]ScheduledJob, error) {
	return s.queryJobs(ctx, `
		SELECT id, kind, guild_id, user_id, payload, run_at, status, attempts, last_error, created_at, updated_at
		FROM scheduled_jobs
		WHERE status = ? AND kind = ? AND guild_id = ? AND user_id = ?
		ORDER BY run_at ASC
	`, JobPending, kind, guildID, userID)
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobCompleted, "")
}

func (s *Store) FailJob(ctx context.Context, id, lastError string) error {
	return s.finishJob(ctx, id, JobFailed, lastError)
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobCancelled, "")
}

// finishJob only moves pending jobs, so a job finishes at most once.
func (s *Store) finishJob(ctx context.Context, id, status, lastError string) error {
	attempt := 1
	if status == JobCancelled {
		attempt = 0
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduled_jobs
		SET status = ?, attempts = attempts + ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), status, attempt, lastError, s.now().Unix(), id, JobPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (ScheduledJob, error) {
	var job ScheduledJob
	var runAt, created, updated int64
	err := row.Scan(&job.ID, &job.Kind, &job.GuildID, &job.UserID, &job.Payload, &runAt, &job.Status,
		&job.Attempts, &job.LastError, &created, &updated)
	if err != nil {
		return ScheduledJob{}, err
	}
	job.RunAt = time.Unix(runAt, 0)
	job.CreatedAt = time.Unix(created, 0)
	job.UpdatedAt = time.Unix(updated, 0)
	return job, nil
}
