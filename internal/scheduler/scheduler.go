// Package scheduler runs delayed jobs that are persisted first, so a restart
// re-arms them instead of losing them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"warden/internal/clock"
	"warden/internal/metrics"
	"warden/internal/storage"

	"go.uber.org/zap"
)

type Store interface {
	CreateJob(ctx context.Context, job storage.ScheduledJob) (storage.ScheduledJob, error)
	GetJob(ctx context.Context, id string) (storage.ScheduledJob, error)
	ListPendingJobs(ctx context.Context) ([]storage.ScheduledJob, error)
	ListPendingJobsFor(ctx context.Context, kind, guildID, userID string) ([]storage.ScheduledJob, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, lastError string) error
	CancelJob(ctx context.Context, id string) error
}

type Handler func(ctx context.Context, job storage.ScheduledJob) error

var ErrNoHandler = errors.New("scheduler: no handler for job kind")

type Scheduler struct {
	store   Store
	logger  *zap.Logger
	clock   clock.Clock
	timeout time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]clock.Timer
	stopped  bool
}

func New(store Store, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		logger:   logger,
		clock:    clock.Real(),
		timeout:  30 * time.Second,
		handlers: make(map[string]Handler),
		timers:   make(map[string]clock.Timer),
	}
}

func (s *Scheduler) WithClock(c clock.Clock) {
	s.clock = c
}

func (s *Scheduler) Register(kind string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// Schedule persists the job before arming it.
func (s *Scheduler) Schedule(ctx context.Context, kind, guildID, userID, payload string, runAt time.Time) (storage.ScheduledJob, error) {
	job, err := s.store.CreateJob(ctx, storage.ScheduledJob{
		Kind:    kind,
		GuildID: guildID,
		UserID:  userID,
		Payload: payload,
		RunAt:   runAt,
	})
	if err != nil {
		return storage.ScheduledJob{}, fmt.Errorf("persist job: %w", err)
	}
	s.arm(job)
	return job, nil
}

// Recover re-arms pending jobs. Overdue ones run before Recover returns.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListPendingJobs(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	overdue := 0
	for _, job := range jobs {
		if job.RunAt.After(now) {
			s.arm(job)
			continue
		}
		overdue++
		s.run(job.ID)
	}
	s.logger.Info("scheduled jobs recovered", zap.Int("pending", len(jobs)), zap.Int("overdue", overdue))
	return len(jobs), nil
}

func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if timer := s.timers[id]; timer != nil {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return s.store.CancelJob(ctx, id)
}

// CancelFor cancels every pending job of kind for a member and returns them.
func (s *Scheduler) CancelFor(ctx context.Context, kind, guildID, userID string) ([]storage.ScheduledJob, error) {
	jobs, err := s.store.ListPendingJobsFor(ctx, kind, guildID, userID)
	if err != nil {
		return nil, err
	}
	var cancelled []storage.ScheduledJob
	for _, job := range jobs {
		if err := s.Cancel(ctx, job.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return cancelled, err
		}
		cancelled = append(cancelled, job)
	}
	return cancelled, nil
}

// Armed reports how many timers are waiting.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) arm(job storage.ScheduledJob) {
	delay := job.RunAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old := s.timers[job.ID]; old != nil {
		old.Stop()
	}
	id := job.ID
	s.timers[id] = s.clock.AfterFunc(delay, func() { s.run(id) })
}

func (s *Scheduler) run(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// the row is the source of truth; a cancelled job may still have had a timer in flight
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.logger.Warn("scheduled job lookup failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if job.Status != storage.JobPending {
		return
	}

	s.mu.Lock()
	handler := s.handlers[job.Kind]
	s.mu.Unlock()

	if delay := s.clock.Now().Sub(job.RunAt); delay > 0 {
		metrics.JobDelay.Observe(delay.Seconds())
	}

	if handler == nil {
		err = ErrNoHandler
	} else {
		err = handler(ctx, job)
	}
	if err != nil {
		metrics.JobsRun.WithLabelValues(job.Kind, storage.JobFailed).Inc()
		s.logger.Error("scheduled job failed", zap.String("job_id", id), zap.String("kind", job.Kind), zap.Error(err))
		if ferr := s.store.FailJob(ctx, id, err.Error()); ferr != nil {
			s.logger.Warn("scheduled job status update failed", zap.String("job_id", id), zap.Error(ferr))
		}
		return
	}
	metrics.JobsRun.WithLabelValues(job.Kind, storage.JobCompleted).Inc()
	if cerr := s.store.CompleteJob(ctx, id); cerr != nil {
		s.logger.Warn("scheduled job status update failed", zap.String("job_id", id), zap.Error(cerr))
	}
}
