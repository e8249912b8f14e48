// Package scheduler runs one-shot jobs persisted in a JobStore.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/ashureev/dfbridge/internal/store"
	"github.com/google/uuid"
)

const (
	// DefaultInterval is how often the worker polls for due jobs.
	DefaultInterval = time.Second
	dueBatchSize    = 100
)

// Processor runs a claimed job. Errors are logged and end that occurrence.
type Processor func(ctx context.Context, job *domain.Job) error

// Scheduler stores jobs and dispatches them to processors when due.
type Scheduler struct {
	jobs     store.JobStore
	interval time.Duration
	now      func() time.Time

	mu         sync.RWMutex
	processors map[domain.JobKind]Processor
	wg         sync.WaitGroup
}

// New creates a scheduler polling jobs every interval.
func New(jobs store.JobStore, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		jobs:       jobs,
		interval:   interval,
		now:        time.Now,
		processors: make(map[domain.JobKind]Processor),
	}
}

// Register binds a processor to a job kind.
func (s *Scheduler) Register(kind domain.JobKind, p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors[kind] = p
}

// ScheduleOnce persists a job. An empty ID gets a generated one.
func (s *Scheduler) ScheduleOnce(ctx context.Context, job domain.Job) (string, error) {
	if job.RoomID == "" {
		return "", fmt.Errorf("%w: job has no room", domain.ErrInvalidSession)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if err := s.jobs.SaveJob(ctx, &job); err != nil {
		return "", fmt.Errorf("schedule %s job: %w", job.Kind, err)
	}
	slog.Debug("Job scheduled", "job_id", job.ID, "kind", job.Kind, "room_id", job.RoomID, "when", job.When)
	return job.ID, nil
}

// CancelByQuery removes pending jobs of a room; an empty kind matches all.
// A job already running is not affected.
func (s *Scheduler) CancelByQuery(ctx context.Context, roomID string, kind domain.JobKind) error {
	removed, err := s.jobs.CancelJobs(ctx, roomID, kind)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}
	if removed > 0 {
		slog.Debug("Jobs cancelled", "room_id", roomID, "kind", kind, "count", removed)
	}
	return nil
}

// Start runs the polling loop in a background goroutine until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Scheduler started", "interval", s.interval)

		for {
			select {
			case <-ticker.C:
				s.RunDue(ctx)
			case <-ctx.Done():
				slog.Info("Scheduler shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Wait blocks until every dispatched job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunDue claims the jobs due now and dispatches each in its own goroutine.
// It returns the number of jobs dispatched.
func (s *Scheduler) RunDue(ctx context.Context) int {
	due, err := s.jobs.DueJobs(ctx, s.now(), dueBatchSize)
	if err != nil {
		slog.Error("Scheduler failed to query due jobs", "error", err)
		return 0
	}

	dispatched := 0
	for _, job := range due {
		claimed, err := s.jobs.ClaimJob(ctx, job)
		if err != nil {
			slog.Error("Scheduler failed to claim job", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		s.mu.RLock()
		process, ok := s.processors[job.Kind]
		s.mu.RUnlock()
		if !ok {
			slog.Warn("No processor for job kind", "job_id", job.ID, "kind", job.Kind)
			continue
		}

		dispatched++
		s.wg.Add(1)
		go func(job *domain.Job) {
			defer s.wg.Done()
			if err := process(ctx, job); err != nil {
				slog.Error("Scheduled job failed",
					"job_id", job.ID,
					"kind", job.Kind,
					"room_id", job.RoomID,
					"error", err)
			}
		}(job)
	}
	return dispatched
}
