package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/executor"
	"github.com/iago/content-worker/internal/queue"
	"github.com/iago/content-worker/internal/repository"
	"github.com/rs/zerolog"
)

var ErrInvalidInput = errors.New("invalid input")

const maxTasksPerJob = 500

type JobsService struct {
	store     repository.TaskStore
	notifier  queue.Notifier
	executors *executor.Registry
	logger    zerolog.Logger
	now       func() time.Time
}

func NewJobsService(
	store repository.TaskStore,
	notifier queue.Notifier,
	executors *executor.Registry,
	logger zerolog.Logger,
) *JobsService {
	return &JobsService{
		store:     store,
		notifier:  notifier,
		executors: executors,
		logger:    logger.With().Str("component", "jobs").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a job and its tasks in one write, then wakes the workers.
// A failed wake is only logged: the fallback tick still finds the tasks.
func (s *JobsService) Submit(ctx context.Context, tenantID string, specs []domain.TaskSpec) (*domain.Job, []domain.Task, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if len(specs) > maxTasksPerJob {
		return nil, nil, fmt.Errorf("%w: at most %d tasks per job", ErrInvalidInput, maxTasksPerJob)
	}

	now := s.now()
	job := &domain.Job{
		ID:        newID(),
		TenantID:  tenantID,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]domain.Task, 0, len(specs))
	for i, spec := range specs {
		if !spec.Kind.Valid() {
			return nil, nil, fmt.Errorf("%w: task %d has unknown kind %q", ErrInvalidInput, i, spec.Kind)
		}
		if s.executors != nil {
			if _, err := s.executors.Resolve(spec.Kind); err != nil {
				return nil, nil, fmt.Errorf("%w: task %d: %v", ErrInvalidInput, i, err)
			}
		}
		input := spec.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		if !json.Valid(input) {
			return nil, nil, fmt.Errorf("%w: task %d input is not valid JSON", ErrInvalidInput, i)
		}
		tasks = append(tasks, domain.Task{
			ID:        newID(),
			JobID:     job.ID,
			TenantID:  tenantID,
			Kind:      spec.Kind,
			Status:    domain.TaskStatusPending,
			Input:     input,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := s.store.CreateJob(ctx, job, tasks); err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}

	if len(tasks) > 0 && s.notifier != nil {
		if err := s.notifier.NotifyWorkAvailable(ctx); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("wake notification failed")
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", tenantID).
		Int("tasks", len(tasks)).
		Msg("job submitted")
	return job, tasks, nil
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, []domain.Task, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := s.store.ListTasksByJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// CancelJob stops unclaimed tasks of the job from being claimed. Tasks already
// dispatched run to completion.
func (s *JobsService) CancelJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if err := s.store.CancelJob(ctx, jobID, s.now()); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", jobID).Msg("job canceled")
	return s.store.GetJob(ctx, jobID)
}

// uuid v7 ids sort by creation time, which the claim order relies on.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
