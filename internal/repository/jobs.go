package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/content-worker/internal/domain"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStore abstracts durable job and task persistence.
//
// Task rows are mutated only by ClaimPending (PENDING -> RUNNING) and by the
// single-row updates keyed by task id. Every update is conditional on the
// current status so a task never moves backwards.
type TaskStore interface {
	CreateJob(ctx context.Context, job *domain.Job, tasks []domain.Task) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListTasksByJob(ctx context.Context, jobID string) ([]domain.Task, error)
	CancelJob(ctx context.Context, jobID string, at time.Time) error

	ClaimPending(ctx context.Context, maxTotal, maxPerTenant int) ([]domain.Task, error)
	RecordHandle(ctx context.Context, taskID, handle string, submittedAt time.Time) error
	MarkProcessing(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error
	FailTask(ctx context.Context, taskID, message string) error
	ListInFlight(ctx context.Context) ([]domain.Task, error)

	ListActiveJobSummaries(ctx context.Context) ([]domain.JobSummary, error)
	TransitionJob(ctx context.Context, transition domain.JobTransition) error
}

// MemoryTaskStore keeps jobs and tasks in memory for local development and tests.
// A single mutex makes ClaimPending atomic, which gives the same no-double-claim
// guarantee the Postgres store gets from SKIP LOCKED.
type MemoryTaskStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	tasks map[string]*domain.Task
	now   func() time.Time
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		jobs:  make(map[string]*domain.Job),
		tasks: make(map[string]*domain.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryTaskStore) CreateJob(_ context.Context, job *domain.Job, tasks []domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	for _, task := range tasks {
		if _, exists := r.tasks[task.ID]; exists {
			return errors.New("task already exists")
		}
	}

	r.jobs[job.ID] = cloneJob(job)
	for _, task := range tasks {
		clone := task.Clone()
		r.tasks[task.ID] = &clone
	}
	return nil
}

func (r *MemoryTaskStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *MemoryTaskStore) ListTasksByJob(_ context.Context, jobID string) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	items := make([]domain.Task, 0)
	for _, task := range r.tasks {
		if task.JobID == jobID {
			items = append(items, task.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (r *MemoryTaskStore) CancelJob(_ context.Context, jobID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrInvalidTransition
	}
	job.Status = domain.JobStatusCanceled
	job.FinishedAt = &at
	job.UpdatedAt = at
	return nil
}

func (r *MemoryTaskStore) ClaimPending(_ context.Context, maxTotal, maxPerTenant int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]domain.Task, 0)
	for _, task := range r.tasks {
		if task.Status != domain.TaskStatusPending {
			continue
		}
		if job, ok := r.jobs[task.JobID]; ok && job.Status == domain.JobStatusCanceled {
			continue
		}
		pending = append(pending, *task)
	}

	selected := selectFairBatch(pending, maxTotal, maxPerTenant)
	now := r.now()
	claimed := make([]domain.Task, 0, len(selected))
	for _, candidate := range selected {
		task := r.tasks[candidate.ID]
		task.Status = domain.TaskStatusRunning
		task.UpdatedAt = now
		claimed = append(claimed, task.Clone())
	}
	return claimed, nil
}

func (r *MemoryTaskStore) RecordHandle(_ context.Context, taskID, handle string, submittedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status != domain.TaskStatusRunning {
		return ErrInvalidTransition
	}
	task.ExternalHandle = handle
	task.SubmittedAt = &submittedAt
	task.UpdatedAt = r.now()
	return nil
}

func (r *MemoryTaskStore) MarkProcessing(_ context.Context, taskID string) error {
	return r.transitionTask(taskID, domain.TaskStatusProcessing, func(*domain.Task) {})
}

func (r *MemoryTaskStore) CompleteTask(_ context.Context, taskID string, result json.RawMessage) error {
	return r.transitionTask(taskID, domain.TaskStatusDone, func(task *domain.Task) {
		task.Result = append(json.RawMessage(nil), result...)
		task.ErrorMessage = ""
	})
}

func (r *MemoryTaskStore) FailTask(_ context.Context, taskID, message string) error {
	return r.transitionTask(taskID, domain.TaskStatusFailed, func(task *domain.Task) {
		task.ErrorMessage = message
	})
}

func (r *MemoryTaskStore) transitionTask(taskID string, next domain.TaskStatus, apply func(*domain.Task)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status == domain.TaskStatusPending || !task.Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	apply(task)
	task.Status = next
	task.UpdatedAt = r.now()
	return nil
}

func (r *MemoryTaskStore) ListInFlight(_ context.Context) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]domain.Task, 0)
	for _, task := range r.tasks {
		if task.ExternalHandle == "" || task.Status.Terminal() || task.Status == domain.TaskStatusPending {
			continue
		}
		items = append(items, task.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (r *MemoryTaskStore) ListActiveJobSummaries(_ context.Context) ([]domain.JobSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summaries := make(map[string]*domain.JobSummary)
	for _, job := range r.jobs {
		if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusRunning {
			continue
		}
		summary := &domain.JobSummary{JobID: job.ID, Status: job.Status}
		if job.StartedAt != nil {
			started := *job.StartedAt
			summary.StartedAt = &started
		}
		summaries[job.ID] = summary
	}
	for _, task := range r.tasks {
		summary, ok := summaries[task.JobID]
		if !ok {
			continue
		}
		switch task.Status {
		case domain.TaskStatusPending:
			summary.Pending++
		case domain.TaskStatusRunning:
			summary.Running++
		case domain.TaskStatusProcessing:
			summary.Processing++
		case domain.TaskStatusDone:
			summary.Done++
		case domain.TaskStatusFailed:
			summary.Failed++
		}
	}

	items := make([]domain.JobSummary, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, *summary)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].JobID < items[j].JobID })
	return items, nil
}

func (r *MemoryTaskStore) TransitionJob(_ context.Context, transition domain.JobTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[transition.JobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != transition.From {
		return ErrInvalidTransition
	}
	job.Status = transition.To
	job.ErrorMessage = transition.ErrorMessage
	if job.StartedAt == nil && transition.StartedAt != nil {
		started := *transition.StartedAt
		job.StartedAt = &started
	}
	if transition.FinishedAt != nil {
		finished := *transition.FinishedAt
		job.FinishedAt = &finished
	}
	job.UpdatedAt = transition.At
	return nil
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.StartedAt != nil {
		started := *job.StartedAt
		clone.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		clone.FinishedAt = &finished
	}
	return &clone
}
