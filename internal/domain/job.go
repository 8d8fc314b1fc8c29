package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusPending  JobStatus = "PENDING"
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusDone     JobStatus = "DONE"
	JobStatusFailed   JobStatus = "FAILED"
	JobStatusCanceled JobStatus = "CANCELED"
)

// Terminal reports whether the job no longer changes status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is the tenant-facing unit of work. Its status is derived from its tasks.
type Job struct {
	ID           string
	TenantID     string
	Status       JobStatus
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
}

// JobSummary is the per-status task count of one non-terminal job.
type JobSummary struct {
	JobID      string
	Status     JobStatus
	StartedAt  *time.Time
	Pending    int
	Running    int
	Processing int
	Done       int
	Failed     int
}

func (s JobSummary) Total() int {
	return s.Pending + s.Running + s.Processing + s.Done + s.Failed
}

func (s JobSummary) Active() int {
	return s.Pending + s.Running + s.Processing
}

// JobTransition describes a status change applied to a job row.
// From guards the update so concurrent reconcilers cannot overwrite each other.
type JobTransition struct {
	JobID        string
	From         JobStatus
	To           JobStatus
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	At           time.Time
}

// TaskSpec is the submission-side description of one task.
type TaskSpec struct {
	Kind  TaskKind
	Input json.RawMessage
}
