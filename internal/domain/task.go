package domain

import (
	"encoding/json"
	"time"
)

type TaskKind string

const (
	TaskKindProductText   TaskKind = "product_text"
	TaskKindBlogPost      TaskKind = "blog_post"
	TaskKindImageOptimize TaskKind = "image_optimize"
)

func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindProductText, TaskKindBlogPost, TaskKindImageOptimize:
		return true
	default:
		return false
	}
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusRunning    TaskStatus = "RUNNING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusFailed     TaskStatus = "FAILED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusProcessing:
		return 2
	case TaskStatusDone, TaskStatusFailed:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a task may move from s to next.
// Status only moves forward: PENDING -> RUNNING -> [PROCESSING ->] DONE|FAILED.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 || s.Terminal() {
		return false
	}
	if s == TaskStatusPending {
		return next == TaskStatusRunning
	}
	return to > from
}

// Task is the atomic claimable unit of work. TenantID is copied from the job
// so fairness queries need no join.
type Task struct {
	ID             string
	JobID          string
	TenantID       string
	Kind           TaskKind
	Status         TaskStatus
	Input          json.RawMessage
	Result         json.RawMessage
	ErrorMessage   string
	ExternalHandle string
	SubmittedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy safe to hand across goroutines.
func (t Task) Clone() Task {
	clone := t
	clone.Input = append(json.RawMessage(nil), t.Input...)
	clone.Result = append(json.RawMessage(nil), t.Result...)
	if t.SubmittedAt != nil {
		submitted := *t.SubmittedAt
		clone.SubmittedAt = &submitted
	}
	return clone
}
