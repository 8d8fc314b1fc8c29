package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/iago/content-worker/internal/domain"
)

var ErrNoExecutor = errors.New("no executor registered")

//go:generate mockgen -source=executor.go -destination=mocks/executor_mock.go -package=mocks

// SyncExecutor runs a task to completion in one call.
type SyncExecutor interface {
	Execute(ctx context.Context, task domain.Task) (json.RawMessage, error)
}

type CheckState string

const (
	CheckPending   CheckState = "pending"
	CheckSucceeded CheckState = "succeeded"
	CheckFailed    CheckState = "failed"
)

// CheckResult is what a two-phase executor reports for a handle.
type CheckResult struct {
	State  CheckState
	Result json.RawMessage
	Error  string
}

// TwoPhaseExecutor submits work that the provider finishes asynchronously.
type TwoPhaseExecutor interface {
	Submit(ctx context.Context, task domain.Task) (string, error)
	CheckStatus(ctx context.Context, handle string) (CheckResult, error)
}

// Canceler is implemented by two-phase executors that can abandon a handle.
type Canceler interface {
	Cancel(ctx context.Context, handle string) error
}

// SyncFunc adapts a plain function to SyncExecutor.
type SyncFunc func(ctx context.Context, task domain.Task) (json.RawMessage, error)

func (f SyncFunc) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Registration binds a task kind to its executor and the external service
// whose rate limiter guards it. Exactly one of Sync or TwoPhase is set.
type Registration struct {
	Kind     domain.TaskKind
	Service  string
	Sync     SyncExecutor
	TwoPhase TwoPhaseExecutor
	Cost     func(task domain.Task) int
}

func (r Registration) IsTwoPhase() bool {
	return r.TwoPhase != nil
}

// EstimatedCost is the secondary-budget estimate for one call; defaults to 1.
func (r Registration) EstimatedCost(task domain.Task) int {
	if r.Cost == nil {
		return 1
	}
	return r.Cost(task)
}

type Registry struct {
	mu      sync.RWMutex
	entries map[domain.TaskKind]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.TaskKind]Registration)}
}

func (r *Registry) Register(registration Registration) error {
	if registration.Kind == "" {
		return errors.New("executor kind is required")
	}
	if registration.Service == "" {
		return fmt.Errorf("executor %s: service is required", registration.Kind)
	}
	if (registration.Sync == nil) == (registration.TwoPhase == nil) {
		return fmt.Errorf("executor %s: exactly one of sync or two-phase must be set", registration.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[registration.Kind]; exists {
		return fmt.Errorf("executor %s already registered", registration.Kind)
	}
	r.entries[registration.Kind] = registration
	return nil
}

func (r *Registry) Resolve(kind domain.TaskKind) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registration, ok := r.entries[kind]
	if !ok {
		return Registration{}, fmt.Errorf("%w for kind %s", ErrNoExecutor, kind)
	}
	return registration, nil
}

// Services lists the distinct services referenced by registrations.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	services := make([]string, 0)
	for _, registration := range r.entries {
		if _, ok := seen[registration.Service]; ok {
			continue
		}
		seen[registration.Service] = struct{}{}
		services = append(services, registration.Service)
	}
	return services
}
