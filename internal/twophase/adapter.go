package twophase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/executor"
	"github.com/iago/content-worker/internal/ratelimit"
	"github.com/iago/content-worker/internal/redact"
	"github.com/iago/content-worker/internal/repository"
	"github.com/rs/zerolog"
)

var ErrTimeout = errors.New("two-phase handle timed out")

const defaultMaxWait = 10 * time.Minute

// Outcome is a handle that resolved during a poll.
type Outcome struct {
	TaskID string
	JobID  string
	Status domain.TaskStatus
	Result json.RawMessage
	Err    error
}

type inflight struct {
	task         domain.Task
	handle       string
	submittedAt  time.Time
	processing   bool
	registration executor.Registration
}

type Options struct {
	MaxWait time.Duration
	Now     func() time.Time
}

// Adapter submits work to asynchronous executors and polls the handles until
// they resolve or exceed MaxWait. Handles live on the task row as well, so a
// restarted process can pick them up again with Rehydrate.
type Adapter struct {
	store     repository.TaskStore
	executors *executor.Registry
	limiters  *ratelimit.Registry
	maxWait   time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
}

func NewAdapter(
	store repository.TaskStore,
	executors *executor.Registry,
	limiters *ratelimit.Registry,
	options Options,
	logger zerolog.Logger,
) *Adapter {
	if options.MaxWait <= 0 {
		options.MaxWait = defaultMaxWait
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Adapter{
		store:     store,
		executors: executors,
		limiters:  limiters,
		maxWait:   options.MaxWait,
		now:       options.Now,
		logger:    logger.With().Str("component", "twophase").Logger(),
		inflight:  make(map[string]*inflight),
	}
}

// Submit hands the task to its executor through the service limiter and
// records the returned handle. It does not wait for the result.
func (a *Adapter) Submit(ctx context.Context, task domain.Task) error {
	registration, err := a.executors.Resolve(task.Kind)
	if err != nil {
		return err
	}
	if !registration.IsTwoPhase() {
		return fmt.Errorf("executor for kind %s is not two-phase", task.Kind)
	}
	limiter, ok := a.limiters.Get(registration.Service)
	if !ok {
		return fmt.Errorf("no rate limiter for service %s", registration.Service)
	}

	var handle string
	err = limiter.Execute(ctx, registration.EstimatedCost(task), func(ctx context.Context) error {
		var submitErr error
		handle, submitErr = registration.TwoPhase.Submit(ctx, task)
		return submitErr
	})
	if err != nil {
		return err
	}

	submittedAt := a.now()
	if err := a.store.RecordHandle(ctx, task.ID, handle, submittedAt); err != nil {
		a.cancel(ctx, registration, handle)
		return fmt.Errorf("record handle: %w", err)
	}

	a.track(&inflight{
		task:         task,
		handle:       handle,
		submittedAt:  submittedAt,
		registration: registration,
	})
	a.logger.Debug().
		Str("task_id", task.ID).
		Str("handle", handle).
		Msg("two-phase task submitted")
	return nil
}

// Rehydrate loads handles persisted by a previous process.
func (a *Adapter) Rehydrate(ctx context.Context) (int, error) {
	tasks, err := a.store.ListInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-flight tasks: %w", err)
	}

	loaded := 0
	for _, task := range tasks {
		registration, err := a.executors.Resolve(task.Kind)
		if err != nil || !registration.IsTwoPhase() {
			a.logger.Warn().
				Str("task_id", task.ID).
				Str("kind", string(task.Kind)).
				Msg("skipping in-flight task without two-phase executor")
			continue
		}
		submittedAt := a.now()
		if task.SubmittedAt != nil {
			submittedAt = *task.SubmittedAt
		}
		a.track(&inflight{
			task:         task,
			handle:       task.ExternalHandle,
			submittedAt:  submittedAt,
			processing:   task.Status == domain.TaskStatusProcessing,
			registration: registration,
		})
		loaded++
	}
	return loaded, nil
}

// InFlight is the number of handles waiting for a result.
func (a *Adapter) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// PollBatch checks up to maxItems handles, oldest submission first, and
// returns the ones that resolved. Checks go through the service's poll
// limiter, never the one Submit uses. A handle older than MaxWait fails with
// ErrTimeout without being checked again.
func (a *Adapter) PollBatch(ctx context.Context, maxItems int) ([]Outcome, error) {
	batch := a.oldest(maxItems)
	if len(batch) == 0 {
		return nil, nil
	}

	now := a.now()
	outcomes := make([]*Outcome, len(batch))
	var wg sync.WaitGroup
	for i, item := range batch {
		if now.Sub(item.submittedAt) >= a.maxWait {
			outcomes[i] = a.expire(ctx, item)
			continue
		}
		wg.Add(1)
		go func(i int, item *inflight) {
			defer wg.Done()
			outcomes[i] = a.check(ctx, item)
		}(i, item)
	}
	wg.Wait()

	resolved := make([]Outcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome != nil {
			resolved = append(resolved, *outcome)
		}
	}
	return resolved, ctx.Err()
}

func (a *Adapter) check(ctx context.Context, item *inflight) *Outcome {
	var result executor.CheckResult
	checkStatus := func(ctx context.Context) error {
		var err error
		result, err = item.registration.TwoPhase.CheckStatus(ctx, item.handle)
		return err
	}

	var err error
	if limiter, ok := a.limiters.Poll(item.registration.Service); ok {
		err = limiter.Execute(ctx, 0, checkStatus)
	} else {
		err = checkStatus(ctx)
	}
	if err != nil {
		a.logger.Warn().Err(err).
			Str("task_id", item.task.ID).
			Str("handle", item.handle).
			Msg("two-phase status check failed")
		return nil
	}

	switch result.State {
	case executor.CheckSucceeded:
		return a.resolve(ctx, item, domain.TaskStatusDone, result.Result, nil)
	case executor.CheckFailed:
		message := result.Error
		if message == "" {
			message = "executor reported failure"
		}
		return a.resolve(ctx, item, domain.TaskStatusFailed, nil, errors.New(message))
	default:
		a.markProcessing(ctx, item)
		return nil
	}
}

func (a *Adapter) expire(ctx context.Context, item *inflight) *Outcome {
	a.cancel(ctx, item.registration, item.handle)
	err := fmt.Errorf("%w after %s", ErrTimeout, a.maxWait)
	return a.resolve(ctx, item, domain.TaskStatusFailed, nil, err)
}

func (a *Adapter) markProcessing(ctx context.Context, item *inflight) {
	a.mu.Lock()
	already := item.processing
	a.mu.Unlock()
	if already {
		return
	}

	err := a.store.MarkProcessing(ctx, item.task.ID)
	if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		a.logger.Warn().Err(err).Str("task_id", item.task.ID).Msg("mark processing failed")
		return
	}
	a.mu.Lock()
	item.processing = true
	a.mu.Unlock()
}

func (a *Adapter) resolve(
	ctx context.Context,
	item *inflight,
	status domain.TaskStatus,
	result json.RawMessage,
	cause error,
) *Outcome {
	var err error
	if status == domain.TaskStatusDone {
		err = a.store.CompleteTask(ctx, item.task.ID, result)
	} else {
		err = a.store.FailTask(ctx, item.task.ID, redact.Error(cause))
	}

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrNotFound):
		a.logger.Warn().Err(err).Str("task_id", item.task.ID).Msg("two-phase task already settled")
	default:
		// Kept in flight so the next poll writes the outcome again.
		a.logger.Error().Err(err).Str("task_id", item.task.ID).Msg("store two-phase outcome failed")
		return nil
	}

	a.untrack(item.task.ID)
	a.logger.Debug().
		Str("task_id", item.task.ID).
		Str("status", string(status)).
		Msg("two-phase task resolved")
	return &Outcome{
		TaskID: item.task.ID,
		JobID:  item.task.JobID,
		Status: status,
		Result: result,
		Err:    cause,
	}
}

func (a *Adapter) cancel(ctx context.Context, registration executor.Registration, handle string) {
	canceler, ok := registration.TwoPhase.(executor.Canceler)
	if !ok || handle == "" {
		return
	}
	if err := canceler.Cancel(ctx, handle); err != nil {
		a.logger.Warn().Err(err).Str("handle", handle).Msg("cancel two-phase handle failed")
	}
}

func (a *Adapter) track(item *inflight) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inflight[item.task.ID] = item
}

func (a *Adapter) untrack(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, taskID)
}

func (a *Adapter) oldest(maxItems int) []*inflight {
	a.mu.Lock()
	items := make([]*inflight, 0, len(a.inflight))
	for _, item := range a.inflight {
		items = append(items, item)
	}
	a.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].submittedAt.Equal(items[j].submittedAt) {
			return items[i].submittedAt.Before(items[j].submittedAt)
		}
		return items[i].task.ID < items[j].task.ID
	})
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}
