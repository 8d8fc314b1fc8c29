package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/executor"
	"github.com/iago/content-worker/internal/ratelimit"
	"github.com/iago/content-worker/internal/redact"
	"github.com/iago/content-worker/internal/repository"
	"github.com/iago/content-worker/internal/twophase"
	"github.com/rs/zerolog"
)

const outcomeWriteTimeout = 10 * time.Second

var ErrOutcomeWrite = errors.New("task outcome not stored")

type Claimer interface {
	Claim(ctx context.Context, maxTotal, maxPerTenant int) ([]domain.Task, error)
}

type TwoPhase interface {
	Submit(ctx context.Context, task domain.Task) error
	PollBatch(ctx context.Context, maxItems int) ([]twophase.Outcome, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type Config struct {
	MaxTotal      int
	MaxPerTenant  int
	TickInterval  time.Duration
	Backoff       time.Duration
	PollInterval  time.Duration
	PollBatchSize int
}

func (c Config) withDefaults() Config {
	if c.MaxTotal <= 0 {
		c.MaxTotal = 50
	}
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 10
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = 50
	}
	return c
}

type Dependencies struct {
	Claimer   Claimer
	Store     repository.TaskStore
	Executors *executor.Registry
	Limiters  *ratelimit.Registry
	TwoPhase  TwoPhase
	Status    Reconciler
	Logger    zerolog.Logger
}

// Loop claims pending tasks, dispatches them to their executors and keeps
// job status current. It wakes on Notify, on a fallback tick, and polls
// two-phase handles on its own timer.
type Loop struct {
	cfg       Config
	claimer   Claimer
	store     repository.TaskStore
	executors *executor.Registry
	limiters  *ratelimit.Registry
	twoPhase  TwoPhase
	status    Reconciler
	logger    zerolog.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	rerun   bool
}

func NewLoop(cfg Config, deps Dependencies) *Loop {
	return &Loop{
		cfg:       cfg.withDefaults(),
		claimer:   deps.Claimer,
		store:     deps.Store,
		executors: deps.Executors,
		limiters:  deps.Limiters,
		twoPhase:  deps.TwoPhase,
		status:    deps.Status,
		logger:    deps.Logger.With().Str("component", "worker").Logger(),
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes the loop. Extra calls while a wake is pending are dropped.
func (l *Loop) Notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start runs until ctx is done.
func (l *Loop) Start(ctx context.Context) {
	if l.twoPhase != nil {
		go l.pollLoop(ctx)
	}

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	l.logger.Info().
		Int("max_total", l.cfg.MaxTotal).
		Int("max_per_tenant", l.cfg.MaxPerTenant).
		Dur("tick", l.cfg.TickInterval).
		Msg("worker loop started")

	l.Trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("worker loop stopped")
			return
		case <-l.wake:
			l.Trigger(ctx)
		case <-ticker.C:
			l.Trigger(ctx)
		}
	}
}

// Trigger drains pending work. A call that arrives while a drain is running
// only asks that drain to go around once more.
func (l *Loop) Trigger(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.rerun = true
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	for {
		l.drain(ctx)

		l.mu.Lock()
		if !l.rerun || ctx.Err() != nil {
			l.running = false
			l.rerun = false
			l.mu.Unlock()
			return
		}
		l.rerun = false
		l.mu.Unlock()
	}
}

func (l *Loop) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claimed, err := l.RunPass(ctx)
		if err != nil {
			l.logger.Error().Err(err).Dur("backoff", l.cfg.Backoff).Msg("worker pass failed")
			sleep(ctx, l.cfg.Backoff)
			return
		}
		if claimed < l.cfg.MaxTotal {
			return
		}
	}
}

// RunPass claims one batch, dispatches it and reconciles job status. It
// returns the number of tasks claimed. Outcomes that could not be written
// are reported as ErrOutcomeWrite after the whole batch has run.
func (l *Loop) RunPass(ctx context.Context) (int, error) {
	tasks, err := l.claimer.Claim(ctx, l.cfg.MaxTotal, l.cfg.MaxPerTenant)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	// Claimed jobs show RUNNING while their tasks are still queued on limiters.
	l.reconcile(ctx)

	started := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		writeErr []error
	)
	for _, task := range tasks {
		wg.Add(1)
		go func(task domain.Task) {
			defer wg.Done()
			if err := l.dispatch(ctx, task); err != nil {
				mu.Lock()
				writeErr = append(writeErr, err)
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()

	l.reconcile(ctx)
	l.logger.Debug().
		Int("tasks", len(tasks)).
		Int("write_failures", len(writeErr)).
		Dur("elapsed", time.Since(started)).
		Msg("worker pass finished")
	if len(writeErr) > 0 {
		return len(tasks), fmt.Errorf("%w: %d of %d tasks: %w", ErrOutcomeWrite, len(writeErr), len(tasks), errors.Join(writeErr...))
	}
	return len(tasks), nil
}

// PollOnce checks in-flight two-phase handles and reconciles jobs when any
// of them resolved.
func (l *Loop) PollOnce(ctx context.Context) (int, error) {
	if l.twoPhase == nil {
		return 0, nil
	}
	outcomes, err := l.twoPhase.PollBatch(ctx, l.cfg.PollBatchSize)
	if len(outcomes) > 0 {
		l.reconcile(ctx)
	}
	return len(outcomes), err
}

func (l *Loop) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolved, err := l.PollOnce(ctx)
			if err != nil && ctx.Err() == nil {
				l.logger.Warn().Err(err).Msg("two-phase poll failed")
			}
			if resolved > 0 {
				l.logger.Debug().Int("resolved", resolved).Msg("two-phase handles resolved")
			}
		}
	}
}

// dispatch runs one claimed task and records its outcome. The returned error
// is non-nil only when that outcome could not be stored.
func (l *Loop) dispatch(ctx context.Context, task domain.Task) (writeErr error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error().
				Str("task_id", task.ID).
				Str("kind", string(task.Kind)).
				Interface("panic", recovered).
				Str("stack", string(debug.Stack())).
				Msg("executor panicked")
			writeErr = l.fail(ctx, task, fmt.Errorf("executor panic: %v", recovered))
		}
	}()

	registration, err := l.executors.Resolve(task.Kind)
	if err != nil {
		return l.fail(ctx, task, err)
	}

	if registration.IsTwoPhase() {
		if l.twoPhase == nil {
			return l.fail(ctx, task, errors.New("two-phase executors are not enabled"))
		}
		if err := l.twoPhase.Submit(ctx, task); err != nil {
			return l.failUnlessShutdown(ctx, task, err)
		}
		return nil
	}

	limiter, ok := l.limiters.Get(registration.Service)
	if !ok {
		return l.fail(ctx, task, fmt.Errorf("no rate limiter for service %s", registration.Service))
	}

	var result json.RawMessage
	err = limiter.Execute(ctx, registration.EstimatedCost(task), func(ctx context.Context) error {
		var execErr error
		result, execErr = registration.Sync.Execute(ctx, task)
		return execErr
	})
	if err != nil {
		return l.failUnlessShutdown(ctx, task, err)
	}
	return l.complete(ctx, task, result)
}

func (l *Loop) failUnlessShutdown(ctx context.Context, task domain.Task, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		l.logger.Warn().Str("task_id", task.ID).Msg("dispatch interrupted by shutdown, task left RUNNING")
		return nil
	}
	return l.fail(ctx, task, err)
}

func (l *Loop) complete(ctx context.Context, task domain.Task, result json.RawMessage) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	if err := l.store.CompleteTask(writeCtx, task.ID, result); err != nil {
		return l.outcomeWriteFailed(task, "store task result failed", err)
	}
	l.logger.Debug().Str("task_id", task.ID).Str("kind", string(task.Kind)).Msg("task done")
	return nil
}

func (l *Loop) fail(ctx context.Context, task domain.Task, cause error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	l.logger.Warn().
		Err(cause).
		Str("task_id", task.ID).
		Str("tenant_id", task.TenantID).
		Str("kind", string(task.Kind)).
		Bool("retryable", executor.IsRetryable(cause)).
		Msg("task failed")
	if err := l.store.FailTask(writeCtx, task.ID, redact.Error(cause)); err != nil {
		return l.outcomeWriteFailed(task, "store task failure failed", err)
	}
	return nil
}

// outcomeWriteFailed logs a rejected outcome write. A task that already left
// RUNNING is not a storage failure and is not reported.
func (l *Loop) outcomeWriteFailed(task domain.Task, msg string, err error) error {
	if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
		l.logger.Warn().Err(err).Str("task_id", task.ID).Msg(msg)
		return nil
	}
	l.logger.Error().Err(err).Str("task_id", task.ID).Msg(msg)
	return fmt.Errorf("task %s: %w", task.ID, err)
}

func (l *Loop) reconcile(ctx context.Context) {
	if l.status == nil {
		return
	}
	if _, err := l.status.Reconcile(ctx); err != nil && ctx.Err() == nil {
		l.logger.Error().Err(err).Msg("job status reconcile failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
