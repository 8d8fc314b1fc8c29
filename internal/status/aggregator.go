package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/repository"
	"github.com/rs/zerolog"
)

// Derive returns the job status implied by its task counts.
//
// A job with no tasks stays PENDING. Any non-terminal task keeps the job
// RUNNING once some task has left PENDING. When every task is terminal the
// job is DONE if at least one succeeded and FAILED only if all failed.
func Derive(summary domain.JobSummary) domain.JobStatus {
	switch {
	case summary.Total() == 0:
		return domain.JobStatusPending
	case summary.Active() > 0:
		if summary.Pending == summary.Total() {
			return domain.JobStatusPending
		}
		return domain.JobStatusRunning
	case summary.Done > 0:
		return domain.JobStatusDone
	default:
		return domain.JobStatusFailed
	}
}

// Plan builds the transition that moves a job to its derived status. It
// reports false when the job is already there.
func Plan(summary domain.JobSummary, at time.Time) (domain.JobTransition, bool) {
	next := Derive(summary)
	if next == summary.Status {
		return domain.JobTransition{}, false
	}

	transition := domain.JobTransition{
		JobID: summary.JobID,
		From:  summary.Status,
		To:    next,
		At:    at,
	}
	if summary.StartedAt == nil && next != domain.JobStatusPending {
		started := at
		transition.StartedAt = &started
	}
	if next.Terminal() {
		finished := at
		transition.FinishedAt = &finished
	}
	if next == domain.JobStatusFailed {
		transition.ErrorMessage = fmt.Sprintf("all %d tasks failed", summary.Failed)
	}
	return transition, true
}

type Aggregator struct {
	store  repository.TaskStore
	now    func() time.Time
	logger zerolog.Logger
}

func NewAggregator(store repository.TaskStore, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "status").Logger(),
	}
}

// Reconcile moves every PENDING or RUNNING job to the status its tasks imply.
// Running it again without task changes applies nothing.
func (a *Aggregator) Reconcile(ctx context.Context) (int, error) {
	summaries, err := a.store.ListActiveJobSummaries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list job summaries: %w", err)
	}

	applied := 0
	var errs []error
	for _, summary := range summaries {
		transition, ok := Plan(summary, a.now())
		if !ok {
			continue
		}

		err := a.store.TransitionJob(ctx, transition)
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
			// Another reconciler or a cancel got there first.
			a.logger.Debug().Err(err).Str("job_id", summary.JobID).Msg("job transition skipped")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("transition job %s: %w", summary.JobID, err))
			continue
		}

		applied++
		event := a.logger.Info()
		if !transition.To.Terminal() {
			event = a.logger.Debug()
		}
		event.
			Str("job_id", summary.JobID).
			Str("from", string(transition.From)).
			Str("to", string(transition.To)).
			Int("done", summary.Done).
			Int("failed", summary.Failed).
			Msg("job status changed")
	}
	return applied, errors.Join(errs...)
}
