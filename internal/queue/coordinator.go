package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/repository"
	"github.com/rs/zerolog"
)

var ErrStorage = errors.New("task store unavailable")

// Coordinator hands out fairness-bounded batches of pending tasks. Every task
// it returns has already been moved to RUNNING and belongs to this caller
// alone, even with several worker processes claiming against one store.
type Coordinator struct {
	store  repository.TaskStore
	logger zerolog.Logger
}

func NewCoordinator(store repository.TaskStore, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		logger: logger.With().Str("component", "claim").Logger(),
	}
}

// Claim returns at most maxTotal tasks with at most maxPerTenant per tenant,
// oldest first within each tenant and ordered by id overall.
func (c *Coordinator) Claim(ctx context.Context, maxTotal, maxPerTenant int) ([]domain.Task, error) {
	if maxTotal <= 0 || maxPerTenant <= 0 {
		return nil, fmt.Errorf("claim limits must be positive: maxTotal=%d maxPerTenant=%d", maxTotal, maxPerTenant)
	}

	tasks, err := c.store.ClaimPending(ctx, maxTotal, maxPerTenant)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	if c.logger.GetLevel() <= zerolog.DebugLevel {
		perTenant := zerolog.Dict()
		counts := make(map[string]int)
		for _, task := range tasks {
			counts[task.TenantID]++
		}
		for tenantID, count := range counts {
			perTenant.Int(tenantID, count)
		}
		c.logger.Debug().
			Int("claimed", len(tasks)).
			Dict("per_tenant", perTenant).
			Msg("claimed pending tasks")
	}
	return tasks, nil
}
