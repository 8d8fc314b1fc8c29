package repository

import (
	"sort"

	"github.com/iago/content-worker/internal/domain"
)

// selectFairBatch ranks pending tasks inside each tenant by creation time,
// keeps the first maxPerTenant of every tenant, then orders the survivors by
// task id and truncates to maxTotal. It is the in-memory twin of claimQuery.
func selectFairBatch(pending []domain.Task, maxTotal, maxPerTenant int) []domain.Task {
	if maxTotal <= 0 || maxPerTenant <= 0 || len(pending) == 0 {
		return nil
	}

	ordered := append([]domain.Task(nil), pending...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	rank := make(map[string]int)
	selected := make([]domain.Task, 0, maxTotal)
	for _, task := range ordered {
		if rank[task.TenantID] >= maxPerTenant {
			continue
		}
		rank[task.TenantID]++
		selected = append(selected, task)
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
	if len(selected) > maxTotal {
		selected = selected[:maxTotal]
	}
	return selected
}
