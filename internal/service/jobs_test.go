package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/executor"
	"github.com/iago/content-worker/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	calls int
	err   error
}

func (n *recordingNotifier) NotifyWorkAvailable(context.Context) error {
	n.calls++
	return n.err
}

func newTestService(t *testing.T, notifier *recordingNotifier) (*JobsService, *repository.MemoryTaskStore) {
	t.Helper()
	executors := executor.NewRegistry()
	echo := executor.SyncFunc(func(_ context.Context, task domain.Task) (json.RawMessage, error) {
		return task.Input, nil
	})
	require.NoError(t, executors.Register(executor.Registration{Kind: domain.TaskKindProductText, Service: "text", Sync: echo}))
	require.NoError(t, executors.Register(executor.Registration{Kind: domain.TaskKindBlogPost, Service: "text", Sync: echo}))

	store := repository.NewMemoryTaskStore()
	return NewJobsService(store, notifier, executors, zerolog.Nop()), store
}

func TestSubmitCreatesJobAndWakesWorkers(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, store := newTestService(t, notifier)
	ctx := context.Background()

	job, tasks, err := svc.Submit(ctx, " shop-1 ", []domain.TaskSpec{
		{Kind: domain.TaskKindProductText, Input: json.RawMessage(`{"title":"shirt"}`)},
		{Kind: domain.TaskKindBlogPost},
	})
	require.NoError(t, err)
	require.Equal(t, "shop-1", job.TenantID)
	require.Equal(t, domain.JobStatusPending, job.Status)
	require.Len(t, tasks, 2)
	require.Equal(t, 1, notifier.calls)
	require.Less(t, job.ID, tasks[0].ID)
	require.Less(t, tasks[0].ID, tasks[1].ID)
	require.JSONEq(t, `{}`, string(tasks[1].Input))

	stored, storedTasks, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, stored.ID)
	require.Len(t, storedTasks, 2)

	claimed, err := store.ClaimPending(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, notifier)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, "", []domain.TaskSpec{{Kind: domain.TaskKindProductText}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.Submit(ctx, "shop-1", []domain.TaskSpec{{Kind: "video_render"}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.Submit(ctx, "shop-1", []domain.TaskSpec{{Kind: domain.TaskKindImageOptimize}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorContains(t, err, "no executor registered")

	_, _, err = svc.Submit(ctx, "shop-1", []domain.TaskSpec{{Kind: domain.TaskKindBlogPost, Input: json.RawMessage(`{`)}})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.Zero(t, notifier.calls)
}

func TestSubmitSurvivesWakeFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("redis down")}
	svc, _ := newTestService(t, notifier)

	job, _, err := svc.Submit(context.Background(), "shop-1", []domain.TaskSpec{{Kind: domain.TaskKindProductText}})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, 1, notifier.calls)
}

func TestSubmitWithoutTasksDoesNotWake(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, notifier)

	job, tasks, err := svc.Submit(context.Background(), "shop-1", nil)
	require.NoError(t, err)
	require.Empty(t, tasks)
	require.Equal(t, domain.JobStatusPending, job.Status)
	require.Zero(t, notifier.calls)
}

func TestCancelJob(t *testing.T) {
	svc, store := newTestService(t, &recordingNotifier{})
	ctx := context.Background()

	job, _, err := svc.Submit(ctx, "shop-1", []domain.TaskSpec{{Kind: domain.TaskKindProductText}})
	require.NoError(t, err)

	canceled, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCanceled, canceled.Status)
	require.NotNil(t, canceled.FinishedAt)

	claimed, err := store.ClaimPending(ctx, 10, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	_, err = svc.CancelJob(ctx, job.ID)
	require.ErrorIs(t, err, repository.ErrInvalidTransition)
	_, err = svc.CancelJob(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
