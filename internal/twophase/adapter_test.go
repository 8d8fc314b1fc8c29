package twophase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/executor"
	"github.com/iago/content-worker/internal/executor/mocks"
	"github.com/iago/content-worker/internal/ratelimit"
	"github.com/iago/content-worker/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testMaxWait = 10 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

type cancelableExecutor struct {
	*mocks.MockTwoPhaseExecutor
	*mocks.MockCanceler
}

type fixture struct {
	store   *repository.MemoryTaskStore
	clock   *fakeClock
	adapter *Adapter
	tasks   []domain.Task
}

func newFixture(t *testing.T, twoPhase executor.TwoPhaseExecutor, taskCount int) *fixture {
	t.Helper()
	ctx := context.Background()

	store := repository.NewMemoryTaskStore()
	job := &domain.Job{ID: "job-1", TenantID: "shop-1", Status: domain.JobStatusPending, CreatedAt: time.Now().UTC()}
	tasks := make([]domain.Task, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		tasks = append(tasks, domain.Task{
			ID:        fmt.Sprintf("task-%02d", i),
			JobID:     job.ID,
			TenantID:  job.TenantID,
			Kind:      domain.TaskKindImageOptimize,
			Status:    domain.TaskStatusPending,
			Input:     json.RawMessage(`{"src":"a.png"}`),
			CreatedAt: job.CreatedAt.Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.NoError(t, store.CreateJob(ctx, job, tasks))
	claimed, err := store.ClaimPending(ctx, taskCount, taskCount)
	require.NoError(t, err)
	require.Len(t, claimed, taskCount)

	executors := executor.NewRegistry()
	require.NoError(t, executors.Register(executor.Registration{
		Kind:     domain.TaskKindImageOptimize,
		Service:  "image",
		TwoPhase: twoPhase,
	}))

	limiters, err := ratelimit.NewRegistry(ratelimit.Config{Service: "image", MaxPerWindow: 1000, Window: time.Second})
	require.NoError(t, err)
	t.Cleanup(limiters.Close)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	adapter := NewAdapter(store, executors, limiters, Options{MaxWait: testMaxWait, Now: clock.Now}, zerolog.Nop())
	return &fixture{store: store, clock: clock, adapter: adapter, tasks: claimed}
}

func (f *fixture) task(t *testing.T, id string) domain.Task {
	t.Helper()
	tasks, err := f.store.ListTasksByJob(context.Background(), "job-1")
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %s not found", id)
	return domain.Task{}
}

func TestAdapterSubmitThenPollToDone(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := mocks.NewMockTwoPhaseExecutor(ctrl)
	f := newFixture(t, images, 1)
	ctx := context.Background()
	task := f.tasks[0]

	images.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("img-1", nil)
	gomock.InOrder(
		images.EXPECT().CheckStatus(gomock.Any(), "img-1").Return(executor.CheckResult{State: executor.CheckPending}, nil),
		images.EXPECT().CheckStatus(gomock.Any(), "img-1").Return(executor.CheckResult{
			State:  executor.CheckSucceeded,
			Result: json.RawMessage(`{"url":"a.webp"}`),
		}, nil),
	)

	require.NoError(t, f.adapter.Submit(ctx, task))
	require.Equal(t, 1, f.adapter.InFlight())
	stored := f.task(t, task.ID)
	require.Equal(t, domain.TaskStatusRunning, stored.Status)
	require.Equal(t, "img-1", stored.ExternalHandle)

	outcomes, err := f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Equal(t, domain.TaskStatusProcessing, f.task(t, task.ID).Status)

	outcomes, err = f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, domain.TaskStatusDone, outcomes[0].Status)
	require.Equal(t, "job-1", outcomes[0].JobID)
	require.NoError(t, outcomes[0].Err)

	stored = f.task(t, task.ID)
	require.Equal(t, domain.TaskStatusDone, stored.Status)
	require.JSONEq(t, `{"url":"a.webp"}`, string(stored.Result))
	require.Zero(t, f.adapter.InFlight())
}

func TestAdapterTimesOutAfterExactlyMaxWait(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := cancelableExecutor{
		MockTwoPhaseExecutor: mocks.NewMockTwoPhaseExecutor(ctrl),
		MockCanceler:         mocks.NewMockCanceler(ctrl),
	}
	f := newFixture(t, images, 1)
	ctx := context.Background()
	task := f.tasks[0]
	submittedAt := f.clock.Now()

	images.MockTwoPhaseExecutor.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("img-slow", nil)
	images.MockTwoPhaseExecutor.EXPECT().CheckStatus(gomock.Any(), "img-slow").
		Return(executor.CheckResult{State: executor.CheckPending}, nil).Times(1)
	images.MockCanceler.EXPECT().Cancel(gomock.Any(), "img-slow").Return(nil).Times(1)

	require.NoError(t, f.adapter.Submit(ctx, task))

	f.clock.Set(submittedAt.Add(testMaxWait - time.Nanosecond))
	outcomes, err := f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Equal(t, domain.TaskStatusProcessing, f.task(t, task.ID).Status)

	f.clock.Set(submittedAt.Add(testMaxWait))
	outcomes, err = f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, domain.TaskStatusFailed, outcomes[0].Status)
	require.ErrorIs(t, outcomes[0].Err, ErrTimeout)

	stored := f.task(t, task.ID)
	require.Equal(t, domain.TaskStatusFailed, stored.Status)
	require.Contains(t, stored.ErrorMessage, "timed out")
	require.Zero(t, f.adapter.InFlight())
}

func TestAdapterRecordsExecutorFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := mocks.NewMockTwoPhaseExecutor(ctrl)
	f := newFixture(t, images, 1)
	ctx := context.Background()

	images.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("img-bad", nil)
	images.EXPECT().CheckStatus(gomock.Any(), "img-bad").
		Return(executor.CheckResult{State: executor.CheckFailed, Error: "unsupported format"}, nil)

	require.NoError(t, f.adapter.Submit(ctx, f.tasks[0]))
	outcomes, err := f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.EqualError(t, outcomes[0].Err, "unsupported format")

	stored := f.task(t, f.tasks[0].ID)
	require.Equal(t, domain.TaskStatusFailed, stored.Status)
	require.Equal(t, "unsupported format", stored.ErrorMessage)
}

func TestAdapterSubmitErrorLeavesNothingInFlight(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := mocks.NewMockTwoPhaseExecutor(ctrl)
	f := newFixture(t, images, 1)

	images.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("", errors.New("provider down"))

	err := f.adapter.Submit(context.Background(), f.tasks[0])
	require.EqualError(t, err, "provider down")
	require.Zero(t, f.adapter.InFlight())
	require.Equal(t, domain.TaskStatusRunning, f.task(t, f.tasks[0].ID).Status)
}

func TestAdapterTreatsCheckErrorAsPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := mocks.NewMockTwoPhaseExecutor(ctrl)
	f := newFixture(t, images, 1)
	ctx := context.Background()

	images.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("img-flaky", nil)
	gomock.InOrder(
		images.EXPECT().CheckStatus(gomock.Any(), "img-flaky").Return(executor.CheckResult{}, errors.New("503")),
		images.EXPECT().CheckStatus(gomock.Any(), "img-flaky").Return(executor.CheckResult{State: executor.CheckSucceeded}, nil),
	)

	require.NoError(t, f.adapter.Submit(ctx, f.tasks[0]))
	outcomes, err := f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Equal(t, 1, f.adapter.InFlight())
	require.Equal(t, domain.TaskStatusRunning, f.task(t, f.tasks[0].ID).Status)

	outcomes, err = f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, domain.TaskStatusDone, f.task(t, f.tasks[0].ID).Status)
}

func TestAdapterPollsOldestHandlesFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := mocks.NewMockTwoPhaseExecutor(ctrl)
	f := newFixture(t, images, 3)
	ctx := context.Background()
	start := f.clock.Now()

	for i, task := range f.tasks {
		handle := fmt.Sprintf("img-%d", i)
		images.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(handle, nil)
		f.clock.Set(start.Add(time.Duration(3-i) * time.Second))
		require.NoError(t, f.adapter.Submit(ctx, task))
	}

	images.EXPECT().CheckStatus(gomock.Any(), "img-2").Return(executor.CheckResult{State: executor.CheckSucceeded}, nil)
	images.EXPECT().CheckStatus(gomock.Any(), "img-1").Return(executor.CheckResult{State: executor.CheckSucceeded}, nil)

	outcomes, err := f.adapter.PollBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, f.tasks[2].ID, outcomes[0].TaskID)
	require.Equal(t, f.tasks[1].ID, outcomes[1].TaskID)
	require.Equal(t, 1, f.adapter.InFlight())
}

func TestAdapterRehydratesPersistedHandles(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := mocks.NewMockTwoPhaseExecutor(ctrl)
	f := newFixture(t, images, 1)
	ctx := context.Background()
	task := f.tasks[0]

	submittedAt := f.clock.Now().Add(-time.Second)
	require.NoError(t, f.store.RecordHandle(ctx, task.ID, "img-restored", submittedAt))
	require.NoError(t, f.store.MarkProcessing(ctx, task.ID))

	loaded, err := f.adapter.Rehydrate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	images.EXPECT().CheckStatus(gomock.Any(), "img-restored").Return(executor.CheckResult{
		State:  executor.CheckSucceeded,
		Result: json.RawMessage(`{"ok":true}`),
	}, nil)

	outcomes, err := f.adapter.PollBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, domain.TaskStatusDone, f.task(t, task.ID).Status)
}

func TestAdapterRejectsSyncExecutors(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, mocks.NewMockTwoPhaseExecutor(ctrl), 1)

	text := f.tasks[0]
	text.Kind = domain.TaskKindProductText
	require.ErrorIs(t, f.adapter.Submit(context.Background(), text), executor.ErrNoExecutor)
}

func TestAdapterPollingDoesNotDelaySubmissions(t *testing.T) {
	ctrl := gomock.NewController(t)
	images := mocks.NewMockTwoPhaseExecutor(ctrl)
	images.EXPECT().CheckStatus(gomock.Any(), gomock.Any()).Return(executor.CheckResult{State: executor.CheckPending}, nil).AnyTimes()
	images.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("img-new", nil)

	ctx := context.Background()
	store := repository.NewMemoryTaskStore()
	job := &domain.Job{ID: "job-1", TenantID: "shop-1", Status: domain.JobStatusPending, CreatedAt: time.Now().UTC()}
	tasks := make([]domain.Task, 0, 9)
	for i := 0; i < 9; i++ {
		tasks = append(tasks, domain.Task{
			ID:        fmt.Sprintf("task-%02d", i),
			JobID:     job.ID,
			TenantID:  job.TenantID,
			Kind:      domain.TaskKindImageOptimize,
			Status:    domain.TaskStatusPending,
			Input:     json.RawMessage(`{}`),
			CreatedAt: job.CreatedAt.Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.NoError(t, store.CreateJob(ctx, job, tasks))
	claimed, err := store.ClaimPending(ctx, 9, 9)
	require.NoError(t, err)
	for _, task := range claimed[:8] {
		require.NoError(t, store.RecordHandle(ctx, task.ID, "img-"+task.ID, time.Now().UTC()))
	}

	executors := executor.NewRegistry()
	require.NoError(t, executors.Register(executor.Registration{
		Kind:     domain.TaskKindImageOptimize,
		Service:  "image",
		TwoPhase: images,
	}))
	limiters, err := ratelimit.NewRegistry(ratelimit.Config{
		Service:          "image",
		MaxPerWindow:     4,
		Window:           time.Second,
		PollMaxPerWindow: 2,
	})
	require.NoError(t, err)
	t.Cleanup(limiters.Close)

	adapter := NewAdapter(store, executors, limiters, Options{MaxWait: time.Hour}, zerolog.Nop())
	loaded, err := adapter.Rehydrate(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, loaded)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	polled := make(chan struct{})
	go func() {
		_, _ = adapter.PollBatch(pollCtx, 10)
		close(polled)
	}()
	poll, ok := limiters.Poll("image")
	require.True(t, ok)
	require.Eventually(t, func() bool { return poll.Stats().QueueLength > 0 }, time.Second, 5*time.Millisecond)

	started := time.Now()
	require.NoError(t, adapter.Submit(ctx, claimed[8]))
	require.Less(t, time.Since(started), 500*time.Millisecond)
	require.Equal(t, 9, adapter.InFlight())

	cancelPoll()
	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not stop")
	}
}
