package status

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/repository"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func seedJob(store *repository.MemoryTaskStore, jobID string, taskCount int) []domain.Task {
	created := time.Now().UTC()
	job := &domain.Job{ID: jobID, TenantID: "shop-1", Status: domain.JobStatusPending, CreatedAt: created}
	tasks := make([]domain.Task, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		tasks = append(tasks, domain.Task{
			ID:        fmt.Sprintf("%s-task-%d", jobID, i),
			JobID:     jobID,
			TenantID:  job.TenantID,
			Kind:      domain.TaskKindProductText,
			Status:    domain.TaskStatusPending,
			Input:     json.RawMessage(`{}`),
			CreatedAt: created.Add(time.Duration(i) * time.Millisecond),
		})
	}
	So(store.CreateJob(context.Background(), job, tasks), ShouldBeNil)
	return tasks
}

func loadJob(store *repository.MemoryTaskStore, jobID string) *domain.Job {
	job, err := store.GetJob(context.Background(), jobID)
	So(err, ShouldBeNil)
	return job
}

func TestDerive(t *testing.T) {
	Convey("Derive job status from task counts", t, func() {
		Convey("a job without tasks stays pending", func() {
			So(Derive(domain.JobSummary{Status: domain.JobStatusPending}), ShouldEqual, domain.JobStatusPending)
		})
		Convey("untouched tasks keep the job pending", func() {
			So(Derive(domain.JobSummary{Pending: 3}), ShouldEqual, domain.JobStatusPending)
		})
		Convey("any started task makes the job running", func() {
			So(Derive(domain.JobSummary{Pending: 2, Running: 1}), ShouldEqual, domain.JobStatusRunning)
			So(Derive(domain.JobSummary{Pending: 2, Done: 1}), ShouldEqual, domain.JobStatusRunning)
			So(Derive(domain.JobSummary{Processing: 1, Failed: 4}), ShouldEqual, domain.JobStatusRunning)
		})
		Convey("partial success is success", func() {
			So(Derive(domain.JobSummary{Done: 2, Failed: 1}), ShouldEqual, domain.JobStatusDone)
		})
		Convey("the job fails only when every task failed", func() {
			So(Derive(domain.JobSummary{Failed: 3}), ShouldEqual, domain.JobStatusFailed)
		})
	})
}

func TestPlan(t *testing.T) {
	Convey("Plan a job transition", t, func() {
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		Convey("nothing to do when the status already matches", func() {
			_, ok := Plan(domain.JobSummary{JobID: "j", Status: domain.JobStatusRunning, Running: 1}, at)
			So(ok, ShouldBeFalse)
		})

		Convey("first start records the start time", func() {
			transition, ok := Plan(domain.JobSummary{JobID: "j", Status: domain.JobStatusPending, Running: 1}, at)
			So(ok, ShouldBeTrue)
			So(transition.To, ShouldEqual, domain.JobStatusRunning)
			So(transition.StartedAt, ShouldNotBeNil)
			So(*transition.StartedAt, ShouldEqual, at)
			So(transition.FinishedAt, ShouldBeNil)
		})

		Convey("terminal transitions keep an existing start and record the finish", func() {
			started := at.Add(-time.Minute)
			transition, ok := Plan(domain.JobSummary{
				JobID: "j", Status: domain.JobStatusRunning, StartedAt: &started, Failed: 2,
			}, at)
			So(ok, ShouldBeTrue)
			So(transition.To, ShouldEqual, domain.JobStatusFailed)
			So(transition.StartedAt, ShouldBeNil)
			So(*transition.FinishedAt, ShouldEqual, at)
			So(transition.ErrorMessage, ShouldEqual, "all 2 tasks failed")
		})
	})
}

func TestAggregatorReconcile(t *testing.T) {
	Convey("Given a store with claimed tasks", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryTaskStore()
		aggregator := NewAggregator(store, zerolog.Nop())

		Convey("a job with two successes and one failure ends DONE", func() {
			tasks := seedJob(store, "job-mixed", 3)
			_, err := store.ClaimPending(ctx, 10, 10)
			So(err, ShouldBeNil)

			applied, err := aggregator.Reconcile(ctx)
			So(err, ShouldBeNil)
			So(applied, ShouldEqual, 1)
			job := loadJob(store, "job-mixed")
			So(job.Status, ShouldEqual, domain.JobStatusRunning)
			So(job.StartedAt, ShouldNotBeNil)

			So(store.CompleteTask(ctx, tasks[0].ID, json.RawMessage(`{"ok":1}`)), ShouldBeNil)
			So(store.CompleteTask(ctx, tasks[1].ID, json.RawMessage(`{"ok":2}`)), ShouldBeNil)
			So(store.FailTask(ctx, tasks[2].ID, "provider rejected input"), ShouldBeNil)

			applied, err = aggregator.Reconcile(ctx)
			So(err, ShouldBeNil)
			So(applied, ShouldEqual, 1)
			job = loadJob(store, "job-mixed")
			So(job.Status, ShouldEqual, domain.JobStatusDone)
			So(job.FinishedAt, ShouldNotBeNil)
			So(job.ErrorMessage, ShouldBeEmpty)

			Convey("and reconciling again changes nothing", func() {
				applied, err := aggregator.Reconcile(ctx)
				So(err, ShouldBeNil)
				So(applied, ShouldEqual, 0)
				So(loadJob(store, "job-mixed").Status, ShouldEqual, domain.JobStatusDone)
			})
		})

		Convey("a job whose tasks all failed ends FAILED", func() {
			tasks := seedJob(store, "job-failed", 2)
			_, err := store.ClaimPending(ctx, 10, 10)
			So(err, ShouldBeNil)
			for _, task := range tasks {
				So(store.FailTask(ctx, task.ID, "timeout"), ShouldBeNil)
			}

			_, err = aggregator.Reconcile(ctx)
			So(err, ShouldBeNil)
			job := loadJob(store, "job-failed")
			So(job.Status, ShouldEqual, domain.JobStatusFailed)
			So(job.ErrorMessage, ShouldEqual, "all 2 tasks failed")
			So(job.StartedAt, ShouldNotBeNil)
		})

		Convey("a job with no tasks is left PENDING", func() {
			seedJob(store, "job-empty", 0)
			applied, err := aggregator.Reconcile(ctx)
			So(err, ShouldBeNil)
			So(applied, ShouldEqual, 0)
			So(loadJob(store, "job-empty").Status, ShouldEqual, domain.JobStatusPending)
		})

		Convey("a canceled job is never touched", func() {
			tasks := seedJob(store, "job-canceled", 1)
			_, err := store.ClaimPending(ctx, 10, 10)
			So(err, ShouldBeNil)
			So(store.CancelJob(ctx, "job-canceled", time.Now().UTC()), ShouldBeNil)
			So(store.CompleteTask(ctx, tasks[0].ID, json.RawMessage(`{}`)), ShouldBeNil)

			applied, err := aggregator.Reconcile(ctx)
			So(err, ShouldBeNil)
			So(applied, ShouldEqual, 0)
			So(loadJob(store, "job-canceled").Status, ShouldEqual, domain.JobStatusCanceled)
		})
	})
}
