package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/repository/schema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// claimQuery ranks pending tasks per tenant, keeps rank <= $2, orders by id,
// limits to $1 and locks the rows with SKIP LOCKED before flipping them to
// RUNNING. Rows locked by another claimer are left for the next call.
const claimQuery = `
	WITH ranked AS (
		SELECT t.id,
			ROW_NUMBER() OVER (PARTITION BY t.tenant_id ORDER BY t.created_at, t.id) AS tenant_rank
		FROM tasks t
		JOIN jobs j ON j.id = t.job_id
		WHERE t.status = 'PENDING'
			AND j.status <> 'CANCELED'
	),
	candidates AS (
		SELECT t.id
		FROM tasks t
		JOIN ranked r ON r.id = t.id
		WHERE r.tenant_rank <= $2
			AND t.status = 'PENDING'
		ORDER BY t.id
		LIMIT $1
		FOR UPDATE OF t SKIP LOCKED
	)
	UPDATE tasks
	SET status = 'RUNNING',
		updated_at = $3
	FROM candidates c
	WHERE tasks.id = c.id
	RETURNING tasks.id, tasks.job_id, tasks.tenant_id, tasks.kind, tasks.status, tasks.input,
		tasks.result, tasks.error_message, tasks.external_handle, tasks.submitted_at,
		tasks.created_at, tasks.updated_at
`

const taskColumns = `id, job_id, tenant_id, kind, status, input, result, error_message, external_handle, submitted_at, created_at, updated_at`

type PostgresTaskStore struct {
	pool *pgxpool.Pool
}

func NewPostgresTaskStore(ctx context.Context, databaseURL string) (*PostgresTaskStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	store := &PostgresTaskStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (r *PostgresTaskStore) Close() {
	r.pool.Close()
}

func (r *PostgresTaskStore) ensureSchema(ctx context.Context) error {
	entries, err := fs.ReadDir(schema.Files, ".")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		statements, err := schema.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", name, err)
		}
		if _, err := r.pool.Exec(ctx, string(statements)); err != nil {
			return fmt.Errorf("apply schema %s: %w", name, err)
		}
	}
	return nil
}

func (r *PostgresTaskStore) CreateJob(ctx context.Context, job *domain.Job, tasks []domain.Task) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, status, error_message, created_at, started_at, finished_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		job.ID,
		job.TenantID,
		string(job.Status),
		job.ErrorMessage,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	batch := &pgx.Batch{}
	for _, task := range tasks {
		batch.Queue(`
			INSERT INTO tasks (id, job_id, tenant_id, kind, status, input, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			task.ID,
			task.JobID,
			task.TenantID,
			string(task.Kind),
			string(task.Status),
			[]byte(task.Input),
			task.CreatedAt,
			task.UpdatedAt,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range tasks {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert task: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close task batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (r *PostgresTaskStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, status, error_message, created_at, started_at, finished_at, updated_at
		FROM jobs
		WHERE id = $1
	`, jobID).Scan(
		&job.ID,
		&job.TenantID,
		&status,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func (r *PostgresTaskStore) ListTasksByJob(ctx context.Context, jobID string) ([]domain.Task, error) {
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *PostgresTaskStore) CancelJob(ctx context.Context, jobID string, at time.Time) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'CANCELED',
			finished_at = $2,
			updated_at = $2
		WHERE id = $1
			AND status IN ('PENDING', 'RUNNING')
	`, jobID, at)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if command.RowsAffected() == 0 {
		if _, err := r.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresTaskStore) ClaimPending(ctx context.Context, maxTotal, maxPerTenant int) ([]domain.Task, error) {
	if maxTotal <= 0 || maxPerTenant <= 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, claimQuery, maxTotal, maxPerTenant, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING carries no ordering guarantee.
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (r *PostgresTaskStore) RecordHandle(ctx context.Context, taskID, handle string, submittedAt time.Time) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET external_handle = $2,
			submitted_at = $3,
			updated_at = $4
		WHERE id = $1
			AND status = 'RUNNING'
	`, taskID, handle, submittedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record handle: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.transitionError(ctx, taskID)
	}
	return nil
}

func (r *PostgresTaskStore) MarkProcessing(ctx context.Context, taskID string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'PROCESSING',
			updated_at = $2
		WHERE id = $1
			AND status = 'RUNNING'
	`, taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.transitionError(ctx, taskID)
	}
	return nil
}

func (r *PostgresTaskStore) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error {
	var payload []byte
	if len(result) > 0 {
		payload = result
	}
	command, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'DONE',
			result = $2,
			error_message = '',
			updated_at = $3
		WHERE id = $1
			AND status IN ('RUNNING', 'PROCESSING')
	`, taskID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.transitionError(ctx, taskID)
	}
	return nil
}

func (r *PostgresTaskStore) FailTask(ctx context.Context, taskID, message string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'FAILED',
			error_message = $2,
			updated_at = $3
		WHERE id = $1
			AND status IN ('RUNNING', 'PROCESSING')
	`, taskID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.transitionError(ctx, taskID)
	}
	return nil
}

func (r *PostgresTaskStore) ListInFlight(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ('RUNNING', 'PROCESSING')
			AND external_handle <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list in-flight tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *PostgresTaskStore) ListActiveJobSummaries(ctx context.Context) ([]domain.JobSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT j.id, j.status, j.started_at,
			COUNT(t.id) FILTER (WHERE t.status = 'PENDING'),
			COUNT(t.id) FILTER (WHERE t.status = 'RUNNING'),
			COUNT(t.id) FILTER (WHERE t.status = 'PROCESSING'),
			COUNT(t.id) FILTER (WHERE t.status = 'DONE'),
			COUNT(t.id) FILTER (WHERE t.status = 'FAILED')
		FROM jobs j
		LEFT JOIN tasks t ON t.job_id = j.id
		WHERE j.status IN ('PENDING', 'RUNNING')
		GROUP BY j.id, j.status, j.started_at
		ORDER BY j.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list job summaries: %w", err)
	}
	defer rows.Close()

	items := make([]domain.JobSummary, 0)
	for rows.Next() {
		var (
			item   domain.JobSummary
			status string
		)
		if err := rows.Scan(
			&item.JobID,
			&status,
			&item.StartedAt,
			&item.Pending,
			&item.Running,
			&item.Processing,
			&item.Done,
			&item.Failed,
		); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		item.Status = domain.JobStatus(status)
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate job summaries: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresTaskStore) TransitionJob(ctx context.Context, transition domain.JobTransition) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3,
			error_message = $4,
			started_at = COALESCE(started_at, $5),
			finished_at = COALESCE($6, finished_at),
			updated_at = $7
		WHERE id = $1
			AND status = $2
	`,
		transition.JobID,
		string(transition.From),
		string(transition.To),
		transition.ErrorMessage,
		transition.StartedAt,
		transition.FinishedAt,
		transition.At,
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if command.RowsAffected() == 0 {
		if _, err := r.GetJob(ctx, transition.JobID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresTaskStore) transitionError(ctx context.Context, taskID string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("query task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, status)
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()

	items := make([]domain.Task, 0)
	for rows.Next() {
		var (
			task   domain.Task
			kind   string
			status string
			input  []byte
			result []byte
		)
		if err := rows.Scan(
			&task.ID,
			&task.JobID,
			&task.TenantID,
			&kind,
			&status,
			&input,
			&result,
			&task.ErrorMessage,
			&task.ExternalHandle,
			&task.SubmittedAt,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Kind = domain.TaskKind(kind)
		task.Status = domain.TaskStatus(status)
		task.Input = json.RawMessage(input)
		task.Result = json.RawMessage(result)
		items = append(items, task)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate tasks: %w", rows.Err())
	}
	return items, nil
}
