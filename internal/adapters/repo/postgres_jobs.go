package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

const jobColumns = `id, agent_id, tg_user_id, parent_job_id, type, status, status_changed_at, status_error, metadata, COALESCE(data,''), created_at, updated_at, deleted_at`

func scanJob(row pgRow) (domain.AgentJob, error) {
	var (
		j        domain.AgentJob
		jobType  string
		status   string
		errJSON  []byte
		metaJSON []byte
	)
	err := row.Scan(&j.ID, &j.AgentID, &j.TGUserID, &j.ParentJobID, &jobType, &status, &j.StatusChangedAt, &errJSON, &metaJSON, &j.Data, &j.CreatedAt, &j.UpdatedAt, &j.DeletedAt)
	if err != nil {
		return domain.AgentJob{}, err
	}
	j.Type = domain.AgentJobType(jobType)
	j.Status = domain.AgentJobStatus(status)
	if len(errJSON) > 0 {
		var statusErr domain.StatusError
		if err := json.Unmarshal(errJSON, &statusErr); err != nil {
			return domain.AgentJob{}, fmt.Errorf("status_error: %w", err)
		}
		j.StatusError = &statusErr
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &j.Metadata); err != nil {
			return domain.AgentJob{}, fmt.Errorf("metadata: %w", err)
		}
	}
	return j, nil
}

// Jobs реализует domain.AgentJobRepo.
type Jobs struct{ *Postgres }

var _ domain.AgentJobRepo = (*Jobs)(nil)

// Create сохраняет новую задачу.
func (r *Jobs) Create(ctx context.Context, job domain.AgentJob) (domain.AgentJob, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return domain.AgentJob{}, err
	}

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
INSERT INTO agent_jobs (id, agent_id, tg_user_id, parent_job_id, type, status, status_changed_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
RETURNING `+jobColumns+`
`, job.ID, job.AgentID, job.TGUserID, job.ParentJobID, string(job.Type), string(job.Status), metaJSON)
	created, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "agent_jobs_insert", "agent_jobs", start, err)
	return created, err
}

// GetByID возвращает задачу.
func (r *Jobs) GetByID(ctx context.Context, id uuid.UUID) (domain.AgentJob, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM agent_jobs WHERE id=$1 AND deleted_at IS NULL
`, id)
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "agent_jobs_get", "agent_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AgentJob{}, fmt.Errorf("задача %s: %w", id, domain.ErrNotFound)
	}
	return job, err
}

// ListByAgent возвращает задачи агента, новые первыми.
func (r *Jobs) ListByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]domain.AgentJob, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+` FROM agent_jobs
WHERE agent_id=$1 AND deleted_at IS NULL
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, agentID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "agent_jobs_list", "agent_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.AgentJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkInProgress — условный переход из initial. Ноль затронутых строк
// означает, что задачу уже захватил другой воркер.
func (r *Jobs) MarkInProgress(ctx context.Context, id uuid.UUID) (domain.AgentJob, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
UPDATE agent_jobs
SET status=$2, status_changed_at=now(), updated_at=now()
WHERE id=$1 AND status=$3 AND deleted_at IS NULL
RETURNING `+jobColumns+`
`, id, string(domain.AgentJobStatusInProgress), string(domain.AgentJobStatusInitial))
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "agent_jobs_mark_in_progress", "agent_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AgentJob{}, fmt.Errorf("задача %s: %w", id, domain.ErrJobAlreadyClaimed)
	}
	return job, err
}

// Complete — условный переход из in_progress с записью результата.
func (r *Jobs) Complete(ctx context.Context, id uuid.UUID, data string) (domain.AgentJob, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
UPDATE agent_jobs
SET status=$2, status_changed_at=now(), data=$3, updated_at=now()
WHERE id=$1 AND status=$4 AND deleted_at IS NULL
RETURNING `+jobColumns+`
`, id, string(domain.AgentJobStatusCompleted), data, string(domain.AgentJobStatusInProgress))
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "agent_jobs_complete", "agent_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AgentJob{}, fmt.Errorf("задача %s не в in_progress: %w", id, domain.ErrNotFound)
	}
	return job, err
}

// Fail записывает структурированную ошибку и помечает задачу failed.
func (r *Jobs) Fail(ctx context.Context, id uuid.UUID, statusErr domain.StatusError) (domain.AgentJob, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	errJSON, err := json.Marshal(statusErr)
	if err != nil {
		return domain.AgentJob{}, err
	}

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
UPDATE agent_jobs
SET status=$2, status_changed_at=now(), status_error=$3, updated_at=now()
WHERE id=$1 AND status IN ($4, $5) AND deleted_at IS NULL
RETURNING `+jobColumns+`
`, id, string(domain.AgentJobStatusFailed), errJSON, string(domain.AgentJobStatusInitial), string(domain.AgentJobStatusInProgress))
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "agent_jobs_fail", "agent_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AgentJob{}, fmt.Errorf("задача %s: %w", id, domain.ErrNotFound)
	}
	return job, err
}
