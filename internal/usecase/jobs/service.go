package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// Service создаёт задачи агентов и ведёт их статусы.
type Service struct {
	jobs       domain.AgentJobRepo
	agents     domain.AgentRepo
	queue      domain.AgentJobQueue
	staleAfter time.Duration
	log        zerolog.Logger
}

// NewService создаёт сервис задач. staleAfter ограничивает время жизни
// задачи в in_progress.
func NewService(jobs domain.AgentJobRepo, agents domain.AgentRepo, queue domain.AgentJobQueue, staleAfter time.Duration, log zerolog.Logger) *Service {
	return &Service{jobs: jobs, agents: agents, queue: queue, staleAfter: staleAfter, log: log}
}

// Create валидирует метаданные под тип задачи, сохраняет её и ставит в
// очередь. Задачи создаются только для активных агентов владельцем агента.
func (s *Service) Create(ctx context.Context, tgUserID int64, agentID uuid.UUID, jobType domain.AgentJobType, meta domain.AgentJobMetadata) (domain.AgentJob, error) {
	if err := validateMetadata(jobType, meta); err != nil {
		return domain.AgentJob{}, err
	}

	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return domain.AgentJob{}, err
	}
	if agent.TGUserID != tgUserID {
		return domain.AgentJob{}, fmt.Errorf("агент %s: %w", agentID, domain.ErrNotFound)
	}
	if agent.Status != domain.AgentStatusActive {
		return domain.AgentJob{}, &domain.InvalidStateTransitionError{
			Entity: "agent",
			From:   string(agent.Status),
			To:     string(domain.AgentStatusActive),
		}
	}

	job, err := s.jobs.Create(ctx, domain.AgentJob{
		ID:       uuid.New(),
		AgentID:  agentID,
		TGUserID: tgUserID,
		Type:     jobType,
		Status:   domain.AgentJobStatusInitial,
		Metadata: meta,
	})
	if err != nil {
		return domain.AgentJob{}, fmt.Errorf("создание задачи: %w", err)
	}

	msg := domain.AgentJobMessage{
		JobID:      job.ID,
		Type:       job.Type,
		FromChatID: meta.FromChatID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		// задача остаётся в initial, её можно переотправить
		failErr := fmt.Errorf("постановка в очередь: %w", err)
		if _, ferr := s.jobs.Fail(ctx, job.ID, domain.StatusError{Message: failErr.Error()}); ferr != nil {
			s.log.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("jobs: не удалось пометить задачу ошибкой")
		}
		return domain.AgentJob{}, failErr
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(job.Type)).Inc()
	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("type", string(job.Type)).
		Str("agent_id", agentID.String()).
		Msg("jobs: задача поставлена в очередь")
	return job, nil
}

// Get возвращает задачу её владельцу; чужая задача — ErrNotFound.
func (s *Service) Get(ctx context.Context, tgUserID int64, jobID uuid.UUID) (domain.AgentJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.AgentJob{}, err
	}
	if job.TGUserID != tgUserID {
		return domain.AgentJob{}, fmt.Errorf("задача %s: %w", jobID, domain.ErrNotFound)
	}
	return job, nil
}

// ListByAgent возвращает задачи агента владельцу.
func (s *Service) ListByAgent(ctx context.Context, tgUserID int64, agentID uuid.UUID, limit, offset int) ([]domain.AgentJob, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.TGUserID != tgUserID {
		return nil, fmt.Errorf("агент %s: %w", agentID, domain.ErrNotFound)
	}
	return s.jobs.ListByAgent(ctx, agentID, limit, offset)
}

// GetInternal возвращает задачу без проверки владельца. Для вызовов воркера.
func (s *Service) GetInternal(ctx context.Context, jobID uuid.UUID) (domain.AgentJob, error) {
	return s.jobs.GetByID(ctx, jobID)
}

// Claim переводит задачу в in_progress от имени воркера.
//
// Задача, зависшая в in_progress дольше staleAfter, считается брошенной:
// она помечается failed и возвращается ErrJobStale. Конкурентный захват
// отдаёт ErrJobAlreadyClaimed ровно одному проигравшему.
func (s *Service) Claim(ctx context.Context, jobID uuid.UUID) (domain.AgentJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.AgentJob{}, err
	}

	switch job.Status {
	case domain.AgentJobStatusInitial:
		claimed, err := s.jobs.MarkInProgress(ctx, jobID)
		if err != nil {
			return domain.AgentJob{}, err
		}
		return claimed, nil
	case domain.AgentJobStatusInProgress:
		if time.Since(job.StatusChangedAt) > s.staleAfter {
			statusErr := domain.StatusError{Message: domain.ErrJobStale.Error()}
			if _, ferr := s.jobs.Fail(ctx, jobID, statusErr); ferr != nil {
				s.log.Error().Err(ferr).Str("job_id", jobID.String()).Msg("jobs: не удалось пометить зависшую задачу")
			}
			return domain.AgentJob{}, fmt.Errorf("задача %s: %w", jobID, domain.ErrJobStale)
		}
		return domain.AgentJob{}, fmt.Errorf("задача %s: %w", jobID, domain.ErrJobAlreadyClaimed)
	default:
		return domain.AgentJob{}, fmt.Errorf("задача %s в статусе %s: %w", jobID, job.Status, domain.ErrJobAlreadyClaimed)
	}
}

// Complete фиксирует результат задачи.
func (s *Service) Complete(ctx context.Context, jobID uuid.UUID, data string) (domain.AgentJob, error) {
	return s.jobs.Complete(ctx, jobID, data)
}

// Fail фиксирует ошибку задачи.
func (s *Service) Fail(ctx context.Context, jobID uuid.UUID, err error) (domain.AgentJob, error) {
	statusErr := domain.StatusError{Message: err.Error()}
	if code, ok := domain.AppErrorCode(err); ok {
		statusErr.Code = code
	}
	return s.jobs.Fail(ctx, jobID, statusErr)
}

func validateMetadata(jobType domain.AgentJobType, meta domain.AgentJobMetadata) error {
	switch jobType {
	case domain.AgentJobTypePostGeneration:
		if meta.UserPrompt == "" {
			return &domain.ValidationError{Field: "user_prompt", Reason: "обязательно для post_generation"}
		}
	case domain.AgentJobTypePostUpdate:
		if meta.OriginalMessage == "" {
			return &domain.ValidationError{Field: "original_message", Reason: "обязательно для post_update"}
		}
		if meta.UserPrompt == "" {
			return &domain.ValidationError{Field: "user_prompt", Reason: "обязательно для post_update"}
		}
	default:
		return &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("тип %s не поддерживается", jobType)}
	}
	if meta.FromChatID == 0 {
		return &domain.ValidationError{Field: "from_chat_id", Reason: "не задан"}
	}
	return nil
}
