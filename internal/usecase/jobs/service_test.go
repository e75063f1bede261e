package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
)

type stubJobRepo struct {
	jobs map[uuid.UUID]domain.AgentJob
}

func newStubJobRepo(jobs ...domain.AgentJob) *stubJobRepo {
	repo := &stubJobRepo{jobs: make(map[uuid.UUID]domain.AgentJob)}
	for _, job := range jobs {
		repo.jobs[job.ID] = job
	}
	return repo
}

func (s *stubJobRepo) Create(_ context.Context, job domain.AgentJob) (domain.AgentJob, error) {
	job.StatusChangedAt = time.Now()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *stubJobRepo) GetByID(_ context.Context, id uuid.UUID) (domain.AgentJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.AgentJob{}, domain.ErrNotFound
	}
	return job, nil
}

func (s *stubJobRepo) ListByAgent(_ context.Context, agentID uuid.UUID, _, _ int) ([]domain.AgentJob, error) {
	var out []domain.AgentJob
	for _, job := range s.jobs {
		if job.AgentID == agentID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *stubJobRepo) MarkInProgress(_ context.Context, id uuid.UUID) (domain.AgentJob, error) {
	job, ok := s.jobs[id]
	if !ok || job.Status != domain.AgentJobStatusInitial {
		return domain.AgentJob{}, domain.ErrJobAlreadyClaimed
	}
	job.Status = domain.AgentJobStatusInProgress
	job.StatusChangedAt = time.Now()
	s.jobs[id] = job
	return job, nil
}

func (s *stubJobRepo) Complete(_ context.Context, id uuid.UUID, data string) (domain.AgentJob, error) {
	job, ok := s.jobs[id]
	if !ok || job.Status != domain.AgentJobStatusInProgress {
		return domain.AgentJob{}, domain.ErrNotFound
	}
	job.Status = domain.AgentJobStatusCompleted
	job.Data = data
	s.jobs[id] = job
	return job, nil
}

func (s *stubJobRepo) Fail(_ context.Context, id uuid.UUID, statusErr domain.StatusError) (domain.AgentJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.AgentJob{}, domain.ErrNotFound
	}
	job.Status = domain.AgentJobStatusFailed
	job.StatusError = &statusErr
	s.jobs[id] = job
	return job, nil
}

type stubAgentGetter struct {
	agent domain.Agent
}

func (s *stubAgentGetter) Create(_ context.Context, a domain.Agent) (domain.Agent, error) {
	return a, nil
}
func (s *stubAgentGetter) GetByID(context.Context, uuid.UUID) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentGetter) GetForChannel(context.Context, int64, int64) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentGetter) ListByUser(context.Context, int64) ([]domain.Agent, error) { return nil, nil }
func (s *stubAgentGetter) UpdateStatus(context.Context, uuid.UUID, domain.AgentStatus, ...domain.AgentStatus) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentGetter) AttachBot(context.Context, uuid.UUID, uuid.UUID) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentGetter) SaveChannelState(context.Context, uuid.UUID, domain.ChannelMetadata, domain.BotPermissions) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentGetter) UpdateProfile(context.Context, uuid.UUID, domain.ChannelProfile) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentGetter) SetProfileGenerated(context.Context, uuid.UUID, string) error { return nil }
func (s *stubAgentGetter) SaveStatusError(context.Context, uuid.UUID, domain.StatusError) error {
	return nil
}
func (s *stubAgentGetter) SoftDelete(context.Context, uuid.UUID) error { return nil }

type stubQueue struct {
	messages []domain.AgentJobMessage
	err      error
}

func (s *stubQueue) Enqueue(_ context.Context, msg domain.AgentJobMessage) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubQueue) Receive(context.Context) (domain.AgentJobMessage, domain.AckFunc, error) {
	return domain.AgentJobMessage{}, nil, errors.New("не используется")
}

func activeAgent() domain.Agent {
	return domain.Agent{ID: uuid.New(), TGUserID: 42, Status: domain.AgentStatusActive}
}

func TestCreateValidatesMetadata(t *testing.T) {
	agent := activeAgent()
	service := NewService(newStubJobRepo(), &stubAgentGetter{agent: agent}, &stubQueue{}, 30*time.Minute, zerolog.Nop())

	var validation *domain.ValidationError

	_, err := service.Create(context.Background(), 42, agent.ID, domain.AgentJobTypePostGeneration, domain.AgentJobMetadata{FromChatID: 42})
	if !errors.As(err, &validation) {
		t.Fatalf("ожидали ошибку валидации для пустого промпта, получили %v", err)
	}

	_, err = service.Create(context.Background(), 42, agent.ID, domain.AgentJobTypePostUpdate, domain.AgentJobMetadata{UserPrompt: "короче", FromChatID: 42})
	if !errors.As(err, &validation) {
		t.Fatalf("ожидали ошибку валидации без исходного поста, получили %v", err)
	}

	_, err = service.Create(context.Background(), 42, agent.ID, domain.AgentJobTypeContentDiscovery, domain.AgentJobMetadata{UserPrompt: "x", FromChatID: 42})
	if !errors.As(err, &validation) {
		t.Fatalf("ожидали отказ для неподдерживаемого типа, получили %v", err)
	}
}

func TestCreateRequiresActiveAgent(t *testing.T) {
	agent := domain.Agent{ID: uuid.New(), TGUserID: 42, Status: domain.AgentStatusDisabled}
	service := NewService(newStubJobRepo(), &stubAgentGetter{agent: agent}, &stubQueue{}, 30*time.Minute, zerolog.Nop())

	var transition *domain.InvalidStateTransitionError
	_, err := service.Create(context.Background(), 42, agent.ID, domain.AgentJobTypePostGeneration, domain.AgentJobMetadata{UserPrompt: "пост", FromChatID: 42})
	if !errors.As(err, &transition) {
		t.Fatalf("ожидали ошибку перехода, получили %v", err)
	}
}

func TestCreateForeignAgentHidden(t *testing.T) {
	agent := activeAgent()
	service := NewService(newStubJobRepo(), &stubAgentGetter{agent: agent}, &stubQueue{}, 30*time.Minute, zerolog.Nop())

	_, err := service.Create(context.Background(), 99, agent.ID, domain.AgentJobTypePostGeneration, domain.AgentJobMetadata{UserPrompt: "пост", FromChatID: 99})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("чужой агент должен выглядеть несуществующим, получили %v", err)
	}
}

func TestCreateEnqueuesMessage(t *testing.T) {
	agent := activeAgent()
	repo := newStubJobRepo()
	q := &stubQueue{}
	service := NewService(repo, &stubAgentGetter{agent: agent}, q, 30*time.Minute, zerolog.Nop())

	job, err := service.Create(context.Background(), 42, agent.ID, domain.AgentJobTypePostGeneration, domain.AgentJobMetadata{UserPrompt: "пост про go", FromChatID: 42})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if job.Status != domain.AgentJobStatusInitial {
		t.Fatalf("ожидали initial, получили %s", job.Status)
	}
	if len(q.messages) != 1 || q.messages[0].JobID != job.ID {
		t.Fatalf("ожидали сообщение очереди с идентификатором задачи")
	}
}

func TestCreateEnqueueFailureMarksJobFailed(t *testing.T) {
	agent := activeAgent()
	repo := newStubJobRepo()
	q := &stubQueue{err: errors.New("брокер недоступен")}
	service := NewService(repo, &stubAgentGetter{agent: agent}, q, 30*time.Minute, zerolog.Nop())

	_, err := service.Create(context.Background(), 42, agent.ID, domain.AgentJobTypePostGeneration, domain.AgentJobMetadata{UserPrompt: "пост", FromChatID: 42})
	if err == nil {
		t.Fatalf("ожидали ошибку постановки в очередь")
	}
	for _, job := range repo.jobs {
		if job.Status != domain.AgentJobStatusFailed {
			t.Fatalf("задача должна быть помечена failed, получили %s", job.Status)
		}
	}
}

func TestClaimTransitions(t *testing.T) {
	job := domain.AgentJob{
		ID:              uuid.New(),
		Status:          domain.AgentJobStatusInitial,
		StatusChangedAt: time.Now(),
	}
	repo := newStubJobRepo(job)
	service := NewService(repo, &stubAgentGetter{}, &stubQueue{}, 30*time.Minute, zerolog.Nop())

	claimed, err := service.Claim(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if claimed.Status != domain.AgentJobStatusInProgress {
		t.Fatalf("ожидали in_progress, получили %s", claimed.Status)
	}

	if _, err := service.Claim(context.Background(), job.ID); !errors.Is(err, domain.ErrJobAlreadyClaimed) {
		t.Fatalf("повторный захват должен вернуть ErrJobAlreadyClaimed, получили %v", err)
	}
}

func TestClaimStaleJobFails(t *testing.T) {
	job := domain.AgentJob{
		ID:              uuid.New(),
		Status:          domain.AgentJobStatusInProgress,
		StatusChangedAt: time.Now().Add(-time.Hour),
	}
	repo := newStubJobRepo(job)
	service := NewService(repo, &stubAgentGetter{}, &stubQueue{}, 30*time.Minute, zerolog.Nop())

	if _, err := service.Claim(context.Background(), job.ID); !errors.Is(err, domain.ErrJobStale) {
		t.Fatalf("ожидали ErrJobStale, получили %v", err)
	}
	saved, _ := repo.GetByID(context.Background(), job.ID)
	if saved.Status != domain.AgentJobStatusFailed {
		t.Fatalf("зависшая задача должна стать failed, получили %s", saved.Status)
	}
}

func TestClaimCompletedJobRejected(t *testing.T) {
	job := domain.AgentJob{
		ID:              uuid.New(),
		Status:          domain.AgentJobStatusCompleted,
		StatusChangedAt: time.Now(),
	}
	repo := newStubJobRepo(job)
	service := NewService(repo, &stubAgentGetter{}, &stubQueue{}, 30*time.Minute, zerolog.Nop())

	if _, err := service.Claim(context.Background(), job.ID); !errors.Is(err, domain.ErrJobAlreadyClaimed) {
		t.Fatalf("ожидали ErrJobAlreadyClaimed, получили %v", err)
	}
}

func TestFailRecordsAppErrorCode(t *testing.T) {
	job := domain.AgentJob{ID: uuid.New(), Status: domain.AgentJobStatusInProgress, StatusChangedAt: time.Now()}
	repo := newStubJobRepo(job)
	service := NewService(repo, &stubAgentGetter{}, &stubQueue{}, 30*time.Minute, zerolog.Nop())

	cause := domain.NewAppErrorCode("сообщение слишком длинное", domain.CodeMessageTooLongForImage)
	failed, err := service.Fail(context.Background(), job.ID, cause)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if failed.StatusError == nil || failed.StatusError.Code != domain.CodeMessageTooLongForImage {
		t.Fatalf("ожидали код ошибки в статусе задачи")
	}
}
