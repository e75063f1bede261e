package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/openai"
)

// profileLearnPrompt просит модель обновить скользящую сводку канала
// с учётом только что опубликованного поста.
const profileLearnPrompt = `Ниже сводка по опубликованным постам Telegram-канала и новый опубликованный пост. Обнови сводку так, чтобы она отражала и новый пост: тематика, стиль, типичные форматы. Ответь только текстом обновлённой сводки, не длиннее 1000 символов.

Текущая сводка:
%s

Новый пост:
%s`

// chatClient — минимальный срез клиента OpenAI для дообучения профиля.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Service подтверждает публикацию доработанного поста в канал.
type Service struct {
	jobs     domain.AgentJobRepo
	agents   domain.AgentRepo
	userBots domain.UserBotRepo
	bots     domain.BotClientFactory
	platform domain.BotClient
	llm      chatClient
	model    string
	log      zerolog.Logger
}

// NewService создаёт сервис публикации. platform — клиент платформенного бота:
// file_id фото пересланного поста выдан именно ему, и только он может
// обменять его на ссылку.
func NewService(jobs domain.AgentJobRepo, agents domain.AgentRepo, userBots domain.UserBotRepo, bots domain.BotClientFactory, platform domain.BotClient, llm chatClient, model string, log zerolog.Logger) *Service {
	return &Service{jobs: jobs, agents: agents, userBots: userBots, bots: bots, platform: platform, llm: llm, model: model, log: log}
}

// Confirm публикует пост задачи в канал агента. Вызывается по кнопке
// «Опубликовать»: заново проверяет владельца, тип и статус задачи, затем
// отправляет пост через привязанного бота. После успешной публикации
// неблокирующе запускается дообучение сводки канала.
func (s *Service) Confirm(ctx context.Context, tgUserID int64, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TGUserID != tgUserID {
		return fmt.Errorf("задача %s: %w", jobID, domain.ErrNotFound)
	}
	if job.Type != domain.AgentJobTypePostUpdate {
		return domain.NewAppError("публиковать можно только доработанные посты")
	}
	if job.Status != domain.AgentJobStatusCompleted {
		return domain.NewAppError("задача ещё не завершена")
	}

	agent, err := s.agents.GetByID(ctx, job.AgentID)
	if err != nil {
		return fmt.Errorf("агент задачи: %w", err)
	}
	if !agent.BotConnected() {
		return domain.NewAppError("к агенту не привязан бот")
	}
	userBot, err := s.userBots.GetByID(ctx, *agent.UserBotID)
	if err != nil {
		return fmt.Errorf("бот агента: %w", err)
	}
	client, err := s.bots.Client(userBot.APIToken)
	if err != nil {
		return fmt.Errorf("клиент бота: %w", err)
	}

	// пустой результат означает публикацию исходного поста как есть
	text := job.Data
	if text == "" {
		text = job.Metadata.OriginalMessage
	}

	if job.Metadata.PhotoFileID != "" {
		// file_id привязан к боту, который принял пересылку: ссылку даёт
		// платформенный бот, публикует бот агента.
		photoURL, err := s.platform.FileURL(ctx, job.Metadata.PhotoFileID)
		if err != nil {
			return fmt.Errorf("ссылка на фото: %w", err)
		}
		if err := client.SendPhoto(ctx, agent.ChannelID, photoURL, text); err != nil {
			return fmt.Errorf("публикация с фото: %w", err)
		}
	} else {
		if err := client.SendMessage(ctx, agent.ChannelID, text); err != nil {
			return fmt.Errorf("публикация: %w", err)
		}
	}

	s.log.Info().
		Str("job_id", jobID.String()).
		Str("agent_id", agent.ID.String()).
		Int64("channel_id", agent.ChannelID).
		Msg("publish: пост опубликован")

	go s.learnProfile(agent, text)
	return nil
}

// learnProfile дообучает скользящую сводку канала на опубликованном посте.
// Ошибки не всплывают к пользователю, только в лог.
func (s *Service) learnProfile(agent domain.Agent, publishedText string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	summary := agent.ProfileGenerated
	if summary == "" {
		summary = "(сводки ещё нет)"
	}
	resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleUser, Content: fmt.Sprintf(profileLearnPrompt, summary, publishedText)},
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("agent_id", agent.ID.String()).Msg("publish: дообучение сводки не удалось")
		return
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		s.log.Warn().Str("agent_id", agent.ID.String()).Msg("publish: модель вернула пустую сводку")
		return
	}
	if err := s.agents.SetProfileGenerated(ctx, agent.ID, resp.Choices[0].Message.Content); err != nil {
		s.log.Warn().Err(err).Str("agent_id", agent.ID.String()).Msg("publish: не удалось сохранить сводку")
	}
}
