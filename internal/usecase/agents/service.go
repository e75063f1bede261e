package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

var (
	// ErrHandleInvalid — некорректный хендл канала.
	ErrHandleInvalid = errors.New("некорректный хендл канала")
	// ErrProfileIncomplete — активация невозможна без заполненного профиля.
	ErrProfileIncomplete = errors.New("сначала заполните профиль канала")
	// ErrBotTokenInvalid — токен не прошёл проверку через Bot API.
	ErrBotTokenInvalid = errors.New("недействительный токен бота")
)

var handleRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{5,32})$`)

// повторные проверки доступа в течение этого окна не дёргают Bot API
const checkThrottleTTL = 15 * time.Second

// ParseHandle приводит ввод пользователя к каноничному хендлу канала.
func ParseHandle(input string) (string, error) {
	trim := strings.TrimSpace(input)
	matches := handleRegex.FindStringSubmatch(trim)
	if len(matches) < 2 {
		return "", ErrHandleInvalid
	}
	return strings.ToLower(matches[1]), nil
}

// Service владеет жизненным циклом агентов.
type Service struct {
	agents   domain.AgentRepo
	userBots domain.UserBotRepo
	resolver domain.ChannelResolver
	bots     domain.BotClientFactory
	// cache троттлит повторные проверки доступа; nil выключает троттлинг.
	cache domain.Cache
	log   zerolog.Logger
}

// NewService создаёт сервис агентов.
func NewService(agents domain.AgentRepo, userBots domain.UserBotRepo, resolver domain.ChannelResolver, bots domain.BotClientFactory, cache domain.Cache, log zerolog.Logger) *Service {
	return &Service{agents: agents, userBots: userBots, resolver: resolver, bots: bots, cache: cache, log: log}
}

// Create регистрирует канал пользователя и создаёт агента в статусе
// waiting_bot_attach. Повторная регистрация того же канала возвращает
// существующего агента.
func (s *Service) Create(ctx context.Context, tgUserID int64, channelHandle string) (domain.Agent, error) {
	handle, err := ParseHandle(channelHandle)
	if err != nil {
		return domain.Agent{}, err
	}

	meta, err := s.resolver.Resolve(ctx, handle)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("резолв канала: %w", err)
	}

	existing, err := s.agents.GetForChannel(ctx, tgUserID, meta.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Agent{}, fmt.Errorf("поиск агента: %w", err)
	}

	agent, err := s.agents.Create(ctx, domain.Agent{
		ID:            uuid.New(),
		TGUserID:      tgUserID,
		ChannelHandle: handle,
		ChannelID:     meta.ID,
		ChannelMeta:   domain.ChannelMetadata{Title: meta.Title},
		Status:        domain.AgentStatusWaitingBotAttach,
	})
	if err != nil {
		return domain.Agent{}, fmt.Errorf("создание агента: %w", err)
	}
	metrics.ObserveAgentTransition(string(domain.AgentStatusInitial), string(domain.AgentStatusWaitingBotAttach))
	s.log.Info().
		Str("agent_id", agent.ID.String()).
		Int64("tg_user_id", tgUserID).
		Str("channel", handle).
		Msg("agents: создан агент")
	return agent, nil
}

// Get возвращает агента владельцу; для чужого агента — ErrNotFound,
// чтобы не раскрывать его существование.
func (s *Service) Get(ctx context.Context, tgUserID int64, agentID uuid.UUID) (domain.Agent, error) {
	return s.getOwned(ctx, tgUserID, agentID)
}

// List возвращает агентов пользователя.
func (s *Service) List(ctx context.Context, tgUserID int64) ([]domain.Agent, error) {
	return s.agents.ListByUser(ctx, tgUserID)
}

// AttachBot регистрирует бот-токен и привязывает бота к агенту,
// переводя его в waiting_bot_access и сбрасывая прежнюю ошибку.
func (s *Service) AttachBot(ctx context.Context, tgUserID int64, agentID uuid.UUID, botToken string) (domain.Agent, error) {
	agent, err := s.getOwned(ctx, tgUserID, agentID)
	if err != nil {
		return domain.Agent{}, err
	}

	client, err := s.bots.Client(botToken)
	if err != nil {
		return domain.Agent{}, ErrBotTokenInvalid
	}
	info, err := client.Me(ctx)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("%w: %s", ErrBotTokenInvalid, err)
	}

	userBot, err := s.userBots.GetOrCreate(ctx, domain.UserBot{
		ID:          uuid.New(),
		TGID:        info.ID,
		TGUserID:    tgUserID,
		APIToken:    botToken,
		Username:    info.Username,
		DisplayName: info.DisplayName,
		Description: info.Description,
	})
	if err != nil {
		return domain.Agent{}, fmt.Errorf("сохранение бота: %w", err)
	}
	if userBot.Username != info.Username || userBot.DisplayName != info.DisplayName || userBot.Description != info.Description {
		if err := s.userBots.UpdateMeta(ctx, userBot.ID, info.Username, info.DisplayName, info.Description); err != nil {
			s.log.Warn().Err(err).Str("user_bot_id", userBot.ID.String()).Msg("agents: не удалось обновить метаданные бота")
		}
	}

	updated, err := s.agents.AttachBot(ctx, agent.ID, userBot.ID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("привязка бота: %w", err)
	}
	metrics.ObserveAgentTransition(string(agent.Status), string(updated.Status))
	return updated, nil
}

// CheckBotPermissions запрашивает положение привязанного бота в канале и
// продвигает агента по машине состояний.
//
// «Бот ещё не участник» — ожидаемое восстановимое условие: агент остаётся
// либо возвращается в waiting_bot_access. Любая иная ошибка провайдера
// сохраняется как структурированная ошибка статуса и возвращается вызывающему.
func (s *Service) CheckBotPermissions(ctx context.Context, tgUserID int64, agentID uuid.UUID) (domain.Agent, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	if agent.TGUserID != tgUserID {
		return domain.Agent{}, fmt.Errorf("агент %s: %w", agentID, domain.ErrForbidden)
	}

	// проверка определена только для привязанной пары агент+бот; статус
	// не трогаем
	if agent.UserBotID == nil {
		return domain.Agent{}, &domain.ValidationError{Field: "user_bot_id", Reason: "к агенту не привязан бот"}
	}
	userBot, err := s.userBots.GetByID(ctx, *agent.UserBotID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("получение бота: %w", err)
	}
	client, err := s.bots.Client(userBot.APIToken)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("клиент бота: %w", err)
	}

	throttleKey := "agent_check:" + agent.ID.String()
	if s.cache != nil {
		if _, err := s.cache.Get(throttleKey); err == nil {
			// недавняя проверка, отдаём текущий снимок
			return agent, nil
		}
		if err := s.cache.Set(throttleKey, []byte("1"), checkThrottleTTL); err != nil {
			s.log.Debug().Err(err).Str("agent_id", agent.ID.String()).Msg("agents: не удалось записать троттлинг проверки")
		}
	}

	chatHandle := "@" + agent.ChannelHandle
	perms, err := client.GetChatMember(ctx, chatHandle, userBot.TGID)
	if err != nil {
		return s.handlePermissionCheckFailure(ctx, agent, err)
	}
	chat, err := client.GetChat(ctx, chatHandle)
	if err != nil {
		return s.handlePermissionCheckFailure(ctx, agent, err)
	}
	if !chat.IsChannel {
		statusErr := domain.StatusError{Message: "чат не является каналом"}
		if saveErr := s.agents.SaveStatusError(ctx, agent.ID, statusErr); saveErr != nil {
			s.log.Error().Err(saveErr).Str("agent_id", agent.ID.String()).Msg("agents: не удалось сохранить ошибку статуса")
		}
		return domain.Agent{}, domain.NewAppError("чат не является каналом")
	}
	memberCount, err := client.GetChatMemberCount(ctx, chat.ID)
	if err != nil {
		return s.handlePermissionCheckFailure(ctx, agent, err)
	}

	meta := domain.ChannelMetadata{
		Title:       chat.Title,
		Description: chat.Description,
		MemberCount: memberCount,
		PhotoFileID: chat.PhotoFileID,
	}
	agent, err = s.agents.SaveChannelState(ctx, agent.ID, meta, perms)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("сохранение состояния канала: %w", err)
	}

	if !agent.Profile.Complete() {
		return s.transition(ctx, agent, domain.AgentStatusWaitingChannelProfile)
	}
	return s.transition(ctx, agent, domain.AgentStatusActive)
}

func (s *Service) handlePermissionCheckFailure(ctx context.Context, agent domain.Agent, err error) (domain.Agent, error) {
	if errors.Is(err, domain.ErrBotForbidden) || errors.Is(err, domain.ErrChatNotFound) {
		// бот ещё не добавлен в канал
		if agent.Status == domain.AgentStatusWaitingBotAccess {
			return agent, nil
		}
		if agent.BotConnected() {
			return s.transition(ctx, agent, domain.AgentStatusWaitingBotAccess)
		}
		return agent, nil
	}

	statusErr := domain.StatusError{Message: err.Error()}
	if saveErr := s.agents.SaveStatusError(ctx, agent.ID, statusErr); saveErr != nil {
		s.log.Error().Err(saveErr).Str("agent_id", agent.ID.String()).Msg("agents: не удалось сохранить ошибку статуса")
	}
	return domain.Agent{}, fmt.Errorf("проверка прав бота: %w", err)
}

// UpdateChannelProfile неразрушающе дополняет профиль канала: nil-поле
// сохраняет прежнее значение. Если профиль стал полным, а агент ждал его,
// агент сразу активируется.
func (s *Service) UpdateChannelProfile(ctx context.Context, tgUserID int64, agentID uuid.UUID, contentDescription, personaDescription *string) (domain.Agent, error) {
	agent, err := s.getOwned(ctx, tgUserID, agentID)
	if err != nil {
		return domain.Agent{}, err
	}

	profile := agent.Profile
	if contentDescription != nil {
		profile.ContentDescription = strings.TrimSpace(*contentDescription)
	}
	if personaDescription != nil {
		profile.PersonaDescription = strings.TrimSpace(*personaDescription)
	}

	agent, err = s.agents.UpdateProfile(ctx, agent.ID, profile)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("обновление профиля: %w", err)
	}

	if profile.Complete() && agent.Status == domain.AgentStatusWaitingChannelProfile {
		return s.transition(ctx, agent, domain.AgentStatusActive)
	}
	return agent, nil
}

// активация разрешена только из этих состояний
var activateFrom = []domain.AgentStatus{
	domain.AgentStatusWaitingBotAccess,
	domain.AgentStatusWaitingChannelProfile,
	domain.AgentStatusDisabled,
	domain.AgentStatusDisabledNoCredit,
}

// Activate переводит агента в active из допустимых состояний.
func (s *Service) Activate(ctx context.Context, tgUserID int64, agentID uuid.UUID) (domain.Agent, error) {
	agent, err := s.getOwned(ctx, tgUserID, agentID)
	if err != nil {
		return domain.Agent{}, err
	}

	allowed := false
	for _, status := range activateFrom {
		if agent.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Agent{}, invalidTransition(agent.Status, domain.AgentStatusActive)
	}
	if !agent.Profile.Complete() {
		return domain.Agent{}, ErrProfileIncomplete
	}

	updated, err := s.agents.UpdateStatus(ctx, agent.ID, domain.AgentStatusActive, activateFrom...)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// статус сменился конкурентно между чтением и переходом
			return domain.Agent{}, invalidTransition(agent.Status, domain.AgentStatusActive)
		}
		return domain.Agent{}, err
	}
	metrics.ObserveAgentTransition(string(agent.Status), string(domain.AgentStatusActive))
	return updated, nil
}

// Disable выключает агента по запросу владельца.
func (s *Service) Disable(ctx context.Context, tgUserID int64, agentID uuid.UUID) (domain.Agent, error) {
	agent, err := s.getOwned(ctx, tgUserID, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	return s.transition(ctx, agent, domain.AgentStatusDisabled)
}

// DisableNoCredit переводит агента в disabled_no_credit. Вызывается воркером,
// когда генерация упала из-за нехватки кредитов.
func (s *Service) DisableNoCredit(ctx context.Context, agentID uuid.UUID) error {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	_, err = s.transition(ctx, agent, domain.AgentStatusDisabledNoCredit)
	return err
}

// Delete мягко удаляет агента. Разрешено только владельцу: чужой вызов
// завершается ErrForbidden.
func (s *Service) Delete(ctx context.Context, tgUserID int64, agentID uuid.UUID) error {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.TGUserID != tgUserID {
		return fmt.Errorf("агент %s: %w", agentID, domain.ErrForbidden)
	}
	return s.agents.SoftDelete(ctx, agentID)
}

func invalidTransition(from, to domain.AgentStatus) error {
	return &domain.InvalidStateTransitionError{Entity: "agent", From: string(from), To: string(to)}
}

func (s *Service) getOwned(ctx context.Context, tgUserID int64, agentID uuid.UUID) (domain.Agent, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	if agent.TGUserID != tgUserID {
		// не раскрываем существование чужого агента
		return domain.Agent{}, fmt.Errorf("агент %s: %w", agentID, domain.ErrNotFound)
	}
	return agent, nil
}

func (s *Service) transition(ctx context.Context, agent domain.Agent, to domain.AgentStatus) (domain.Agent, error) {
	if agent.Status == to {
		return agent, nil
	}
	updated, err := s.agents.UpdateStatus(ctx, agent.ID, to)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("переход %s -> %s: %w", agent.Status, to, err)
	}
	metrics.ObserveAgentTransition(string(agent.Status), string(to))
	return updated, nil
}
