package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/adapters/telegram"
	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
	"viralink-backend/internal/usecase/agents"
	"viralink-backend/internal/usecase/credits"
	"viralink-backend/internal/usecase/jobs"
	"viralink-backend/internal/usecase/publish"
)

// Префиксы callback-кнопок публикации.
const (
	callbackPublishPrefix = "/publish-post/"
	callbackCancelPrefix  = "/cancel-publish-post/"
)

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingChannelHandle
	pendingBotToken
	pendingProfileContent
	pendingProfilePersona
	pendingPostPrompt
	pendingUpdatePrompt
)

// pendingAction — ожидание следующего сообщения в диалоге с пользователем.
type pendingAction struct {
	kind    pendingKind
	agentID uuid.UUID
	// для pendingUpdatePrompt
	originalMessage string
	photoFileID     string
}

// Handler обслуживает апдейты платформенного бота.
type Handler struct {
	bot       *tgbotapi.BotAPI
	log       zerolog.Logger
	users     domain.TGUserRepo
	agentsUC  *agents.Service
	jobsUC    *jobs.Service
	creditsUC *credits.Service
	publishUC *publish.Service

	mu      sync.Mutex
	pending map[int64]pendingAction
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, users domain.TGUserRepo, agentsUC *agents.Service, jobsUC *jobs.Service, creditsUC *credits.Service, publishUC *publish.Service) *Handler {
	return &Handler{
		bot:       bot,
		log:       log,
		users:     users,
		agentsUC:  agentsUC,
		jobsUC:    jobsUC,
		creditsUC: creditsUC,
		publishUC: publishUC,
		pending:   make(map[int64]pendingAction),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" && msg.Caption != "" {
		text = strings.TrimSpace(msg.Caption)
	}

	// пересланный пост канала запускает сценарий доработки
	if msg.ForwardFromChat != nil && msg.ForwardFromChat.IsChannel() {
		h.handleForwardedPost(ctx, msg)
		return
	}

	if !strings.HasPrefix(text, "/") {
		if h.tryHandlePending(ctx, msg, text) {
			return
		}
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(ctx, msg)
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, helpMessage(), nil)
	case strings.HasPrefix(text, "/new_agent"):
		handle := strings.TrimSpace(strings.TrimPrefix(text, "/new_agent"))
		if handle == "" {
			h.setPending(msg.Chat.ID, pendingAction{kind: pendingChannelHandle})
			h.reply(msg.Chat.ID, "Пришлите хендл канала, например @mychannel", nil)
			return
		}
		h.createAgent(ctx, msg.Chat.ID, msg.From.ID, handle)
	case strings.HasPrefix(text, "/agents"):
		h.listAgents(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/balance"):
		h.showBalance(ctx, msg.Chat.ID, msg.From.ID)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	user := domain.TGUser{
		TGID:         msg.From.ID,
		Username:     msg.From.UserName,
		FirstName:    msg.From.FirstName,
		LastName:     msg.From.LastName,
		LanguageCode: msg.From.LanguageCode,
		IsBot:        msg.From.IsBot,
	}
	if _, err := h.users.Upsert(ctx, user); err != nil {
		h.log.Error().Err(err).Int64("tg_user_id", msg.From.ID).Msg("bot: не удалось сохранить пользователя")
		h.reply(msg.Chat.ID, "Не удалось зарегистрировать пользователя, попробуйте позже", nil)
		return
	}
	h.reply(msg.Chat.ID, startMessage(), h.mainKeyboard())
}

func (h *Handler) tryHandlePending(ctx context.Context, msg *tgbotapi.Message, text string) bool {
	h.mu.Lock()
	action, ok := h.pending[msg.Chat.ID]
	if ok {
		delete(h.pending, msg.Chat.ID)
	}
	h.mu.Unlock()
	if !ok || action.kind == pendingNone {
		return false
	}

	switch action.kind {
	case pendingChannelHandle:
		h.createAgent(ctx, msg.Chat.ID, msg.From.ID, text)
	case pendingBotToken:
		h.attachBot(ctx, msg.Chat.ID, msg.From.ID, action.agentID, text)
	case pendingProfileContent:
		h.updateProfile(ctx, msg.Chat.ID, msg.From.ID, action.agentID, &text, nil)
	case pendingProfilePersona:
		h.updateProfile(ctx, msg.Chat.ID, msg.From.ID, action.agentID, nil, &text)
	case pendingPostPrompt:
		h.createJob(ctx, msg, action.agentID, domain.AgentJobTypePostGeneration, text, "", "")
	case pendingUpdatePrompt:
		h.createJob(ctx, msg, action.agentID, domain.AgentJobTypePostUpdate, text, action.originalMessage, action.photoFileID)
	}
	return true
}

func (h *Handler) createAgent(ctx context.Context, chatID, tgUserID int64, handle string) {
	agent, err := h.agentsUC.Create(ctx, tgUserID, handle)
	if err != nil {
		if errors.Is(err, agents.ErrHandleInvalid) {
			h.reply(chatID, "Не похоже на хендл канала. Пример: @mychannel", nil)
			return
		}
		h.log.Error().Err(err).Str("handle", handle).Msg("bot: не удалось создать агента")
		h.reply(chatID, "Не удалось найти канал. Проверьте хендл и попробуйте ещё раз", nil)
		return
	}
	h.setPending(chatID, pendingAction{kind: pendingBotToken, agentID: agent.ID})
	h.reply(chatID, fmt.Sprintf(
		"Агент для @%s создан.\n\nТеперь создайте бота через @BotFather и пришлите мне его токен.",
		agent.ChannelHandle), nil)
}

func (h *Handler) attachBot(ctx context.Context, chatID, tgUserID int64, agentID uuid.UUID, token string) {
	agent, err := h.agentsUC.AttachBot(ctx, tgUserID, agentID, token)
	if err != nil {
		if errors.Is(err, agents.ErrBotTokenInvalid) {
			h.setPending(chatID, pendingAction{kind: pendingBotToken, agentID: agentID})
			h.reply(chatID, "Токен не подошёл. Проверьте его в @BotFather и пришлите ещё раз", nil)
			return
		}
		h.log.Error().Err(err).Str("agent_id", agentID.String()).Msg("bot: не удалось привязать бота")
		h.reply(chatID, "Не удалось привязать бота, попробуйте позже", nil)
		return
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Проверить доступ", "check:"+agent.ID.String()),
		),
	)
	h.reply(chatID, fmt.Sprintf(
		"Бот привязан.\n\nДобавьте его администратором канала @%s с правом публикации и нажмите кнопку ниже.",
		agent.ChannelHandle), &keyboard)
}

func (h *Handler) checkAgent(ctx context.Context, chatID, tgUserID int64, agentID uuid.UUID) {
	agent, err := h.agentsUC.CheckBotPermissions(ctx, tgUserID, agentID)
	if err != nil {
		h.log.Warn().Err(err).Str("agent_id", agentID.String()).Msg("bot: проверка доступа не удалась")
		h.reply(chatID, "Проверка не удалась: "+userFacing(err), nil)
		return
	}
	switch agent.Status {
	case domain.AgentStatusWaitingBotAccess:
		h.reply(chatID, "Бот ещё не видит канал. Убедитесь, что он добавлен администратором, и повторите проверку", nil)
	case domain.AgentStatusWaitingChannelProfile:
		h.setPending(chatID, pendingAction{kind: pendingProfileContent, agentID: agent.ID})
		h.reply(chatID, "Доступ подтверждён! Осталось заполнить профиль канала.\n\nОпишите, о чём ваш канал:", nil)
	case domain.AgentStatusActive:
		h.reply(chatID, "Агент активен и готов генерировать посты 🎉", h.mainKeyboard())
	default:
		h.reply(chatID, "Статус агента: "+string(agent.Status), nil)
	}
}

func (h *Handler) updateProfile(ctx context.Context, chatID, tgUserID int64, agentID uuid.UUID, content, persona *string) {
	agent, err := h.agentsUC.UpdateChannelProfile(ctx, tgUserID, agentID, content, persona)
	if err != nil {
		h.log.Error().Err(err).Str("agent_id", agentID.String()).Msg("bot: не удалось обновить профиль")
		h.reply(chatID, "Не удалось сохранить профиль, попробуйте позже", nil)
		return
	}
	if content != nil {
		h.setPending(chatID, pendingAction{kind: pendingProfilePersona, agentID: agentID})
		h.reply(chatID, "Принято. Теперь опишите голос канала: от чьего лица и в каком стиле писать?", nil)
		return
	}
	if agent.Status == domain.AgentStatusActive {
		h.reply(chatID, "Профиль заполнен, агент активен 🎉\n\nЧтобы создать пост, нажмите «Мои агенты»", h.mainKeyboard())
		return
	}
	h.reply(chatID, "Профиль сохранён", nil)
}

func (h *Handler) listAgents(ctx context.Context, chatID, tgUserID int64) {
	list, err := h.agentsUC.List(ctx, tgUserID)
	if err != nil {
		h.log.Error().Err(err).Int64("tg_user_id", tgUserID).Msg("bot: не удалось получить агентов")
		h.reply(chatID, "Не удалось получить список агентов", nil)
		return
	}
	if len(list) == 0 {
		h.reply(chatID, "У вас пока нет агентов. Нажмите «Новый агент», чтобы подключить канал", h.mainKeyboard())
		return
	}
	for _, agent := range list {
		rows := [][]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("📝 Новый пост", "post:"+agent.ID.String()),
				tgbotapi.NewInlineKeyboardButtonData("✅ Проверить", "check:"+agent.ID.String()),
			),
		}
		if agent.Status == domain.AgentStatusActive {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("⏸ Выключить", "disable:"+agent.ID.String()),
				tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", "delete:"+agent.ID.String()),
			))
		} else {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("▶️ Включить", "activate:"+agent.ID.String()),
				tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", "delete:"+agent.ID.String()),
			))
		}
		keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
		h.reply(chatID, agentCard(agent), &keyboard)
	}
}

func (h *Handler) showBalance(ctx context.Context, chatID, tgUserID int64) {
	balance, err := h.creditsUC.Balance(ctx, tgUserID)
	if err != nil {
		h.log.Error().Err(err).Int64("tg_user_id", tgUserID).Msg("bot: не удалось получить баланс")
		h.reply(chatID, "Не удалось получить баланс", nil)
		return
	}
	h.reply(chatID, fmt.Sprintf("💎 Доступно кредитов: %d\n\nГенерация поста: 1 кредит\nГенерация изображения: 2 кредита", balance), nil)
}

// handleForwardedPost запускает сценарий доработки пересланного поста.
func (h *Handler) handleForwardedPost(ctx context.Context, msg *tgbotapi.Message) {
	channelID := msg.ForwardFromChat.ID
	list, err := h.agentsUC.List(ctx, msg.From.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("bot: не удалось получить агентов")
		return
	}
	var agent *domain.Agent
	for i := range list {
		if list[i].ChannelID == channelID || list[i].ChannelID == -channelID {
			agent = &list[i]
			break
		}
	}
	if agent == nil {
		h.reply(msg.Chat.ID, "Этот канал не подключён. Сначала создайте для него агента", nil)
		return
	}

	original := msg.Text
	if original == "" {
		original = msg.Caption
	}
	if original == "" {
		h.reply(msg.Chat.ID, "В пересланном сообщении нет текста", nil)
		return
	}
	var photoFileID string
	if len(msg.Photo) > 0 {
		photoFileID = msg.Photo[len(msg.Photo)-1].FileID
	}

	h.setPending(msg.Chat.ID, pendingAction{
		kind:            pendingUpdatePrompt,
		agentID:         agent.ID,
		originalMessage: original,
		photoFileID:     photoFileID,
	})
	h.reply(msg.Chat.ID, "Что сделать с этим постом? Например: «сделай короче», «добавь картинку» или «опубликуй как есть»", nil)
}

func (h *Handler) createJob(ctx context.Context, msg *tgbotapi.Message, agentID uuid.UUID, jobType domain.AgentJobType, prompt, originalMessage, photoFileID string) {
	notify := h.send(msg.Chat.ID, "⏳ Работаю над постом...", nil)
	meta := domain.AgentJobMetadata{
		UserPrompt:      prompt,
		FromChatID:      msg.Chat.ID,
		OriginalMessage: originalMessage,
		PhotoFileID:     photoFileID,
	}
	if notify != nil {
		meta.NotifyMessageID = notify.MessageID
	}
	if _, err := h.jobsUC.Create(ctx, msg.From.ID, agentID, jobType, meta); err != nil {
		h.log.Error().Err(err).Str("agent_id", agentID.String()).Msg("bot: не удалось создать задачу")
		h.reply(msg.Chat.ID, "Не удалось поставить задачу: "+userFacing(err), nil)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	defer h.answerCallback(cb.ID)
	if cb.Message == nil || cb.From == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	data := cb.Data

	switch {
	case data == "new_agent":
		h.setPending(chatID, pendingAction{kind: pendingChannelHandle})
		h.reply(chatID, "Пришлите хендл канала, например @mychannel", nil)
	case data == "my_agents":
		h.listAgents(ctx, chatID, cb.From.ID)
	case data == "balance":
		h.showBalance(ctx, chatID, cb.From.ID)
	case data == "help_menu":
		h.reply(chatID, helpMessage(), nil)
	case strings.HasPrefix(data, callbackPublishPrefix):
		h.confirmPublish(ctx, chatID, cb.From.ID, strings.TrimPrefix(data, callbackPublishPrefix))
	case strings.HasPrefix(data, callbackCancelPrefix):
		h.reply(chatID, "Публикация отменена", nil)
	case strings.HasPrefix(data, "check:"):
		if id, ok := parseAgentID(data); ok {
			h.checkAgent(ctx, chatID, cb.From.ID, id)
		}
	case strings.HasPrefix(data, "post:"):
		if id, ok := parseAgentID(data); ok {
			h.setPending(chatID, pendingAction{kind: pendingPostPrompt, agentID: id})
			h.reply(chatID, "О чём написать пост?", nil)
		}
	case strings.HasPrefix(data, "activate:"):
		if id, ok := parseAgentID(data); ok {
			h.toggleAgent(ctx, chatID, cb.From.ID, id, true)
		}
	case strings.HasPrefix(data, "disable:"):
		if id, ok := parseAgentID(data); ok {
			h.toggleAgent(ctx, chatID, cb.From.ID, id, false)
		}
	case strings.HasPrefix(data, "delete:"):
		if id, ok := parseAgentID(data); ok {
			h.deleteAgent(ctx, chatID, cb.From.ID, id)
		}
	}
}

func (h *Handler) confirmPublish(ctx context.Context, chatID, tgUserID int64, rawJobID string) {
	jobID, err := uuid.Parse(rawJobID)
	if err != nil {
		h.reply(chatID, "Некорректный идентификатор задачи", nil)
		return
	}
	if err := h.publishUC.Confirm(ctx, tgUserID, jobID); err != nil {
		h.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("bot: публикация не удалась")
		h.reply(chatID, "Не удалось опубликовать: "+userFacing(err), nil)
		return
	}
	h.reply(chatID, "Пост опубликован в канал ✅", nil)
}

func (h *Handler) toggleAgent(ctx context.Context, chatID, tgUserID int64, agentID uuid.UUID, activate bool) {
	var err error
	if activate {
		_, err = h.agentsUC.Activate(ctx, tgUserID, agentID)
	} else {
		_, err = h.agentsUC.Disable(ctx, tgUserID, agentID)
	}
	if err != nil {
		h.reply(chatID, "Не получилось: "+userFacing(err), nil)
		return
	}
	if activate {
		h.reply(chatID, "Агент включён", nil)
	} else {
		h.reply(chatID, "Агент выключен", nil)
	}
}

func (h *Handler) deleteAgent(ctx context.Context, chatID, tgUserID int64, agentID uuid.UUID) {
	if err := h.agentsUC.Delete(ctx, tgUserID, agentID); err != nil {
		h.reply(chatID, "Не удалось удалить агента: "+userFacing(err), nil)
		return
	}
	h.reply(chatID, "Агент удалён", nil)
}

func (h *Handler) setPending(chatID int64, action pendingAction) {
	h.mu.Lock()
	h.pending[chatID] = action
	h.mu.Unlock()
}

func parseAgentID(data string) (uuid.UUID, bool) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) answerCallback(id string) {
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(id, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", "callback", start, err)
	if err != nil {
		h.log.Debug().Err(err).Msg("bot: не удалось ответить на callback")
	}
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	h.send(chatID, text, keyboard)
}

func (h *Handler) send(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) *tgbotapi.Message {
	var last *tgbotapi.Message
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		sent, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Msg("bot: не удалось отправить сообщение")
			return last
		}
		last = &sent
	}
	return last
}

func (h *Handler) mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Новый агент", "new_agent"),
			tgbotapi.NewInlineKeyboardButtonData("🤖 Мои агенты", "my_agents"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💎 Баланс", "balance"),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "help_menu"),
		),
	)
	return &buttons
}

func agentCard(agent domain.Agent) string {
	lines := []string{
		fmt.Sprintf("📣 @%s — %s", agent.ChannelHandle, agent.ChannelMeta.Title),
		"Статус: " + statusLabel(agent.Status),
	}
	if agent.ChannelMeta.MemberCount > 0 {
		lines = append(lines, fmt.Sprintf("Подписчиков: %d", agent.ChannelMeta.MemberCount))
	}
	if agent.StatusError != nil {
		lines = append(lines, "Ошибка: "+agent.StatusError.Message)
	}
	return strings.Join(lines, "\n")
}

func statusLabel(status domain.AgentStatus) string {
	switch status {
	case domain.AgentStatusWaitingBotAttach:
		return "ждёт привязки бота"
	case domain.AgentStatusWaitingBotAccess:
		return "ждёт доступа к каналу"
	case domain.AgentStatusWaitingChannelProfile:
		return "ждёт профиль канала"
	case domain.AgentStatusActive:
		return "активен ✅"
	case domain.AgentStatusDisabled:
		return "выключен"
	case domain.AgentStatusDisabledNoCredit:
		return "выключен: закончились кредиты"
	default:
		return string(status)
	}
}

// userFacing сводит доменные ошибки к понятной пользователю формулировке.
func userFacing(err error) string {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		if appErr.Code == domain.CodeMessageTooLongForImage {
			return "сообщение слишком длинное для генерации изображения (до 1000 символов)"
		}
		return appErr.Message
	}
	var transition *domain.InvalidStateTransitionError
	if errors.As(err, &transition) {
		return "агент не в подходящем статусе"
	}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return validation.Reason
	}
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "недостаточно кредитов, пополните баланс"
	case errors.Is(err, domain.ErrNotFound):
		return "не найдено"
	case errors.Is(err, agents.ErrProfileIncomplete):
		return "сначала заполните профиль канала"
	default:
		return "внутренняя ошибка, попробуйте позже"
	}
}

func startMessage() string {
	lines := []string{
		"👋 Добро пожаловать в ViraLink!",
		"",
		"Я помогаю вести Telegram-канал: генерирую посты в голосе канала, дорабатываю существующие и публикую их.",
		"",
		"Как начать:",
		"1. ➕ Подключите канал — кнопка «Новый агент».",
		"2. 🤖 Создайте бота в @BotFather и пришлите токен.",
		"3. ✅ Добавьте бота администратором канала.",
		"4. 📝 Опишите канал и создавайте посты.",
		"",
		"Перешлите мне пост из своего канала, чтобы доработать или переопубликовать его.",
	}
	return strings.Join(lines, "\n")
}

func helpMessage() string {
	lines := []string{
		"📖 Команды:",
		"",
		"• /new_agent @handle — подключить канал.",
		"• /agents — список агентов и действия с ними.",
		"• /balance — баланс кредитов.",
		"",
		"Генерация:",
		"• Кнопка «Новый пост» у агента — сгенерировать пост по запросу (1 кредит).",
		"• Перешлите пост канала — доработка, картинка (2 кредита) или публикация.",
	}
	return strings.Join(lines, "\n")
}
