package bot

import (
	"context"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"viralink-backend/internal/adapters/telegram"
	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
	"viralink-backend/internal/usecase/postgen"
)

// Notifier доставляет пользователю результаты фоновых задач.
type Notifier struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

// NewNotifier создаёт нотификатор поверх платформенного бота.
func NewNotifier(bot *tgbotapi.BotAPI, log zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, log: log}
}

// NotifyGenerated отправляет сгенерированный пост в чат пользователя.
func (n *Notifier) NotifyGenerated(ctx context.Context, job domain.AgentJob, text string) {
	n.clearProgress(job)
	n.sendText(job.Metadata.FromChatID, text, nil)
}

// NotifyUpdated отправляет доработанный пост с кнопками публикации.
// Для уже опубликованного результата кнопки не нужны.
func (n *Notifier) NotifyUpdated(ctx context.Context, job domain.AgentJob, res postgen.Result) {
	n.clearProgress(job)
	if res.Published {
		n.sendText(job.Metadata.FromChatID, "Пост опубликован в канал ✅", nil)
		return
	}

	text := res.Text
	if text == "" {
		text = job.Metadata.OriginalMessage
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Опубликовать", callbackPublishPrefix+job.ID.String()),
			tgbotapi.NewInlineKeyboardButtonData("❌ Отменить", callbackCancelPrefix+job.ID.String()),
		),
	)

	if res.ImageURL != "" {
		photo := tgbotapi.NewPhoto(job.Metadata.FromChatID, tgbotapi.FileURL(res.ImageURL))
		photo.Caption = text
		photo.ParseMode = tgbotapi.ModeHTML
		photo.ReplyMarkup = keyboard
		start := time.Now()
		_, err := n.bot.Send(photo)
		metrics.ObserveNetworkRequest("telegram_bot", "send_photo", strconv.FormatInt(job.Metadata.FromChatID, 10), start, err)
		if err == nil {
			return
		}
		metrics.BotSendErrors.Inc()
		n.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("notifier: фото не отправилось, отправляю текстом")
	}
	n.sendText(job.Metadata.FromChatID, text, &keyboard)
}

// NotifyFailed сообщает пользователю о невыполненной задаче.
func (n *Notifier) NotifyFailed(ctx context.Context, job domain.AgentJob, reason error) {
	n.clearProgress(job)
	n.sendText(job.Metadata.FromChatID, "Не удалось обработать задачу: "+userFacing(reason), nil)
}

// clearProgress убирает сообщение «работаю над постом», если оно было.
func (n *Notifier) clearProgress(job domain.AgentJob) {
	if job.Metadata.NotifyMessageID == 0 {
		return
	}
	start := time.Now()
	_, err := n.bot.Request(tgbotapi.NewDeleteMessage(job.Metadata.FromChatID, job.Metadata.NotifyMessageID))
	metrics.ObserveNetworkRequest("telegram_bot", "delete_message", strconv.FormatInt(job.Metadata.FromChatID, 10), start, err)
	if err != nil {
		n.log.Debug().Err(err).Msg("notifier: не удалось удалить прогресс-сообщение")
	}
}

func (n *Notifier) sendText(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	if text == "" {
		return
	}
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		if i == len(parts)-1 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := n.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			n.log.Error().Err(err).Int64("chat_id", chatID).Msg("notifier: не удалось отправить сообщение")
			return
		}
	}
}
