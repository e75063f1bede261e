package telegram

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// Factory создаёт клиентов Bot API по токену пользовательского бота.
type Factory struct{}

var _ domain.BotClientFactory = (*Factory)(nil)

// NewFactory создаёт фабрику клиентов.
func NewFactory() *Factory { return &Factory{} }

// Client реализует domain.BotClientFactory. Конструктор библиотеки сам
// дёргает getMe, поэтому битый токен отсекается уже здесь.
func (f *Factory) Client(token string) (domain.BotClient, error) {
	start := time.Now()
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 30 * time.Second})
	metrics.ObserveNetworkRequest("telegram_bot", "new_client", "me", start, err)
	if err != nil {
		return nil, mapAPIError(err)
	}
	return &BotClient{api: api}, nil
}

// BotClient — операции Bot API от имени одного бот-токена.
type BotClient struct {
	api *tgbotapi.BotAPI
}

var _ domain.BotClient = (*BotClient)(nil)

// mapAPIError переводит ошибки Bot API в доменные условия.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "forbidden"):
		return domain.ErrBotForbidden
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "member list is inaccessible"),
		strings.Contains(msg, "user not found"):
		return domain.ErrChatNotFound
	}
	return err
}

// Me возвращает сведения о боте из getMe.
func (c *BotClient) Me(ctx context.Context) (domain.BotInfo, error) {
	start := time.Now()
	me, err := c.api.GetMe()
	metrics.ObserveNetworkRequest("telegram_bot", "get_me", "me", start, err)
	if err != nil {
		return domain.BotInfo{}, mapAPIError(err)
	}
	return domain.BotInfo{
		ID:          me.ID,
		Username:    me.UserName,
		DisplayName: me.FirstName,
	}, nil
}

// GetChat возвращает данные канала по хендлу вида @handle.
func (c *BotClient) GetChat(ctx context.Context, chatHandle string) (domain.ChatInfo, error) {
	start := time.Now()
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: chatHandle},
	})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat", chatHandle, start, err)
	if err != nil {
		return domain.ChatInfo{}, mapAPIError(err)
	}
	info := domain.ChatInfo{
		ID:          chat.ID,
		Title:       chat.Title,
		Description: chat.Description,
		IsChannel:   chat.IsChannel(),
	}
	if chat.Photo != nil {
		info.PhotoFileID = chat.Photo.BigFileID
	}
	return info, nil
}

// GetChatMember возвращает снимок прав участника канала.
func (c *BotClient) GetChatMember(ctx context.Context, chatHandle string, userID int64) (domain.BotPermissions, error) {
	start := time.Now()
	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			SuperGroupUsername: chatHandle,
			UserID:             userID,
		},
	})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat_member", chatHandle, start, err)
	if err != nil {
		return domain.BotPermissions{}, mapAPIError(err)
	}
	if member.Status == "left" || member.Status == "kicked" {
		return domain.BotPermissions{}, domain.ErrBotForbidden
	}
	return domain.BotPermissions{
		Status:            member.Status,
		CanPostMessages:   member.CanPostMessages,
		CanEditMessages:   member.CanEditMessages,
		CanDeleteMessages: member.CanDeleteMessages,
	}, nil
}

// GetChatMemberCount возвращает число подписчиков канала.
func (c *BotClient) GetChatMemberCount(ctx context.Context, chatID int64) (int, error) {
	start := time.Now()
	count, err := c.api.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat_member_count", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		return 0, mapAPIError(err)
	}
	return count, nil
}

// SendMessage отправляет HTML-сообщение, разбивая длинный текст на части.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, htmlText string) error {
	for _, part := range SplitMessage(htmlText) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		start := time.Now()
		_, err := c.api.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			return mapAPIError(err)
		}
	}
	return nil
}

// SendPhoto отправляет фото по URL с HTML-подписью.
func (c *BotClient) SendPhoto(ctx context.Context, chatID int64, photoURL, htmlCaption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))
	photo.Caption = htmlCaption
	photo.ParseMode = tgbotapi.ModeHTML
	start := time.Now()
	_, err := c.api.Send(photo)
	metrics.ObserveNetworkRequest("telegram_bot", "send_photo", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
		return mapAPIError(err)
	}
	return nil
}

// FileURL возвращает прямую ссылку на файл Telegram.
func (c *BotClient) FileURL(ctx context.Context, fileID string) (string, error) {
	start := time.Now()
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	metrics.ObserveNetworkRequest("telegram_bot", "get_file", fileID, start, err)
	if err != nil {
		return "", mapAPIError(err)
	}
	return file.Link(c.api.Token), nil
}
