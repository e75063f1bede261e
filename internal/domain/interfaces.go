package domain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ChannelMeta содержит метаданные канала, полученные при резолве хендла.
type ChannelMeta struct {
	ID     int64
	Handle string
	Title  string
}

// ChannelResolver проверяет существование канала и возвращает его метаданные.
type ChannelResolver interface {
	Resolve(ctx context.Context, handle string) (ChannelMeta, error)
}

var (
	// ErrBotForbidden — бот не является участником канала.
	ErrBotForbidden = errors.New("бот не допущен в канал")
	// ErrChatNotFound — канал не найден через Bot API.
	ErrChatNotFound = errors.New("канал не найден")
)

// ChatInfo — снимок данных канала из Bot API.
type ChatInfo struct {
	ID          int64
	Title       string
	Description string
	IsChannel   bool
	PhotoFileID string
}

// BotInfo — сведения о боте из getMe.
type BotInfo struct {
	ID          int64
	Username    string
	DisplayName string
	Description string
}

// BotClient — операции Bot API от имени конкретного бот-токена.
// Реализация различает условия ErrBotForbidden и ErrChatNotFound.
type BotClient interface {
	Me(ctx context.Context) (BotInfo, error)
	GetChat(ctx context.Context, chatHandle string) (ChatInfo, error)
	GetChatMember(ctx context.Context, chatHandle string, userID int64) (BotPermissions, error)
	GetChatMemberCount(ctx context.Context, chatID int64) (int, error)
	SendMessage(ctx context.Context, chatID int64, htmlText string) error
	SendPhoto(ctx context.Context, chatID int64, photoURL, htmlCaption string) error
	FileURL(ctx context.Context, fileID string) (string, error)
}

// BotClientFactory создаёт клиента Bot API по токену пользовательского бота.
type BotClientFactory interface {
	Client(token string) (BotClient, error)
}

// SearchResult — одна позиция веб-поиска.
type SearchResult struct {
	Title string
	Link  string
}

// SearchProvider выполняет веб-поиск.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Scraper выгружает страницу и возвращает её содержимое в markdown.
type Scraper interface {
	Scrape(ctx context.Context, url string) (string, error)
}

// ImageGenerator генерирует изображение по текстовому запросу, возвращает URL.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ObjectStorage хранит медиа и выдаёт подписанные GET-ссылки на объекты.
type ObjectStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

// TGUserRepo управляет пользователями Telegram.
type TGUserRepo interface {
	Upsert(ctx context.Context, user TGUser) (TGUser, error)
	GetByTGID(ctx context.Context, tgID int64) (TGUser, error)
}

// AgentRepo управляет агентами. Удалённые (deleted_at != null) агенты
// исключены из всех выборок.
type AgentRepo interface {
	Create(ctx context.Context, agent Agent) (Agent, error)
	GetByID(ctx context.Context, id uuid.UUID) (Agent, error)
	GetForChannel(ctx context.Context, tgUserID, channelID int64) (Agent, error)
	ListByUser(ctx context.Context, tgUserID int64) ([]Agent, error)
	// UpdateStatus выполняет охраняемый одно-строчный переход. Пустой from
	// означает безусловный переход; ноль затронутых строк — ErrNotFound.
	UpdateStatus(ctx context.Context, id uuid.UUID, to AgentStatus, from ...AgentStatus) (Agent, error)
	AttachBot(ctx context.Context, agentID, userBotID uuid.UUID) (Agent, error)
	// SaveChannelState атомарно сохраняет метаданные канала и снимок прав бота.
	SaveChannelState(ctx context.Context, id uuid.UUID, meta ChannelMetadata, perms BotPermissions) (Agent, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, profile ChannelProfile) (Agent, error)
	SetProfileGenerated(ctx context.Context, id uuid.UUID, text string) error
	SaveStatusError(ctx context.Context, id uuid.UUID, statusErr StatusError) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// UserBotRepo управляет зарегистрированными бот-токенами.
type UserBotRepo interface {
	// GetOrCreate создаёт запись для пары (tg_id, владелец) либо возвращает существующую.
	GetOrCreate(ctx context.Context, bot UserBot) (UserBot, error)
	GetByID(ctx context.Context, id uuid.UUID) (UserBot, error)
	UpdateMeta(ctx context.Context, id uuid.UUID, username, displayName, description string) error
}

// AgentJobRepo управляет задачами агентов.
type AgentJobRepo interface {
	Create(ctx context.Context, job AgentJob) (AgentJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (AgentJob, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]AgentJob, error)
	// MarkInProgress — условный переход из initial; ноль затронутых строк —
	// ErrJobAlreadyClaimed.
	MarkInProgress(ctx context.Context, id uuid.UUID) (AgentJob, error)
	// Complete — условный переход из in_progress.
	Complete(ctx context.Context, id uuid.UUID, data string) (AgentJob, error)
	Fail(ctx context.Context, id uuid.UUID, statusErr StatusError) (AgentJob, error)
}

// CreditsRepo — журнал резервирования кредитов. Блокировка атомарна
// относительно конкурентных блокировок того же пользователя.
type CreditsRepo interface {
	// Lock проверяет доступный баланс и создаёт LOCKED-транзакцию в одной
	// транзакции БД; при нехватке — ErrInsufficientCredits.
	Lock(ctx context.Context, tgUserID, amount int64) (uuid.UUID, error)
	// Confirm завершает резерв: списывает amount с выданного баланса и
	// закрывает блокировку.
	Confirm(ctx context.Context, tgUserID int64, txID uuid.UUID) error
	// Release закрывает блокировку, возвращая кредиты в доступный пул.
	Release(ctx context.Context, tgUserID int64, txID uuid.UUID) error
	// Balance возвращает выданный баланс и сумму открытых блокировок.
	Balance(ctx context.Context, tgUserID int64) (granted, locked int64, err error)

	CreatePurchase(ctx context.Context, purchase CreditsPurchase) (CreditsPurchase, error)
	// ConfirmPurchase переводит покупку в confirmed и зачисляет кредиты
	// пользователю в одной транзакции БД.
	ConfirmPurchase(ctx context.Context, tgUserID int64, purchaseID uuid.UUID) (CreditsPurchase, error)
}
