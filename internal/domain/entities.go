package domain

import (
	"time"

	"github.com/google/uuid"
)

// TGUser описывает пользователя Telegram в системе.
type TGUser struct {
	TGID         int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	IsBot        bool
	IsBlocked    bool
	// Credits — подтверждённый (выданный) баланс кредитов.
	Credits   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStatus описывает состояние жизненного цикла агента.
type AgentStatus string

const (
	AgentStatusInitial               AgentStatus = "initial"
	AgentStatusWaitingBotAttach      AgentStatus = "waiting_bot_attach"
	AgentStatusWaitingBotAccess      AgentStatus = "waiting_bot_access"
	AgentStatusWaitingChannelProfile AgentStatus = "waiting_channel_profile"
	AgentStatusActive                AgentStatus = "active"
	AgentStatusDisabled              AgentStatus = "disabled"
	AgentStatusDisabledNoCredit      AgentStatus = "disabled_no_credit"
)

// ChannelMetadata хранит снимок метаданных канала из Bot API.
type ChannelMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
	PhotoFileID string `json:"photo_file_id,omitempty"`
}

// ChannelProfile — описание контента и голоса канала, заполняется пользователем.
type ChannelProfile struct {
	ContentDescription string `json:"content_description,omitempty"`
	PersonaDescription string `json:"persona_description,omitempty"`
}

// Complete сообщает, заполнены ли оба поля профиля.
func (p ChannelProfile) Complete() bool {
	return p.ContentDescription != "" && p.PersonaDescription != ""
}

// BotPermissions — снимок прав бота в канале.
type BotPermissions struct {
	Status            string `json:"status,omitempty"`
	CanPostMessages   bool   `json:"can_post_messages,omitempty"`
	CanEditMessages   bool   `json:"can_edit_messages,omitempty"`
	CanDeleteMessages bool   `json:"can_delete_messages,omitempty"`
}

// StatusError — структурированная ошибка, сохранённая на сущности.
type StatusError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// Agent — привязка автоматизации: один пользователь, один канал, опционально один бот.
type Agent struct {
	ID            uuid.UUID
	TGUserID      int64
	ChannelHandle string
	ChannelID     int64
	ChannelMeta   ChannelMetadata
	Profile       ChannelProfile
	// ProfileGenerated — скользящее LLM-резюме опубликованных постов.
	ProfileGenerated string
	BotPermissions   *BotPermissions
	Status           AgentStatus
	StatusChangedAt  time.Time
	StatusError      *StatusError
	StatusErroredAt  *time.Time
	UserBotID        *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// BotConnected сообщает, привязан ли к агенту бот.
func (a Agent) BotConnected() bool {
	return a.UserBotID != nil
}

// UserBot — зарегистрированный пользователем бот-токен.
type UserBot struct {
	ID       uuid.UUID
	TGID     int64
	TGUserID int64
	// APIToken хранится в БД в зашифрованном виде, в домене — открытым текстом.
	APIToken    string
	Username    string
	DisplayName string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// CreditsTxStatus — статус транзакции кредитов. Персистится только блокировка:
// подтверждение и возврат завершают её жизнь через deleted_at.
type CreditsTxStatus string

const (
	CreditsTxStatusLocked CreditsTxStatus = "locked"
)

// CreditsTransaction — запись в журнале резервирования кредитов.
type CreditsTransaction struct {
	ID        uuid.UUID
	TGUserID  int64
	Amount    int64
	Status    CreditsTxStatus
	CreatedAt time.Time
	DeletedAt *time.Time
}

// CreditsPurchaseStatus — статус покупки пакета кредитов.
type CreditsPurchaseStatus string

const (
	CreditsPurchaseStatusInitial   CreditsPurchaseStatus = "initial"
	CreditsPurchaseStatusConfirmed CreditsPurchaseStatus = "confirmed"
	CreditsPurchaseStatusCompleted CreditsPurchaseStatus = "completed"
)

// CreditsPurchase — бронь покупки пакета кредитов.
type CreditsPurchase struct {
	ID            uuid.UUID
	TGUserID      int64
	CreditsAmount int64
	PackageName   string
	Status        CreditsPurchaseStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}
