package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AgentJobType описывает вид асинхронной работы агента.
type AgentJobType string

const (
	AgentJobTypePostGeneration AgentJobType = "post_generation"
	AgentJobTypePostUpdate     AgentJobType = "post_update"
	// Зарезервированные типы для цепочек задач, пока не обрабатываются воркером.
	AgentJobTypeContentDiscovery  AgentJobType = "content_discovery"
	AgentJobTypeContentGeneration AgentJobType = "content_generation"
	AgentJobTypeContentPublishing AgentJobType = "content_publishing"
	AgentJobTypeContentAnalysis   AgentJobType = "content_analysis"
)

// AgentJobStatus — статус задачи. Переходы строго вперёд:
// initial -> in_progress -> completed | failed.
type AgentJobStatus string

const (
	AgentJobStatusInitial    AgentJobStatus = "initial"
	AgentJobStatusInProgress AgentJobStatus = "in_progress"
	AgentJobStatusCompleted  AgentJobStatus = "completed"
	AgentJobStatusFailed     AgentJobStatus = "failed"
)

// AgentJobMetadata — типозависимый payload задачи.
type AgentJobMetadata struct {
	UserPrompt string `json:"user_prompt,omitempty"`
	// FromChatID — чат, куда отправляется результат/уведомление.
	FromChatID int64 `json:"from_chat_id,omitempty"`
	// NotifyMessageID — сообщение «генерирую…», которое бот потом редактирует.
	NotifyMessageID int `json:"notify_message_id,omitempty"`
	// OriginalMessage — исходный текст поста (только post_update).
	OriginalMessage string `json:"original_message,omitempty"`
	// PhotoFileID — опциональное фото исходного поста (только post_update).
	PhotoFileID string `json:"photo_file_id,omitempty"`
}

// AgentJob — долговременная запись одной единицы асинхронной работы.
type AgentJob struct {
	ID              uuid.UUID
	AgentID         uuid.UUID
	TGUserID        int64
	ParentJobID     *uuid.UUID
	Type            AgentJobType
	Status          AgentJobStatus
	StatusChangedAt time.Time
	StatusError     *StatusError
	Metadata        AgentJobMetadata
	// Data — итоговый текст поста.
	Data      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// AgentJobMessage — сообщение очереди: ссылка на задачу плюс контекст доставки.
type AgentJobMessage struct {
	JobID      uuid.UUID    `json:"job_id"`
	Type       AgentJobType `json:"type"`
	FromChatID int64        `json:"from_chat_id,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// AgentJobQueue описывает очередь задач генерации.
type AgentJobQueue interface {
	Enqueue(ctx context.Context, msg AgentJobMessage) error
	// Receive блокирующе читает сообщение; ack(false) возвращает его в очередь.
	Receive(ctx context.Context) (AgentJobMessage, AckFunc, error)
}

// AckFunc подтверждает обработку сообщения очереди или запрашивает повтор.
type AckFunc func(success bool) error
