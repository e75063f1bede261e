package mtproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// Resolver проверяет существование канала через MTProto под бот-авторизацией.
type Resolver struct {
	apiID    int
	apiHash  string
	botToken string
	session  session.Storage
	log      zerolog.Logger
}

var _ domain.ChannelResolver = (*Resolver)(nil)

// NewResolver создаёт резолвер каналов.
func NewResolver(apiID int, apiHash, botToken string, log zerolog.Logger) *Resolver {
	return &Resolver{
		apiID:    apiID,
		apiHash:  apiHash,
		botToken: botToken,
		session:  &SessionInMemory{},
		log:      log,
	}
}

// Resolve возвращает метаданные публичного канала по хендлу без @.
func (r *Resolver) Resolve(ctx context.Context, handle string) (domain.ChannelMeta, error) {
	client := telegram.NewClient(r.apiID, r.apiHash, telegram.Options{SessionStorage: r.session})

	var meta domain.ChannelMeta
	start := time.Now()
	err := client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("статус авторизации: %w", err)
		}
		if !status.Authorized {
			if _, err := client.Auth().Bot(ctx, r.botToken); err != nil {
				return fmt.Errorf("бот-авторизация: %w", err)
			}
		}

		resolved, err := client.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: handle,
		})
		if err != nil {
			return fmt.Errorf("resolve @%s: %w", handle, err)
		}
		for _, chat := range resolved.Chats {
			channel, ok := chat.(*tg.Channel)
			if !ok {
				continue
			}
			if !channel.Broadcast {
				return fmt.Errorf("@%s не является каналом", handle)
			}
			meta = domain.ChannelMeta{ID: channel.ID, Handle: handle, Title: channel.Title}
			return nil
		}
		return fmt.Errorf("канал @%s: %w", handle, domain.ErrNotFound)
	})
	metrics.ObserveNetworkRequest("mtproto", "resolve_username", handle, start, err)
	if err != nil {
		return domain.ChannelMeta{}, err
	}
	r.log.Debug().Str("handle", handle).Int64("channel_id", meta.ID).Msg("mtproto: канал найден")
	return meta, nil
}

// SessionInMemory хранит MTProto-сессию в памяти процесса.
type SessionInMemory struct {
	mu   sync.Mutex
	data []byte
}

var _ session.Storage = (*SessionInMemory)(nil)

// LoadSession загружает сессию.
func (s *SessionInMemory) LoadSession(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

// StoreSession сохраняет сессию.
func (s *SessionInMemory) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}
