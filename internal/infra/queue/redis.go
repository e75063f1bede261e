package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// RedisJobQueue реализует очередь задач агентов на базе Redis lists.
// Используется в dev-окружении вместо RabbitMQ; at-least-once здесь не
// гарантируется — сообщение теряется, если воркер упал после BRPOP.
type RedisJobQueue struct {
	client *redis.Client
	key    string
}

// NewRedisJobQueue создаёт очередь по указанному ключу.
func NewRedisJobQueue(client *redis.Client, key string) *RedisJobQueue {
	return &RedisJobQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisJobQueue) Enqueue(ctx context.Context, msg domain.AgentJobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job message: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// Receive блокирующе читает сообщение из очереди. ack(false) возвращает
// сообщение в хвост очереди.
func (q *RedisJobQueue) Receive(ctx context.Context) (domain.AgentJobMessage, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.AgentJobMessage{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.AgentJobMessage{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.AgentJobMessage{}, nil, err
		}
		if len(res) != 2 {
			return domain.AgentJobMessage{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := res[1]
		var msg domain.AgentJobMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return domain.AgentJobMessage{}, nil, fmt.Errorf("decode job message: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return msg, ack, nil
	}
}

// Close закрывает соединение с Redis.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

var _ domain.AgentJobQueue = (*RedisJobQueue)(nil)
