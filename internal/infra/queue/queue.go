package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"viralink-backend/internal/domain"
)

// JobQueue — очередь задач с явным освобождением соединения.
type JobQueue interface {
	domain.AgentJobQueue
	Close() error
}

// New выбирает реализацию очереди по настройке backend.
func New(backend, amqpURL, redisAddr, key string) (JobQueue, error) {
	switch backend {
	case "rabbitmq":
		return NewRabbitJobQueue(amqpURL, key)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		return NewRedisJobQueue(client, key), nil
	default:
		return nil, fmt.Errorf("неизвестный бэкенд очереди: %s", backend)
	}
}
