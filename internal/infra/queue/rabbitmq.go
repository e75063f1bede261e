package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// RabbitJobQueue реализует очередь задач агентов поверх AMQP.
type RabbitJobQueue struct {
	url   string
	queue string

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// NewRabbitJobQueue создаёт очередь и объявляет durable-очередь на брокере.
func NewRabbitJobQueue(amqpURL, queue string) (*RabbitJobQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	q := &RabbitJobQueue{url: amqpURL, queue: queue}
	if _, err := q.channel(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitJobQueue) channel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	q.deliveries = nil
	if q.conn == nil || q.conn.IsClosed() {
		conn, err := amqp.Dial(q.url)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		q.conn = conn
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	q.ch = ch
	return ch, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitJobQueue) Enqueue(ctx context.Context, msg domain.AgentJobMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	start := time.Now()
	err = ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

func (q *RabbitJobQueue) consume() (<-chan amqp.Delivery, error) {
	ch, err := q.channel()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Receive блокирующе читает сообщение. Возвращённый ack с success=false
// возвращает сообщение в очередь для повторной доставки.
func (q *RabbitJobQueue) Receive(ctx context.Context) (domain.AgentJobMessage, domain.AckFunc, error) {
	for {
		deliveries, err := q.consume()
		if err != nil {
			return domain.AgentJobMessage{}, nil, err
		}
		select {
		case <-ctx.Done():
			return domain.AgentJobMessage{}, nil, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				// канал закрыт брокером, переподключаемся
				q.mu.Lock()
				q.deliveries = nil
				q.ch = nil
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return domain.AgentJobMessage{}, nil, ctx.Err()
				case <-time.After(time.Second):
				}
				continue
			}
			var msg domain.AgentJobMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				_ = delivery.Reject(false)
				return domain.AgentJobMessage{}, nil, fmt.Errorf("decode job message: %w", err)
			}
			ack := func(success bool) error {
				if success {
					return delivery.Ack(false)
				}
				return delivery.Nack(false, true)
			}
			return msg, ack, nil
		}
	}
}

// Close закрывает соединение с брокером.
func (q *RabbitJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ domain.AgentJobQueue = (*RabbitJobQueue)(nil)
