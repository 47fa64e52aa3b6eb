package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher owns the poll-queue topology. Delayed delivery uses the delay
// queue's per-message TTL: an expired message dead-letters back into the main
// queue, where the worker picks it up. Poison messages nacked by the worker
// dead-letter into the DLQ.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	delay string
}

// PollMessage is the scheduled re-check payload. The attempt counter travels
// with the message; there is no separate retry-state store.
type PollMessage struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	mainQ := queue
	delayQ := queue + ".delay"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	// Delay queue: message TTL -> dead-letter into the main queue.
	if _, err := ch.QueueDeclare(
		delayQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false).
	if _, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: mainQ, delay: delayQ}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishPoll enqueues a re-check for taskID after delay. Delivery is
// at-least-once; the poll handler tolerates duplicates.
func (p *Publisher) PublishPoll(ctx context.Context, taskID string, attempt int, delay time.Duration) error {
	body, err := json.Marshal(PollMessage{TaskID: taskID, Attempt: attempt})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	routing := p.queue
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		routing = p.delay
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	return p.ch.PublishWithContext(cctx,
		"", // default exchange
		routing,
		false,
		false,
		pub,
	)
}
