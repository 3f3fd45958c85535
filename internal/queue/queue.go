// Package queue connects tabgraph to RabbitMQ: finished runs are announced
// on a topic exchange and workers receive run requests from a durable queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	RunQueue = "run_queue"

	// MaxRetries is how often a failed message is redelivered through the
	// retry queue before it is moved to the dead-letter queue.
	MaxRetries = 10

	retryTTL = 10 * time.Second
)

// Client holds one connection and a publishing channel.
type Client struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
}

// Dial connects to url and declares exchange as a topic exchange.
func Dial(url, exchange string) (*Client, error) {
	if url == "" {
		return nil, errors.New("no amqp url configured")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &Client{conn: conn, ch: ch, exchange: exchange}, nil
}

// SetupQueues declares every queue together with its retry and dead-letter
// queue. Messages in the retry queue return to their queue after retryTTL.
func (c *Client) SetupQueues(names ...string) error {
	for _, name := range names {
		for _, q := range queueDeclarations(name) {
			if _, err := c.ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
			}
		}
	}
	return nil
}

type queueDeclaration struct {
	name string
	args amqp091.Table
}

func queueDeclarations(name string) []queueDeclaration {
	return []queueDeclaration{
		{name: name},
		{name: name + "_dlq"},
		{name: name + "_retry", args: amqp091.Table{
			"x-message-ttl":             int32(retryTTL / time.Millisecond),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		}},
	}
}

func publishing(contentType string, body []byte, now time.Time) amqp091.Publishing {
	return amqp091.Publishing{
		ContentType:  contentType,
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    now,
	}
}

// Notify publishes body on the topic exchange.
func (c *Client) Notify(ctx context.Context, topic string, body []byte) error {
	err := c.ch.PublishWithContext(ctx, c.exchange, topic, false, false, publishing("application/json", body, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	logger.Debug("[Queue] Published notification", "exchange", c.exchange, "topic", topic)
	return nil
}

// Publish enqueues body on a durable queue.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	err := c.ch.PublishWithContext(ctx, "", queue, false, false, publishing("application/json", body, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
