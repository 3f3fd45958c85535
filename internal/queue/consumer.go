package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// RunMessage asks a worker to run the recipe at Recipe.
type RunMessage struct {
	Recipe    string `json:"recipe"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	Aggregate *bool  `json:"aggregate,omitempty"`
}

func ParseRunMessage(body []byte) (RunMessage, error) {
	var msg RunMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return RunMessage{}, fmt.Errorf("failed to decode run message: %w", err)
	}
	if msg.Recipe == "" {
		return RunMessage{}, errors.New("run message has no recipe")
	}
	return msg, nil
}

// HandlerFunc processes one message body. A returned error sends the
// message to the retry queue.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consume delivers the messages of queue to handle one at a time until ctx
// is done.
func (c *Client) Consume(ctx context.Context, queue string, handle HandlerFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, queue, queue+"_consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}

	logger.Info("[Queue] Listening for messages", "queue", queue)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer", "queue", queue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			start := time.Now()
			logger.Info("[Queue] Received message", "queue", queue)
			if err := handle(ctx, msg.Body); err != nil {
				logger.Error("[Queue] Error processing message", "queue", queue, "err", err)
				handleProcessingError(ctx, ch, msg, queue)
				continue
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("[Queue] Failed to ack message", "err", err)
			}
			logger.Info("[Queue] Message processed", "queue", queue, "duration", time.Since(start).Round(time.Millisecond))
		}
	}
}

func retryCount(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// nextDestination returns the queue a failed message goes to and the
// headers it is republished with.
func nextDestination(queue string, headers amqp091.Table) (string, amqp091.Table) {
	retries := retryCount(headers)
	out := amqp091.Table{}
	for k, v := range headers {
		out[k] = v
	}
	if retries >= MaxRetries {
		return queue + "_dlq", out
	}
	out["x-retries"] = int32(retries + 1)
	return queue + "_retry", out
}

func handleProcessingError(ctx context.Context, ch *amqp091.Channel, msg amqp091.Delivery, queue string) {
	target, headers := nextDestination(queue, msg.Headers)
	pub := publishing(msg.ContentType, msg.Body, time.Now())
	pub.Headers = headers

	if err := ch.PublishWithContext(ctx, "", target, false, false, pub); err != nil {
		logger.Error("[Queue] Failed to republish message", "queue", target, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	logger.Info("[Queue] Republished failed message", "queue", target, "retries", headers["x-retries"])
	_ = msg.Ack(false)
}
