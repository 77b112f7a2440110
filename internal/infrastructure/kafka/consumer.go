package kafka

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// WebhookHandler consumes one raw gateway delivery.
type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) error
	SignatureHeader() string
}

// messageReader is the part of *kafka.Reader the consumer needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer replays webhook deliveries that an edge proxy queued on a topic,
// with the gateway signature carried in a message header.
type Consumer struct {
	reader  messageReader
	topic   string
	handler WebhookHandler
}

func NewConsumer(brokers []string, topic, groupID string, handler WebhookHandler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		topic:   topic,
		handler: handler,
	}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				slog.Info("Kafka consumer stopped", "topic", c.topic)
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.topic, "error", err)
			continue
		}

		slog.Info("Kafka message received", "topic", msg.Topic, "key", string(msg.Key), "offset", msg.Offset)

		signature := headerValue(msg.Headers, c.handler.SignatureHeader())
		// Deliveries are acknowledged whatever the outcome, as over HTTP.
		if err := c.handler.Handle(ctx, msg.Value, signature); err != nil {
			slog.Warn("queued webhook not applied", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
