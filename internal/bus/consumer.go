package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"workflow.app/engine/common/logger"
)

type ConsumerConfig struct {
	Stream       string        // Redis stream name
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Dead letter queue stream for failed messages
	BatchSize    int64         // Number of messages to process per batch
	Block        time.Duration // How long to block/poll for new messages
	MaxAttempts  int           // Maximum retry attempts before moving to DLQ
	RequeueDelay time.Duration // Delay before retrying failed messages
}

// Message is a parsed integration event delivered off the bus.
type Message struct {
	ID            string // Redis stream message id
	EventID       string
	EventType     string
	Subject       string
	CorrelationID *string
	CausationID   *string
	Attempt       int
	Data          json.RawMessage
	Raw           redis.XMessage
}

// MessageProcessor handles one delivered message.
type MessageProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{client: client, cfg: cfg}
	if err := consumer.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}
	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Start from "0" rather than "$" so recreating the group on restart
	// doesn't lose messages already sitting in the stream.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "engine.bus.consumer"})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			parsed, parseErr := ParseMessage(raw)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message", "error", parseErr, "raw_message_id", raw.ID)
				_ = c.Ack(ctx, Message{ID: raw.ID, Raw: raw})
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream", "count", len(messages), "stream", c.cfg.Stream)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	slog.DebugContext(ctx, "message acknowledged", "stream", c.cfg.Stream)
	return nil
}

func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, reason string) error {
	nextAttempt := msg.Attempt + 1
	if nextAttempt > c.cfg.MaxAttempts {
		return c.SendDLQ(ctx, msg, reason)
	}

	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking message before requeue: %w", err)
	}

	values := messageValues(msg, nextAttempt)
	if reason != "" {
		values["last_error"] = reason
	}

	if c.cfg.RequeueDelay > 0 {
		time.Sleep(c.cfg.RequeueDelay)
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.Stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry", "next_attempt", nextAttempt, "reason", reason)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, reason string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking message before dlq: %w", err)
	}

	values := messageValues(msg, msg.Attempt)
	values["error"] = reason

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.DLQStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to dlq", "final_error", reason, "dlq_stream", c.cfg.DLQStream)
	return nil
}

// ParseMessage decodes a raw Redis stream entry into a Message.
func ParseMessage(msg redis.XMessage) (Message, error) {
	eventID, err := requiredString(msg.Values, "event_id")
	if err != nil {
		return Message{}, err
	}
	eventType, err := requiredString(msg.Values, "event_type")
	if err != nil {
		return Message{}, err
	}
	subject, err := requiredString(msg.Values, "subject")
	if err != nil {
		return Message{}, err
	}
	dataStr, err := requiredString(msg.Values, "data")
	if err != nil {
		return Message{}, err
	}

	var data json.RawMessage
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return Message{}, fmt.Errorf("decoding data field: %w", err)
	}

	attempt, err := optionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	correlationID := optionalString(msg.Values, "correlation_id")
	causationID := optionalString(msg.Values, "causation_id")

	return Message{
		ID:            msg.ID,
		EventID:       eventID,
		EventType:     eventType,
		Subject:       subject,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Attempt:       attempt,
		Data:          data,
		Raw:           msg,
	}, nil
}

func requiredString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	return fmt.Sprint(raw), nil
}

func optionalString(values map[string]any, key string) *string {
	raw, ok := values[key]
	if !ok {
		return nil
	}
	s := fmt.Sprint(raw)
	return &s
}

func optionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func messageValues(msg Message, attempt int) map[string]any {
	values := map[string]any{
		"event_id":        msg.EventID,
		"event_type":      msg.EventType,
		"subject":         msg.Subject,
		"data":            string(msg.Data),
		"datacontenttype": "application/json",
		"attempt":         attempt,
	}
	if msg.CorrelationID != nil {
		values["correlation_id"] = *msg.CorrelationID
	}
	if msg.CausationID != nil {
		values["causation_id"] = *msg.CausationID
	}
	return values
}
