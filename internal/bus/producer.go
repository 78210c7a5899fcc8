package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher is the EventPublisher contract the core consumes (spec §6):
// at-least-once, fire-and-forget from the handler's point of view.
type Publisher interface {
	Publish(ctx context.Context, event IntegrationEvent) error
	Close() error
}

type redisPublisher struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// NewRedisPublisher returns a Publisher that XAdds to a single stream.
func NewRedisPublisher(client *redis.Client, stream string, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisPublisher{client: client, stream: stream, logger: logger}
}

func (p *redisPublisher) Publish(ctx context.Context, event IntegrationEvent) error {
	fields, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.InfoContext(ctx, "published event", "event_id", event.ID, "event_type", event.Type, "subject", event.Subject)
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

func encodeEvent(event IntegrationEvent) (map[string]any, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"event_id":         event.ID,
		"event_type":       event.Type,
		"source":           event.Source,
		"subject":          event.Subject,
		"time":             event.Time.Format(timeLayout),
		"datacontenttype":  event.DataContentType,
		"data":             string(data),
		"attempt":          1,
	}
	if event.CorrelationID != nil {
		fields["correlation_id"] = *event.CorrelationID
	}
	if event.CausationID != nil {
		fields["causation_id"] = *event.CausationID
	}
	return fields, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"
