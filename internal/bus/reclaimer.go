package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"workflow.app/engine/common/logger"
)

type ReclaimerConfig struct {
	Stream      string
	Group       string
	Consumer    string
	MinIdle     time.Duration
	Interval    time.Duration
	BatchSize   int64
	MaxAttempts int // mirrors Worker's retry/DLQ policy for messages reclaimed from a dead consumer
}

// Reclaimer periodically reclaims stale pending messages: the crash
// recovery path for a worker that died after XREADGROUP but before XACK.
type Reclaimer struct {
	client    *redis.Client
	cfg       ReclaimerConfig
	consumer  *RedisConsumer
	processor MessageProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(client *redis.Client, cfg ReclaimerConfig, consumer *RedisConsumer, processor MessageProcessor) *Reclaimer {
	return &Reclaimer{
		client:    client,
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reclaimer loop. Blocks until Stop() is called or ctx ends.
func (r *Reclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "engine.bus.reclaimer"})
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started", "interval", r.cfg.Interval, "min_idle", r.cfg.MinIdle, "stream", r.cfg.Stream)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reclaimer) reclaimOnce(ctx context.Context) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stale pending messages", "count", len(pending))

	for _, p := range pending {
		if err := r.reclaimMessage(ctx, p); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim message", "error", err, "message_id", p.ID, "original_consumer", p.Consumer)
		}
	}

	return nil
}

func (r *Reclaimer) reclaimMessage(ctx context.Context, pending redis.XPendingExt) error {
	msgID := pending.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventID: &msgID})

	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	if len(messages) == 0 {
		slog.DebugContext(ctx, "message already reclaimed by another worker")
		return nil
	}

	raw := messages[0]
	parsed, err := ParseMessage(raw)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse reclaimed message, acknowledging to prevent loop", "error", err)
		_ = r.consumer.Ack(ctx, Message{ID: raw.ID, Raw: raw})
		return nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{EventType: &parsed.EventType})

	start := time.Now()
	if err := r.processor(ctx, parsed); err != nil {
		return r.handleFailedMessage(ctx, parsed, err)
	}

	if err := r.consumer.Ack(ctx, parsed); err != nil {
		slog.WarnContext(ctx, "failed to ack reclaimed message", "error", err, "message_id", parsed.ID)
	}
	slog.InfoContext(ctx, "reclaimed message processed successfully", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// handleFailedMessage applies the same attempt-bound requeue/DLQ policy the
// dispatch loop uses (Worker.handleFailedMessage), so a message that keeps
// failing after being claimed from a dead consumer still ages out to the
// DLQ instead of cycling through reclaim forever.
func (r *Reclaimer) handleFailedMessage(ctx context.Context, msg Message, cause error) error {
	if msg.Attempt >= r.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached on reclaimed message, sending to dlq", "message_id", msg.ID, "attempts", msg.Attempt)
		if err := r.consumer.SendDLQ(ctx, msg, cause.Error()); err != nil {
			return fmt.Errorf("sending reclaimed message to dlq: %w", err)
		}
		return nil
	}

	slog.WarnContext(ctx, "requeuing failed reclaimed message", "message_id", msg.ID, "attempt", msg.Attempt)
	if err := r.consumer.Requeue(ctx, msg, cause.Error()); err != nil {
		return fmt.Errorf("requeuing reclaimed message: %w", err)
	}
	return nil
}
