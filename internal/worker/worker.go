// Package worker runs the bus consumer loop that dispatches delivered
// integration events to the handler registered for their type, with
// panic recovery and the requeue/DLQ policy from the failure semantics
// table (spec §4.10).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/domain"
)

// EventHandler is satisfied by every event-triggered handler
// (PrepareSubmission, SubmitJob, PollExternalJob, CompleteRequest).
type EventHandler interface {
	Handle(ctx context.Context, msg bus.Message) error
}

type Config struct {
	MaxAttempts int
}

// Worker pulls batches off a RedisConsumer and routes each message to the
// handler registered for its EventType.
type Worker struct {
	consumer *bus.RedisConsumer
	handlers map[domain.EventType]EventHandler
	cfg      Config
	logger   *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *bus.RedisConsumer, handlers map[domain.EventType]EventHandler, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		consumer:  consumer,
		handlers:  handlers,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	w.logger.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			w.logger.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				w.logger.ErrorContext(ctx, "batch processing error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		w.processMessageSafe(ctx, msg)
	}
	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg bus.Message) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				w.logger.ErrorContext(ctx, "panic recovered in message processing", "panic", r, "message_id", msg.ID, "event_id", msg.EventID)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return w.dispatch(ctx, msg)
	}()

	if err != nil {
		w.logger.ErrorContext(ctx, "message processing failed", "error", err, "message_id", msg.ID, "event_id", msg.EventID, "event_type", msg.EventType)
		w.handleFailedMessage(ctx, msg, err)
		return
	}

	if err := w.consumer.Ack(ctx, msg); err != nil {
		w.logger.WarnContext(ctx, "failed to ack message", "error", err, "message_id", msg.ID)
	}
}

func (w *Worker) dispatch(ctx context.Context, msg bus.Message) error {
	h, ok := w.handlers[domain.EventType(msg.EventType)]
	if !ok {
		w.logger.WarnContext(ctx, "no handler registered for event type, discarding", "event_type", msg.EventType, "event_id", msg.EventID)
		return nil
	}
	return h.Handle(ctx, msg)
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg bus.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		w.logger.ErrorContext(ctx, "max attempts reached, sending to dlq", "message_id", msg.ID, "event_id", msg.EventID, "attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			w.logger.ErrorContext(ctx, "failed to send to dlq", "error", dlqErr)
		}
		return
	}

	w.logger.WarnContext(ctx, "requeuing failed message", "message_id", msg.ID, "event_id", msg.EventID, "attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		w.logger.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
