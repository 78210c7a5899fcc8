package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"workflow.app/engine/internal/aggregate"
	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/correlation"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/eventid"
	"workflow.app/engine/internal/model"
)

const handlerPrepareSubmission = "PrepareSubmission"

// PrepareSubmissionHandler reacts to request.discovered.v1 by recording
// the next submit attempt (spec §4.5).
type PrepareSubmissionHandler struct {
	deps Deps
}

func NewPrepareSubmissionHandler(deps Deps) *PrepareSubmissionHandler {
	return &PrepareSubmissionHandler{deps: deps}
}

func (h *PrepareSubmissionHandler) Handle(ctx context.Context, msg bus.Message) error {
	acquired, err := beginLease(ctx, h.deps, handlerPrepareSubmission, msg.EventID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	rawRequestID, err := bus.RequestIDFromSubject(msg.Subject)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	requestID := model.RequestId(rawRequestID)

	ctx = correlation.WithIDs(ctx, correlation.IDs{CorrelationID: msg.CorrelationID, CausationID: &msg.EventID})

	if err := h.run(ctx, requestID); err != nil {
		return fmt.Errorf("prepare %s: %w", requestID, err)
	}

	return completeLease(ctx, h.deps, handlerPrepareSubmission, msg.EventID)
}

func (h *PrepareSubmissionHandler) run(ctx context.Context, requestID model.RequestId) error {
	history, err := h.deps.Events.ReadStream(ctx, string(requestID))
	if err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	agg, err := aggregate.Rehydrate(requestID, history)
	if err != nil {
		return err
	}

	if agg.IsTerminal() {
		return nil
	}
	if !agg.HasKeys() {
		h.deps.logger().WarnContext(ctx, "prepare: aggregate missing keys, discarding", "requestId", requestID)
		return nil
	}

	attempt := agg.SubmitAttemptCount + 1
	if attempt > h.deps.Config.MaxSubmitAttempts {
		h.deps.logger().WarnContext(ctx, "prepare: attempt budget exhausted", "requestId", requestID, "attempt", attempt)
		return nil
	}

	if agg.HasPrepared(attempt) {
		stored, ok := findEvent(history, domain.EventSubmissionPrepared, matchAttempt(attempt))
		if !ok {
			return fmt.Errorf("aggregate reports prepared(%d) but no matching event found", attempt)
		}
		if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
			return err
		}
		return republishStored(ctx, h.deps, requestID, *stored)
	}

	correlationID := string(requestID)
	payload := domain.PreparedPayload{
		RequestID:    string(requestID),
		PartitionKey: agg.PartitionKey,
		RowKey:       agg.RowKey,
		Attempt:      attempt,
	}

	result, err := tryAppend(ctx, h.deps, requestID, domain.EventSubmissionPrepared, &correlationID, correlation.From(ctx).CausationID, eventid.Discriminator(fmt.Sprintf("attempt:%d", attempt)), intPtr(agg.Version), payload)
	if err != nil {
		if isConcurrencyConflict(err) {
			return nil
		}
		return fmt.Errorf("appending submission.prepared.v1: %w", err)
	}

	if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
		return err
	}
	return publish(ctx, h.deps, requestID, result.event.EventID, domain.EventSubmissionPrepared, result.event.OccurredUTC, payload)
}

// matchAttempt builds a findEvent predicate matching any payload with an
// "attempt" field equal to attempt.
func matchAttempt(attempt int) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var p struct {
			Attempt int `json:"attempt"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return false
		}
		return p.Attempt == attempt
	}
}
