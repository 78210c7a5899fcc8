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

const handlerSubmitJob = "SubmitJob"

// SubmitJobHandler reacts to submission.prepared.v1 by calling the
// external service and recording the resulting job (spec §4.6).
type SubmitJobHandler struct {
	deps Deps
}

func NewSubmitJobHandler(deps Deps) *SubmitJobHandler {
	return &SubmitJobHandler{deps: deps}
}

func (h *SubmitJobHandler) Handle(ctx context.Context, msg bus.Message) error {
	acquired, err := beginLease(ctx, h.deps, handlerSubmitJob, msg.EventID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	rawRequestID, err := bus.RequestIDFromSubject(msg.Subject)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	requestID := model.RequestId(rawRequestID)

	var trigger domain.PreparedPayload
	if err := json.Unmarshal(msg.Data, &trigger); err != nil {
		return fmt.Errorf("submit: decoding trigger payload: %w", err)
	}

	ctx = correlation.WithIDs(ctx, correlation.IDs{CorrelationID: msg.CorrelationID, CausationID: &msg.EventID})

	if err := h.run(ctx, requestID, trigger.Attempt); err != nil {
		return fmt.Errorf("submit %s attempt %d: %w", requestID, trigger.Attempt, err)
	}

	return completeLease(ctx, h.deps, handlerSubmitJob, msg.EventID)
}

func (h *SubmitJobHandler) run(ctx context.Context, requestID model.RequestId, attempt int) error {
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

	if attempt < 1 || attempt > h.deps.Config.MaxSubmitAttempts {
		h.deps.logger().WarnContext(ctx, "submit: attempt out of bounds, discarding", "requestId", requestID, "attempt", attempt)
		return nil
	}

	if agg.HasSubmitted(attempt) {
		stored, ok := findEvent(history, domain.EventJobSubmitted, matchAttempt(attempt))
		if !ok {
			return fmt.Errorf("aggregate reports submitted(%d) but no matching event found", attempt)
		}
		if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
			return err
		}
		return republishStored(ctx, h.deps, requestID, *stored)
	}

	jobID, status, err := h.deps.External.CreateJob(ctx, requestID, attempt)
	if err != nil {
		return fmt.Errorf("creating external job: %w", err)
	}
	h.deps.logger().InfoContext(ctx, "submit: external job created", "requestId", requestID, "attempt", attempt, "jobId", jobID, "status", status)

	correlationID := string(requestID)
	causationID := correlation.From(ctx).CausationID
	payload := domain.SubmittedPayload{
		RequestID:     string(requestID),
		PartitionKey:  agg.PartitionKey,
		RowKey:        agg.RowKey,
		ExternalJobID: jobID,
		Attempt:       attempt,
	}

	result, err := tryAppend(ctx, h.deps, requestID, domain.EventJobSubmitted, &correlationID, causationID, eventid.Discriminator(fmt.Sprintf("attempt:%d", attempt)), intPtr(agg.Version), payload)
	if err != nil {
		if isConcurrencyConflict(err) {
			return nil
		}
		return fmt.Errorf("appending job.submitted.v1: %w", err)
	}

	if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
		return err
	}
	return publish(ctx, h.deps, requestID, result.event.EventID, domain.EventJobSubmitted, result.event.OccurredUTC, payload)
}
