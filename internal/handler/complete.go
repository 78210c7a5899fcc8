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

const handlerCompleteRequest = "CompleteRequest"

// CompleteRequestHandler reacts to job.terminal.v1 by writing the final
// intake row status and closing the stream with request.completed.v1
// (spec §4.8).
type CompleteRequestHandler struct {
	deps Deps
}

func NewCompleteRequestHandler(deps Deps) *CompleteRequestHandler {
	return &CompleteRequestHandler{deps: deps}
}

func (h *CompleteRequestHandler) Handle(ctx context.Context, msg bus.Message) error {
	acquired, err := beginLease(ctx, h.deps, handlerCompleteRequest, msg.EventID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	rawRequestID, err := bus.RequestIDFromSubject(msg.Subject)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	requestID := model.RequestId(rawRequestID)

	var trigger domain.TerminalPayload
	if err := json.Unmarshal(msg.Data, &trigger); err != nil {
		return fmt.Errorf("complete: decoding trigger payload: %w", err)
	}

	ctx = correlation.WithIDs(ctx, correlation.IDs{CorrelationID: msg.CorrelationID, CausationID: &msg.EventID})

	if err := h.run(ctx, requestID, trigger.TerminalStatus); err != nil {
		return fmt.Errorf("complete %s: %w", requestID, err)
	}

	return completeLease(ctx, h.deps, handlerCompleteRequest, msg.EventID)
}

func (h *CompleteRequestHandler) run(ctx context.Context, requestID model.RequestId, terminalStatus domain.TerminalStatus) error {
	history, err := h.deps.Events.ReadStream(ctx, string(requestID))
	if err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	agg, err := aggregate.Rehydrate(requestID, history)
	if err != nil {
		return err
	}

	partitionKey, rowKey := agg.PartitionKey, agg.RowKey
	if !agg.HasKeys() {
		_, partitionKey, rowKey, err = model.ParseRequestId(string(requestID))
		if err != nil {
			return fmt.Errorf("aggregate missing keys and request id unparseable: %w", err)
		}
	}

	final := finalStatusFor(terminalStatus)

	if stored, ok := findEvent(history, domain.EventRequestCompleted, nil); ok {
		if err := h.deps.Intake.MarkTerminal(ctx, partitionKey, rowKey, intakeStatusFor(final)); err != nil {
			return fmt.Errorf("marking intake row terminal: %w", err)
		}
		if _, err := rebuildProjection(ctx, h.deps, requestID, partitionKey, rowKey); err != nil {
			return err
		}
		return republishStored(ctx, h.deps, requestID, *stored)
	}

	if err := h.deps.Intake.MarkTerminal(ctx, partitionKey, rowKey, intakeStatusFor(final)); err != nil {
		return fmt.Errorf("marking intake row terminal: %w", err)
	}

	correlationID := string(requestID)
	causationID := correlation.From(ctx).CausationID
	payload := domain.CompletedPayload{
		RequestID:   string(requestID),
		FinalStatus: final,
	}

	result, err := tryAppend(ctx, h.deps, requestID, domain.EventRequestCompleted, &correlationID, causationID, eventid.Discriminator(fmt.Sprintf("final:%s", final)), intPtr(agg.Version), payload)
	if err != nil {
		if isConcurrencyConflict(err) {
			return nil
		}
		return fmt.Errorf("appending request.completed.v1: %w", err)
	}

	if _, err := rebuildProjection(ctx, h.deps, requestID, partitionKey, rowKey); err != nil {
		return err
	}
	return publish(ctx, h.deps, requestID, result.event.EventID, domain.EventRequestCompleted, result.event.OccurredUTC, payload)
}

// finalStatusFor maps a terminal status to the final outcome written to
// the intake store and request.completed.v1. A terminal FailCanRetry
// should never be produced by PollExternalJobHandler — if one is seen
// here, it indicates a producer bug, and this branch is the defensive
// fallback rather than the expected path (spec §9, open question).
func finalStatusFor(terminal domain.TerminalStatus) domain.FinalStatus {
	if terminal == domain.TerminalPass {
		return domain.FinalPass
	}
	return domain.FinalFail
}

func intakeStatusFor(final domain.FinalStatus) model.IntakeStatus {
	if final == domain.FinalPass {
		return model.IntakePass
	}
	return model.IntakeFail
}
