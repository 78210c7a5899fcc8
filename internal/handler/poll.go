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

const handlerPollExternalJob = "PollExternalJob"

// PollExternalJobHandler reacts to job.pollrequested.v1 by checking the
// external service and either recording a terminal outcome or preparing
// the next attempt (spec §4.7).
type PollExternalJobHandler struct {
	deps Deps
}

func NewPollExternalJobHandler(deps Deps) *PollExternalJobHandler {
	return &PollExternalJobHandler{deps: deps}
}

func (h *PollExternalJobHandler) Handle(ctx context.Context, msg bus.Message) error {
	acquired, err := beginLease(ctx, h.deps, handlerPollExternalJob, msg.EventID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	rawRequestID, err := bus.RequestIDFromSubject(msg.Subject)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	requestID := model.RequestId(rawRequestID)

	var trigger domain.PollRequestedPayload
	if err := json.Unmarshal(msg.Data, &trigger); err != nil {
		return fmt.Errorf("poll: decoding trigger payload: %w", err)
	}

	ctx = correlation.WithIDs(ctx, correlation.IDs{CorrelationID: msg.CorrelationID, CausationID: &msg.EventID})

	if err := h.run(ctx, requestID, trigger.ExternalJobID); err != nil {
		return fmt.Errorf("poll %s job %s: %w", requestID, trigger.ExternalJobID, err)
	}

	return completeLease(ctx, h.deps, handlerPollExternalJob, msg.EventID)
}

func (h *PollExternalJobHandler) run(ctx context.Context, requestID model.RequestId, jobID string) error {
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

	if stored, ok := findEvent(history, domain.EventJobTerminal, nil); ok {
		if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
			return err
		}
		return republishStored(ctx, h.deps, requestID, *stored)
	}

	status, err := h.deps.External.GetStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("getting external status: %w", err)
	}

	attempt := agg.SubmitAttemptCount
	if attempt < 1 {
		attempt = 1
	}

	switch status {
	case domain.RemoteCreated, domain.RemoteInprogress:
		// nextPollAtUtc was already advanced when job.pollrequested.v1 was
		// reduced; nothing to do until the scheduler selects it again.
		return nil

	case domain.RemotePass:
		return h.recordTerminal(ctx, agg, requestID, jobID, attempt, domain.TerminalPass)

	case domain.RemoteFail:
		return h.recordTerminal(ctx, agg, requestID, jobID, attempt, domain.TerminalFail)

	case domain.RemoteFailCanRetry:
		nextAttempt := agg.SubmitAttemptCount + 1
		if nextAttempt > h.deps.Config.MaxSubmitAttempts || !agg.HasKeys() {
			return h.recordTerminal(ctx, agg, requestID, jobID, attempt, domain.TerminalFail)
		}
		return h.prepareNextAttempt(ctx, agg, requestID, history, nextAttempt)

	default:
		h.deps.logger().WarnContext(ctx, "poll: unknown remote status, coercing to terminal fail", "requestId", requestID, "status", status)
		return h.recordTerminal(ctx, agg, requestID, jobID, attempt, domain.TerminalFail)
	}
}

func (h *PollExternalJobHandler) recordTerminal(ctx context.Context, agg *aggregate.Aggregate, requestID model.RequestId, jobID string, attempt int, status domain.TerminalStatus) error {
	correlationID := string(requestID)
	causationID := correlation.From(ctx).CausationID
	payload := domain.TerminalPayload{
		RequestID:      string(requestID),
		ExternalJobID:  jobID,
		TerminalStatus: status,
		Attempt:        attempt,
	}
	discriminator := eventid.Discriminator(fmt.Sprintf("attempt:%d", attempt), fmt.Sprintf("job:%s", jobID), fmt.Sprintf("status:%s", status))

	result, err := tryAppend(ctx, h.deps, requestID, domain.EventJobTerminal, &correlationID, causationID, discriminator, intPtr(agg.Version), payload)
	if err != nil {
		if isConcurrencyConflict(err) {
			return recoverFromConflict(ctx, h.deps, requestID, domain.EventJobTerminal, nil)
		}
		return fmt.Errorf("appending job.terminal.v1: %w", err)
	}

	if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
		return err
	}
	return publish(ctx, h.deps, requestID, result.event.EventID, domain.EventJobTerminal, result.event.OccurredUTC, payload)
}

func (h *PollExternalJobHandler) prepareNextAttempt(ctx context.Context, agg *aggregate.Aggregate, requestID model.RequestId, history []model.StoredEvent, nextAttempt int) error {
	if agg.HasPrepared(nextAttempt) {
		stored, ok := findEvent(history, domain.EventSubmissionPrepared, matchAttempt(nextAttempt))
		if !ok {
			return fmt.Errorf("aggregate reports prepared(%d) but no matching event found", nextAttempt)
		}
		if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
			return err
		}
		return republishStored(ctx, h.deps, requestID, *stored)
	}

	correlationID := string(requestID)
	causationID := correlation.From(ctx).CausationID
	payload := domain.PreparedPayload{
		RequestID:    string(requestID),
		PartitionKey: agg.PartitionKey,
		RowKey:       agg.RowKey,
		Attempt:      nextAttempt,
	}

	result, err := tryAppend(ctx, h.deps, requestID, domain.EventSubmissionPrepared, &correlationID, causationID, eventid.Discriminator(fmt.Sprintf("attempt:%d", nextAttempt)), intPtr(agg.Version), payload)
	if err != nil {
		if isConcurrencyConflict(err) {
			return recoverFromConflict(ctx, h.deps, requestID, domain.EventSubmissionPrepared, matchAttempt(nextAttempt))
		}
		return fmt.Errorf("appending submission.prepared.v1: %w", err)
	}

	if _, err := rebuildProjection(ctx, h.deps, requestID, agg.PartitionKey, agg.RowKey); err != nil {
		return err
	}
	return publish(ctx, h.deps, requestID, result.event.EventID, domain.EventSubmissionPrepared, result.event.OccurredUTC, payload)
}
