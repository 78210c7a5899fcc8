package handler

import (
	"context"
	"fmt"

	"workflow.app/engine/internal/correlation"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// ScheduleDuePollsHandler is the timer-driven sibling of Discover: it
// selects projections due for a poll and appends job.pollrequested.v1 for
// each (spec §4.9). Like Discover, it carries no idempotency lease — the
// due-time discriminator and the projection's version guard are the
// cross-invocation dedupe.
type ScheduleDuePollsHandler struct {
	deps Deps
}

func NewScheduleDuePollsHandler(deps Deps) *ScheduleDuePollsHandler {
	return &ScheduleDuePollsHandler{deps: deps}
}

// Tick runs one scheduling pass over up to pollBatchSize due projections.
func (h *ScheduleDuePollsHandler) Tick(ctx context.Context) error {
	now := h.deps.now()
	due, err := h.deps.Projections.GetDueForPoll(ctx, now, h.deps.Config.PollBatchSize)
	if err != nil {
		return fmt.Errorf("scheduler: listing due projections: %w", err)
	}

	for _, proj := range due {
		if err := h.scheduleOne(ctx, proj); err != nil {
			return fmt.Errorf("scheduler: request %s: %w", proj.RequestID, err)
		}
	}
	return nil
}

func (h *ScheduleDuePollsHandler) scheduleOne(ctx context.Context, proj model.RequestProjection) error {
	if proj.ExternalJobID == nil || proj.SubmitAttemptCount == 0 {
		return nil
	}

	correlationID := string(proj.RequestID)
	ctx = correlation.WithIDs(ctx, correlation.IDs{CorrelationID: &correlationID})

	dueAt := *proj.NextPollAtUTC
	payload := domain.PollRequestedPayload{
		RequestID:     string(proj.RequestID),
		ExternalJobID: *proj.ExternalJobID,
		Attempt:       proj.SubmitAttemptCount,
	}
	discriminator := isoDiscriminator(proj.SubmitAttemptCount, dueAt)

	result, err := tryAppend(ctx, h.deps, proj.RequestID, domain.EventJobPollRequested, &correlationID, nil, discriminator, intPtr(proj.LastAppliedEventVersion), payload)
	if err != nil {
		if isConcurrencyConflict(err) {
			return nil
		}
		return fmt.Errorf("appending job.pollrequested.v1: %w", err)
	}

	if _, err := rebuildProjection(ctx, h.deps, proj.RequestID, proj.PartitionKey, proj.RowKey); err != nil {
		return err
	}
	return publish(ctx, h.deps, proj.RequestID, result.event.EventID, domain.EventJobPollRequested, result.event.OccurredUTC, payload)
}
