package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/eventid"
	"workflow.app/engine/internal/model"
)

// appendResult carries enough of the freshly appended event back to the
// caller to rebuild the projection and publish, without re-reading the
// stream.
type appendResult struct {
	event      model.EventToAppend
	newVersion int
}

// tryAppend computes the deterministic id for (requestId, eventType,
// correlationId, causationId, discriminator), marshals data, and appends a
// single event at expectedVersion. A *store.ConcurrencyError is returned
// unwrapped so callers can branch on isConcurrencyConflict.
func tryAppend(ctx context.Context, d Deps, requestID model.RequestId, eventType domain.EventType, correlationID, causationID, discriminator *string, expectedVersion *int, data any) (appendResult, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return appendResult{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}

	id, err := eventid.CreateDeterministic(string(requestID), string(eventType), correlationID, causationID, discriminator)
	if err != nil {
		return appendResult{}, fmt.Errorf("computing event id for %s: %w", eventType, err)
	}

	toAppend := model.EventToAppend{
		EventID:       id,
		EventType:     string(eventType),
		OccurredUTC:   d.now(),
		Data:          payload,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}

	newVersion, err := d.Events.Append(ctx, string(requestID), []model.EventToAppend{toAppend}, expectedVersion)
	if err != nil {
		return appendResult{}, err
	}

	return appendResult{event: toAppend, newVersion: newVersion}, nil
}

func intPtr(v int) *int { return &v }

func isoDiscriminator(attempt int, due time.Time) *string {
	return eventid.Discriminator(fmt.Sprintf("attempt:%d", attempt), fmt.Sprintf("due:%s", due.UTC().Format(time.RFC3339Nano)))
}
