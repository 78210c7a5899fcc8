package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"workflow.app/engine/internal/correlation"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// findEvent scans history for the event of the given type that satisfies
// match, most-recent (highest version) first. Handlers use it to locate a
// previously appended event on the "already handled" recovery path (spec
// §9, "Deterministic republish").
func findEvent(history []model.StoredEvent, eventType domain.EventType, match func(data json.RawMessage) bool) (*model.StoredEvent, bool) {
	var found *model.StoredEvent
	for i := range history {
		event := &history[i]
		if event.EventType != string(eventType) {
			continue
		}
		if match != nil && !match(event.Data) {
			continue
		}
		if found == nil || event.Version > found.Version {
			found = event
		}
	}
	if found == nil {
		return nil, false
	}
	return found, true
}

// recoverFromConflict re-reads a stream after a losing append and
// republishes whichever event the winning writer produced, if it matches
// eventType/match. Used on the "treat as handled" path for appends that
// must still surface the winner's event on the bus (spec §4.7 step 4).
func recoverFromConflict(ctx context.Context, d Deps, requestID model.RequestId, eventType domain.EventType, match func(json.RawMessage) bool) error {
	history, err := d.Events.ReadStream(ctx, string(requestID))
	if err != nil {
		return fmt.Errorf("re-reading stream after concurrency conflict: %w", err)
	}
	stored, ok := findEvent(history, eventType, match)
	if !ok {
		d.logger().WarnContext(ctx, "concurrency conflict but winning event not found", "requestId", requestID, "eventType", eventType)
		return nil
	}
	return republishStored(ctx, d, requestID, *stored)
}

// republishStored re-publishes a previously appended event verbatim, using
// its own stored id, type, and timestamp. This is the crash-recovery path
// every appending handler must take when it discovers its work already
// happened: subscribers dedupe on event id, so republishing is always safe
// and never produces a duplicate side effect downstream.
func republishStored(ctx context.Context, d Deps, requestID model.RequestId, event model.StoredEvent) error {
	// Republish under the correlation pair captured when the event was
	// first appended, not whatever triggered this recovery attempt.
	ctx = correlation.WithIDs(ctx, correlation.IDs{
		CorrelationID: event.CorrelationID,
		CausationID:   event.CausationID,
	})

	if err := publish(ctx, d, requestID, event.EventID, domain.EventType(event.EventType), event.OccurredUTC, json.RawMessage(event.Data)); err != nil {
		return fmt.Errorf("republishing stored event %s: %w", event.EventID, err)
	}
	return nil
}
