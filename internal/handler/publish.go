package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/correlation"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// publish wraps data as an integration event and hands it to the bus,
// stamping source/subject/time and the ambient correlation pair carried
// on ctx (spec §5, "Ambient correlation"; §6 wire format).
func publish(ctx context.Context, d Deps, requestID model.RequestId, eventID string, eventType domain.EventType, occurredUTC time.Time, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}

	ids := correlation.From(ctx)
	event := bus.IntegrationEvent{
		ID:              eventID,
		Type:            string(eventType),
		Source:          d.Source,
		Subject:         bus.Subject(string(requestID)),
		Time:            occurredUTC.UTC(),
		DataContentType: "application/json",
		CorrelationID:   ids.CorrelationID,
		CausationID:     ids.CausationID,
		Data:            payload,
	}

	if err := d.Publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publishing %s: %w", eventType, err)
	}
	return nil
}
