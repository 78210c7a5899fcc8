package handler

import (
	"context"
	"fmt"

	"workflow.app/engine/internal/model"
	"workflow.app/engine/internal/projection"
)

// rebuildProjection replays requestID's full stream through the reducer
// and persists the result. Every handler that appends an event calls this
// immediately afterward, before publishing (spec §4.3–§4.9).
func rebuildProjection(ctx context.Context, d Deps, requestID model.RequestId, partitionKey, rowKey string) (model.RequestProjection, error) {
	history, err := d.Events.ReadStream(ctx, string(requestID))
	if err != nil {
		return model.RequestProjection{}, fmt.Errorf("reading stream for projection rebuild: %w", err)
	}

	proj := projection.New(requestID, partitionKey, rowKey)
	for _, event := range history {
		proj, err = projection.Reduce(proj, event, d.Config.PollInterval)
		if err != nil {
			return model.RequestProjection{}, fmt.Errorf("reducing event %s: %w", event.EventID, err)
		}
	}

	if err := d.Projections.Upsert(ctx, proj); err != nil {
		return model.RequestProjection{}, fmt.Errorf("upserting projection for %s: %w", requestID, err)
	}
	return proj, nil
}
