package handler

import (
	"context"
	"fmt"
	"time"

	"workflow.app/engine/internal/correlation"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// DiscoverHandler is the timer-driven entry point into a request's life:
// it claims eligible intake rows and starts their stream with
// request.discovered.v1 (spec §4.4). It carries no idempotency lease —
// expectedVersion=0 on the append is the cross-invocation guard.
type DiscoverHandler struct {
	deps Deps
}

func NewDiscoverHandler(deps Deps) *DiscoverHandler {
	return &DiscoverHandler{deps: deps}
}

// Tick runs one discovery pass over up to intakeBatchSize eligible rows.
func (h *DiscoverHandler) Tick(ctx context.Context) error {
	now := h.deps.now()
	rows, err := h.deps.Intake.GetAvailableUnprocessed(ctx, h.deps.Config.IntakeBatchSize, now)
	if err != nil {
		return fmt.Errorf("discover: listing available intake rows: %w", err)
	}

	for _, row := range rows {
		if err := h.discoverRow(ctx, row, now); err != nil {
			return fmt.Errorf("discover: row %s/%s: %w", row.PartitionKey, row.RowKey, err)
		}
	}
	return nil
}

func (h *DiscoverHandler) discoverRow(ctx context.Context, row model.IntakeRow, now time.Time) error {
	claimed, err := h.deps.Intake.TryClaim(ctx, row, now.Add(h.deps.Config.LeaseDuration))
	if err != nil {
		return fmt.Errorf("claiming row: %w", err)
	}
	if !claimed {
		h.deps.logger().DebugContext(ctx, "discover: claim lost, skipping row", "partitionKey", row.PartitionKey, "rowKey", row.RowKey)
		return nil
	}

	requestID, err := model.NewRequestId(row.PartitionKey, row.RowKey)
	if err != nil {
		return fmt.Errorf("building request id: %w", err)
	}

	correlationID := string(requestID)
	ctx = correlation.WithIDs(ctx, correlation.IDs{CorrelationID: &correlationID})

	payload := domain.DiscoveredPayload{
		RequestID:    string(requestID),
		PartitionKey: row.PartitionKey,
		RowKey:       row.RowKey,
	}

	result, err := tryAppend(ctx, h.deps, requestID, domain.EventRequestDiscovered, &correlationID, nil, nil, intPtr(0), payload)
	if err != nil {
		if isConcurrencyConflict(err) {
			// Another worker already started this stream; the discovered
			// event already published on its turn, nothing to do here.
			return nil
		}
		return fmt.Errorf("appending request.discovered.v1: %w", err)
	}

	if _, err := rebuildProjection(ctx, h.deps, requestID, row.PartitionKey, row.RowKey); err != nil {
		return err
	}

	if err := publish(ctx, h.deps, requestID, result.event.EventID, domain.EventRequestDiscovered, result.event.OccurredUTC, payload); err != nil {
		return err
	}
	return nil
}
