package handler

import (
	"context"
	"errors"
	"fmt"

	"workflow.app/engine/internal/store"
)

// beginLease acquires the idempotency lease for (handlerName, eventId). The
// bool return tells the caller whether to proceed; a false return with a
// nil error means "silent skip" per the failure semantics table — either
// the event was already completed, or another worker currently holds the
// lease.
func beginLease(ctx context.Context, d Deps, handlerName, eventID string) (bool, error) {
	acquired, err := d.Idempotency.TryBegin(ctx, handlerName, eventID, d.Config.IdempotencyLeaseDuration)
	if err != nil {
		return false, fmt.Errorf("beginning idempotency lease for %s/%s: %w", handlerName, eventID, err)
	}
	return acquired, nil
}

// completeLease marks the lease completed. Failing here is re-raised per
// the failure semantics table: the bus will redeliver, and the retry's
// republish is harmless because subscribers dedupe on event id.
func completeLease(ctx context.Context, d Deps, handlerName, eventID string) error {
	if err := d.Idempotency.MarkCompleted(ctx, handlerName, eventID); err != nil {
		return fmt.Errorf("completing idempotency lease for %s/%s: %w", handlerName, eventID, err)
	}
	return nil
}

// isConcurrencyConflict reports whether err is a stream-append concurrency
// conflict, the one class of append failure every handler treats as
// "already handled" rather than propagating.
func isConcurrencyConflict(err error) bool {
	var ce *store.ConcurrencyError
	return errors.As(err, &ce)
}
