// Package store defines the storage contracts the core consumes — event
// store, projection repository, intake repository, idempotency store — and
// pgx-backed implementations of each.
package store

import (
	"context"
	"errors"
	"time"

	"workflow.app/engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ConcurrencyError is returned by EventStore.Append when expectedVersion
// does not match the stream's current version, or a duplicate event id
// collides within the stream. Handlers treat it as "another worker
// already advanced this stream" rather than a failure.
type ConcurrencyError struct {
	AggregateID string
	Reason      string
}

func (e *ConcurrencyError) Error() string {
	return "concurrency conflict on stream " + e.AggregateID + ": " + e.Reason
}

// EventStore is the append-only per-stream event log.
type EventStore interface {
	// Append writes events atomically with respect to the stream's version
	// metadata. If expectedVersion is non-nil, the append fails with
	// *ConcurrencyError unless the stream's current version equals it.
	Append(ctx context.Context, aggregateID string, events []model.EventToAppend, expectedVersion *int) (newVersion int, err error)
	ReadStream(ctx context.Context, aggregateID string) ([]model.StoredEvent, error)
}

// ProjectionRepository is the derived "what needs polling now?" read model.
type ProjectionRepository interface {
	Upsert(ctx context.Context, projection model.RequestProjection) error
	Get(ctx context.Context, requestID model.RequestId) (*model.RequestProjection, error)
	GetDueForPoll(ctx context.Context, now time.Time, take int) ([]model.RequestProjection, error)
}

// IntakeRepository is the work-item seed store.
type IntakeRepository interface {
	GetAvailableUnprocessed(ctx context.Context, take int, now time.Time) ([]model.IntakeRow, error)
	TryClaim(ctx context.Context, row model.IntakeRow, leaseUntil time.Time) (bool, error)
	MarkTerminal(ctx context.Context, partitionKey, rowKey string, status model.IntakeStatus) error
}

// IdempotencyStore tracks whether a handler has already processed (or is
// processing) a given triggering event id.
type IdempotencyStore interface {
	// TryBegin acquires a lease for (handler, eventId). Returns false if a
	// non-expired lease is already held by someone else, or if the record
	// is already Completed.
	TryBegin(ctx context.Context, handler, eventID string, lease time.Duration) (bool, error)
	MarkCompleted(ctx context.Context, handler, eventID string) error
	// IsCompleted reports whether (handler, eventId) has already finished,
	// without attempting to take a lease.
	IsCompleted(ctx context.Context, handler, eventID string) (bool, error)
}
