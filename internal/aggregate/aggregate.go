// Package aggregate rehydrates a single request's in-memory state from its
// event stream (spec §4.2). It is pure: same stream in, same state out,
// regardless of storage-layer ordering quirks (events are sorted by
// version before folding).
package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// Aggregate is the derived, transient reconstruction of a workflow
// instance's state.
type Aggregate struct {
	RequestID          model.RequestId
	PartitionKey       string
	RowKey             string
	Status             model.WorkItemStatus
	SubmitAttemptCount int
	ExternalJobID      *string
	Version            int
	PreparedAttempts   map[int]struct{}
	SubmittedAttempts  map[int]struct{}

	hasKeys   bool
	completed bool
}

func newAggregate(requestID model.RequestId) *Aggregate {
	return &Aggregate{
		RequestID:         requestID,
		PreparedAttempts:  map[int]struct{}{},
		SubmittedAttempts: map[int]struct{}{},
	}
}

// HasKeys reports whether a request.discovered.v1 event has been applied,
// i.e. whether PartitionKey/RowKey are populated.
func (a *Aggregate) HasKeys() bool { return a.hasKeys }

// HasPrepared reports whether submission.prepared.v1 exists for attempt.
func (a *Aggregate) HasPrepared(attempt int) bool {
	_, ok := a.PreparedAttempts[attempt]
	return ok
}

// HasSubmitted reports whether job.submitted.v1 exists for attempt.
func (a *Aggregate) HasSubmitted(attempt int) bool {
	_, ok := a.SubmittedAttempts[attempt]
	return ok
}

// IsTerminal reports whether the aggregate's status is a final outcome.
func (a *Aggregate) IsTerminal() bool { return a.Status.IsTerminal() }

// IsCompleted reports whether a request.completed.v1 has already been
// folded into this aggregate.
func (a *Aggregate) IsCompleted() bool { return a.completed }

// Rehydrate replays history (sorted ascending by version) into an
// Aggregate. Unknown event types are ignored here; handlers log them.
func Rehydrate(requestID model.RequestId, history []model.StoredEvent) (*Aggregate, error) {
	sorted := make([]model.StoredEvent, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	agg := newAggregate(requestID)

	for _, event := range sorted {
		if err := agg.apply(event); err != nil {
			return nil, fmt.Errorf("aggregate: applying event %s (version %d): %w", event.EventID, event.Version, err)
		}
		agg.Version = event.Version
	}

	return agg, nil
}

func (a *Aggregate) apply(event model.StoredEvent) error {
	switch domain.EventType(event.EventType) {
	case domain.EventRequestDiscovered:
		var p domain.DiscoveredPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return fmt.Errorf("decoding %s: %w", event.EventType, err)
		}
		a.PartitionKey = p.PartitionKey
		a.RowKey = p.RowKey
		a.hasKeys = true
		a.Status = model.StatusInProgress

	case domain.EventSubmissionPrepared:
		var p domain.PreparedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return fmt.Errorf("decoding %s: %w", event.EventType, err)
		}
		a.PreparedAttempts[p.Attempt] = struct{}{}

	case domain.EventJobSubmitted:
		var p domain.SubmittedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return fmt.Errorf("decoding %s: %w", event.EventType, err)
		}
		a.SubmittedAttempts[p.Attempt] = struct{}{}
		if p.Attempt > a.SubmitAttemptCount {
			a.SubmitAttemptCount = p.Attempt
		}
		jobID := p.ExternalJobID
		a.ExternalJobID = &jobID
		a.Status = model.StatusInProgress

	case domain.EventJobTerminal:
		var p domain.TerminalPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return fmt.Errorf("decoding %s: %w", event.EventType, err)
		}
		switch p.TerminalStatus {
		case domain.TerminalPass:
			a.Status = model.StatusPass
		case domain.TerminalFail:
			a.Status = model.StatusFail
		case domain.TerminalFailCanRetry:
			// Not terminal for the aggregate (spec §4.2); status unchanged.
			// A terminal FailCanRetry is a producer bug (spec §9 open question) —
			// callers are expected to have coerced it to Fail before emitting.
		}

	case domain.EventRequestCompleted:
		var p domain.CompletedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return fmt.Errorf("decoding %s: %w", event.EventType, err)
		}
		switch p.FinalStatus {
		case domain.FinalPass:
			a.Status = model.StatusPass
		case domain.FinalFail:
			a.Status = model.StatusFail
		}
		a.completed = true

	case domain.EventJobPollRequested:
		// No aggregate-visible state change; this event only advances the
		// projection's nextPollAtUtc (spec §4.3).

	default:
		// Unknown event types are ignored at this layer (spec §9).
	}

	return nil
}
