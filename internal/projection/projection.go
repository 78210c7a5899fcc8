// Package projection implements the read-model reducer (spec §4.3): a pure
// fold of (current, event) -> next RequestProjection, monotonic by
// lastAppliedEventVersion. It never touches storage; the caller
// (handler/rebuild.go) starts from New, calls Reduce once per event of the
// whole stream in version order, and persists the result.
package projection

import (
	"encoding/json"
	"time"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// New returns the zero-value projection for a freshly discovered request.
func New(requestID model.RequestId, partitionKey, rowKey string) model.RequestProjection {
	return model.RequestProjection{
		ID:           requestID,
		RequestID:    requestID,
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Status:       model.StatusInProgress,
	}
}

// Reduce folds a single event into current, returning the next projection
// value. Events with version <= current.LastAppliedEventVersion are a
// no-op, so replaying the same event twice (at-least-once delivery) never
// regresses the projection.
func Reduce(current model.RequestProjection, event model.StoredEvent, pollInterval time.Duration) (model.RequestProjection, error) {
	if event.Version <= current.LastAppliedEventVersion {
		return current, nil
	}

	next := current

	switch domain.EventType(event.EventType) {
	case domain.EventRequestDiscovered:
		var p domain.DiscoveredPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return current, err
		}
		next.PartitionKey = p.PartitionKey
		next.RowKey = p.RowKey
		next.Status = model.StatusInProgress

	case domain.EventSubmissionPrepared:
		var p domain.PreparedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return current, err
		}
		if p.Attempt > current.SubmitAttemptCount {
			next.ExternalJobID = nil
			next.NextPollAtUTC = nil
		}
		next.Status = model.StatusInProgress

	case domain.EventJobSubmitted:
		var p domain.SubmittedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return current, err
		}
		jobID := p.ExternalJobID
		next.ExternalJobID = &jobID
		nextPoll := event.OccurredUTC.Add(pollInterval)
		next.NextPollAtUTC = &nextPoll
		if p.Attempt > next.SubmitAttemptCount {
			next.SubmitAttemptCount = p.Attempt
		}

	case domain.EventJobPollRequested:
		var p domain.PollRequestedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return current, err
		}
		_ = p
		nextPoll := event.OccurredUTC.Add(pollInterval)
		next.NextPollAtUTC = &nextPoll

	case domain.EventJobTerminal:
		var p domain.TerminalPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return current, err
		}
		switch p.TerminalStatus {
		case domain.TerminalPass:
			next.Status = model.StatusPass
			next.NextPollAtUTC = nil
		case domain.TerminalFail:
			next.Status = model.StatusFail
			next.NextPollAtUTC = nil
		case domain.TerminalFailCanRetry:
			// Not a final outcome by itself; projection status is untouched
			// and nextPollAtUtc stays as set by the prior submitted/poll event.
		}

	case domain.EventRequestCompleted:
		var p domain.CompletedPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return current, err
		}
		switch p.FinalStatus {
		case domain.FinalPass:
			next.Status = model.StatusPass
		case domain.FinalFail:
			next.Status = model.StatusFail
		}
		next.NextPollAtUTC = nil

	default:
		// Unknown event types don't move the read model (spec §9); version
		// still advances below so the projection doesn't get stuck replaying.
	}

	next.LastAppliedEventVersion = event.Version
	next.UpdatedUTC = event.OccurredUTC

	return next, nil
}
