package projection

import (
	"encoding/json"
	"testing"
	"time"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestReduce_StaleEventIsNoOp(t *testing.T) {
	current := model.RequestProjection{LastAppliedEventVersion: 5, Status: model.StatusInProgress}
	event := model.StoredEvent{
		EventType:   string(domain.EventJobTerminal),
		Version:     3,
		OccurredUTC: time.Now(),
		Data:        mustJSON(t, domain.TerminalPayload{TerminalStatus: domain.TerminalFail}),
	}

	next, err := Reduce(current, event, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != current {
		t.Fatalf("expected no-op for stale version, got %+v", next)
	}
}

func TestReduce_SubmittedAdvancesNextPoll(t *testing.T) {
	current := model.RequestProjection{Status: model.StatusInProgress, LastAppliedEventVersion: 1}
	occurred := time.Now().UTC()
	event := model.StoredEvent{
		EventType:   string(domain.EventJobSubmitted),
		Version:     2,
		OccurredUTC: occurred,
		Data:        mustJSON(t, domain.SubmittedPayload{ExternalJobID: "J-1", Attempt: 1}),
	}

	next, err := Reduce(current, event, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ExternalJobID == nil || *next.ExternalJobID != "J-1" {
		t.Fatalf("expected externalJobId J-1, got %+v", next.ExternalJobID)
	}
	want := occurred.Add(5 * time.Minute)
	if next.NextPollAtUTC == nil || !next.NextPollAtUTC.Equal(want) {
		t.Fatalf("expected nextPollAtUtc %v, got %v", want, next.NextPollAtUTC)
	}
	if next.LastAppliedEventVersion != 2 {
		t.Fatalf("expected version 2, got %d", next.LastAppliedEventVersion)
	}
}

func TestReduce_PollRequestedAdvancesNextPoll(t *testing.T) {
	occurred := time.Now().UTC()
	current := model.RequestProjection{Status: model.StatusInProgress, LastAppliedEventVersion: 2}
	event := model.StoredEvent{
		EventType:   string(domain.EventJobPollRequested),
		Version:     3,
		OccurredUTC: occurred,
		Data:        mustJSON(t, domain.PollRequestedPayload{ExternalJobID: "J-1", Attempt: 1}),
	}

	next, err := Reduce(current, event, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := occurred.Add(5 * time.Minute)
	if next.NextPollAtUTC == nil || !next.NextPollAtUTC.Equal(want) {
		t.Fatalf("expected nextPollAtUtc %v, got %v", want, next.NextPollAtUTC)
	}
}

func TestReduce_NewAttemptClearsJobIDAndNextPoll(t *testing.T) {
	jobID := "J-1"
	nextPoll := time.Now().Add(5 * time.Minute)
	current := model.RequestProjection{
		Status:                  model.StatusInProgress,
		SubmitAttemptCount:      1,
		ExternalJobID:           &jobID,
		NextPollAtUTC:           &nextPoll,
		LastAppliedEventVersion: 4,
	}
	event := model.StoredEvent{
		EventType:   string(domain.EventSubmissionPrepared),
		Version:     5,
		OccurredUTC: time.Now(),
		Data:        mustJSON(t, domain.PreparedPayload{Attempt: 2}),
	}

	next, err := Reduce(current, event, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ExternalJobID != nil {
		t.Fatalf("expected externalJobId cleared, got %v", *next.ExternalJobID)
	}
	if next.NextPollAtUTC != nil {
		t.Fatalf("expected nextPollAtUtc cleared, got %v", *next.NextPollAtUTC)
	}
}

func TestReduce_TerminalClearsNextPoll(t *testing.T) {
	nextPoll := time.Now().Add(5 * time.Minute)
	current := model.RequestProjection{
		Status:                  model.StatusInProgress,
		NextPollAtUTC:           &nextPoll,
		LastAppliedEventVersion: 3,
	}
	event := model.StoredEvent{
		EventType:   string(domain.EventJobTerminal),
		Version:     4,
		OccurredUTC: time.Now(),
		Data:        mustJSON(t, domain.TerminalPayload{TerminalStatus: domain.TerminalPass}),
	}

	next, err := Reduce(current, event, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != model.StatusPass {
		t.Fatalf("expected status Pass, got %s", next.Status)
	}
	if next.NextPollAtUTC != nil {
		t.Fatalf("expected nextPollAtUtc cleared, got %v", *next.NextPollAtUTC)
	}
}

func TestReduce_FailCanRetryDoesNotChangeStatus(t *testing.T) {
	nextPoll := time.Now().Add(5 * time.Minute)
	current := model.RequestProjection{
		Status:                  model.StatusInProgress,
		NextPollAtUTC:           &nextPoll,
		LastAppliedEventVersion: 3,
	}
	event := model.StoredEvent{
		EventType:   string(domain.EventJobTerminal),
		Version:     4,
		OccurredUTC: time.Now(),
		Data:        mustJSON(t, domain.TerminalPayload{TerminalStatus: domain.TerminalFailCanRetry}),
	}

	next, err := Reduce(current, event, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != model.StatusInProgress {
		t.Fatalf("expected status unchanged, got %s", next.Status)
	}
	if next.NextPollAtUTC == nil {
		t.Fatalf("expected nextPollAtUtc to remain set")
	}
}

func TestReduce_CompletedMirrorsFinalStatus(t *testing.T) {
	current := model.RequestProjection{Status: model.StatusPass, LastAppliedEventVersion: 4}
	event := model.StoredEvent{
		EventType:   string(domain.EventRequestCompleted),
		Version:     5,
		OccurredUTC: time.Now(),
		Data:        mustJSON(t, domain.CompletedPayload{FinalStatus: domain.FinalPass}),
	}

	next, err := Reduce(current, event, 5*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Status != model.StatusPass {
		t.Fatalf("expected status Pass, got %s", next.Status)
	}
}
