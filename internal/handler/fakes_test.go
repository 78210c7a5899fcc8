package handler_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
	"workflow.app/engine/internal/store"
)

// fakeEventStore is an in-memory store.EventStore, grounded on the same
// per-stream version semantics as the pgx-backed adapter: Append fails
// with store.ConcurrencyError when expectedVersion doesn't match.
type fakeEventStore struct {
	mu      sync.Mutex
	streams map[string][]model.StoredEvent
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{streams: map[string][]model.StoredEvent{}}
}

func (s *fakeEventStore) Append(ctx context.Context, aggregateID string, events []model.EventToAppend, expectedVersion *int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.streams[aggregateID]
	if expectedVersion != nil && len(current) != *expectedVersion {
		return 0, &store.ConcurrencyError{AggregateID: aggregateID, Reason: "expectedVersion mismatch"}
	}

	for _, e := range events {
		for _, existing := range current {
			if existing.EventID == e.EventID {
				return 0, &store.ConcurrencyError{AggregateID: aggregateID, Reason: "duplicate event id " + e.EventID}
			}
		}
		current = append(current, model.StoredEvent{
			EventID:       e.EventID,
			EventType:     e.EventType,
			OccurredUTC:   e.OccurredUTC,
			Data:          e.Data,
			CorrelationID: e.CorrelationID,
			CausationID:   e.CausationID,
			Version:       len(current) + 1,
		})
	}

	s.streams[aggregateID] = current
	return len(current), nil
}

func (s *fakeEventStore) ReadStream(ctx context.Context, aggregateID string) ([]model.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.StoredEvent, len(s.streams[aggregateID]))
	copy(out, s.streams[aggregateID])
	return out, nil
}

type fakeProjectionRepository struct {
	mu   sync.Mutex
	rows map[model.RequestId]model.RequestProjection
}

func newFakeProjectionRepository() *fakeProjectionRepository {
	return &fakeProjectionRepository{rows: map[model.RequestId]model.RequestProjection{}}
}

func (r *fakeProjectionRepository) Upsert(ctx context.Context, p model.RequestProjection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[p.RequestID] = p
	return nil
}

func (r *fakeProjectionRepository) Get(ctx context.Context, requestID model.RequestId) (*model.RequestProjection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r *fakeProjectionRepository) GetDueForPoll(ctx context.Context, now time.Time, take int) ([]model.RequestProjection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []model.RequestProjection
	for _, p := range r.rows {
		if p.Status == model.StatusInProgress && p.NextPollAtUTC != nil && !p.NextPollAtUTC.After(now) {
			due = append(due, p)
		}
		if len(due) >= take {
			break
		}
	}
	return due, nil
}

type fakeIntakeRepository struct {
	mu   sync.Mutex
	rows map[string]model.IntakeRow
}

func newFakeIntakeRepository(rows ...model.IntakeRow) *fakeIntakeRepository {
	repo := &fakeIntakeRepository{rows: map[string]model.IntakeRow{}}
	for _, r := range rows {
		repo.rows[r.PartitionKey+"|"+r.RowKey] = r
	}
	return repo
}

func (r *fakeIntakeRepository) GetAvailableUnprocessed(ctx context.Context, take int, now time.Time) ([]model.IntakeRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.IntakeRow
	for _, row := range r.rows {
		if row.Eligible(now) {
			out = append(out, row)
		}
		if len(out) >= take {
			break
		}
	}
	return out, nil
}

func (r *fakeIntakeRepository) TryClaim(ctx context.Context, row model.IntakeRow, leaseUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := row.PartitionKey + "|" + row.RowKey
	current, ok := r.rows[key]
	if !ok || current.ETag != row.ETag {
		return false, nil
	}
	current.Status = model.IntakeInProgress
	current.LeaseUntil = leaseUntil
	current.ETag = leaseUntil.String()
	r.rows[key] = current
	return true, nil
}

func (r *fakeIntakeRepository) MarkTerminal(ctx context.Context, partitionKey, rowKey string, status model.IntakeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := partitionKey + "|" + rowKey
	row, ok := r.rows[key]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = status
	r.rows[key] = row
	return nil
}

type fakeIdempotencyStore struct {
	mu    sync.Mutex
	state map[string]model.IdempotencyStatus
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{state: map[string]model.IdempotencyStatus{}}
}

func (s *fakeIdempotencyStore) TryBegin(ctx context.Context, handler, eventID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := handler + "/" + eventID
	if s.state[key] == model.IdempotencyCompleted {
		return false, nil
	}
	s.state[key] = model.IdempotencyInProgress
	return true, nil
}

func (s *fakeIdempotencyStore) MarkCompleted(ctx context.Context, handler, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[handler+"/"+eventID] = model.IdempotencyCompleted
	return nil
}

func (s *fakeIdempotencyStore) IsCompleted(ctx context.Context, handler, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[handler+"/"+eventID] == model.IdempotencyCompleted, nil
}

// fakePublisher records every published event rather than touching Redis.
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedEvent
	failNext  bool
}

type publishedEvent struct {
	EventID string
	Type    string
	Subject string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(ctx context.Context, event bus.IntegrationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("simulated crash before publish")
	}
	p.published = append(p.published, publishedEvent{EventID: event.ID, Type: event.Type, Subject: event.Subject})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) countByType(eventType domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.published {
		if e.Type == string(eventType) {
			n++
		}
	}
	return n
}

// fakeExternalClient scripts CreateJob/GetStatus without a real remote
// dependency, mirroring externalservice.Stub but with call recording so
// tests can assert CreateJob was invoked at most once per attempt.
type fakeExternalClient struct {
	mu         sync.Mutex
	createJobN int
	statusFor  map[string]domain.RemoteStatus
}

func newFakeExternalClient() *fakeExternalClient {
	return &fakeExternalClient{statusFor: map[string]domain.RemoteStatus{}}
}

func (c *fakeExternalClient) CreateJob(ctx context.Context, requestID model.RequestId, attempt int) (string, domain.RemoteStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createJobN++
	jobID := "job-" + requestID.String()
	return jobID, domain.RemoteCreated, nil
}

func (c *fakeExternalClient) GetStatus(ctx context.Context, jobID string) (domain.RemoteStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status, ok := c.statusFor[jobID]; ok {
		return status, nil
	}
	return domain.RemoteInprogress, nil
}
