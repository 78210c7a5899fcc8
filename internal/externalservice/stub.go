package externalservice

import (
	"context"
	"fmt"
	"sync"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// StubScript lets a test or demo deployment script the outcome of a given
// (requestId, attempt) pair without a real remote dependency.
type StubScript func(requestID model.RequestId, attempt int) domain.RemoteStatus

// Stub is an in-memory, idempotent Client suitable for local runs and
// handler tests. CreateJob always returns the same jobId for the same
// (requestId, attempt), and GetStatus consults the script (defaulting to
// RemotePass) for every subsequent poll.
type Stub struct {
	mu     sync.Mutex
	jobs   map[string]jobRecord
	script StubScript
}

type jobRecord struct {
	requestID model.RequestId
	attempt   int
}

func NewStub(script StubScript) *Stub {
	if script == nil {
		script = func(model.RequestId, int) domain.RemoteStatus { return domain.RemotePass }
	}
	return &Stub{jobs: map[string]jobRecord{}, script: script}
}

func (s *Stub) CreateJob(_ context.Context, requestID model.RequestId, attempt int) (string, domain.RemoteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobID := fmt.Sprintf("stub-%s-%d", requestID, attempt)
	s.jobs[jobID] = jobRecord{requestID: requestID, attempt: attempt}
	return jobID, domain.RemoteCreated, nil
}

func (s *Stub) GetStatus(_ context.Context, jobID string) (domain.RemoteStatus, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("externalservice stub: unknown job %q", jobID)
	}
	return s.script(job.requestID, job.attempt), nil
}
