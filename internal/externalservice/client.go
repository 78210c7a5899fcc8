// Package externalservice is the ExternalServiceClient contract (spec §6)
// the SubmitJob and PollExternalJob handlers consume: submit a job for a
// request, then poll it until a terminal outcome.
package externalservice

import (
	"context"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// Client is the narrow contract the core depends on. CreateJob must be
// idempotent on (requestId, attempt): calling it twice for the same pair
// (e.g. after a crash before the resulting event was appended) must return
// the same jobId rather than creating a second remote job.
type Client interface {
	CreateJob(ctx context.Context, requestID model.RequestId, attempt int) (jobID string, status domain.RemoteStatus, err error)
	GetStatus(ctx context.Context, jobID string) (domain.RemoteStatus, error)
}
