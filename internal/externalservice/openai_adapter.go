package externalservice

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
)

// BatchClient adapts the OpenAI Batches API to the Client contract: a
// request/attempt is submitted as a batch job, and polled by batch id.
// Every batch is tagged with requestId, attempt and a dedupeKey derived
// from both. CreateJob does not look up an existing batch by that key:
// each call creates a new batch, so a repeated call for the same
// (requestId, attempt) returns a different jobId.
type BatchClient struct {
	client         openai.Client
	completionFile string // input file id shared by every submitted batch
	endpoint       string // e.g. "/v1/chat/completions"
}

type BatchClientConfig struct {
	APIKey         string
	BaseURL        string
	CompletionFile string
	Endpoint       string
}

func NewBatchClient(cfg BatchClientConfig) *BatchClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "/v1/chat/completions"
	}

	return &BatchClient{
		client:         openai.NewClient(opts...),
		completionFile: cfg.CompletionFile,
		endpoint:       endpoint,
	}
}

func (c *BatchClient) CreateJob(ctx context.Context, requestID model.RequestId, attempt int) (string, domain.RemoteStatus, error) {
	dedupeKey := fmt.Sprintf("%s#%d", requestID, attempt)

	batch, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      c.completionFile,
		Endpoint:         openai.BatchNewParamsEndpoint(c.endpoint),
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Metadata: map[string]string{
			"requestId": string(requestID),
			"attempt":   fmt.Sprint(attempt),
			"dedupeKey": dedupeKey,
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("creating batch job: %w", err)
	}

	return batch.ID, toRemoteStatus(batch.Status), nil
}

func (c *BatchClient) GetStatus(ctx context.Context, jobID string) (domain.RemoteStatus, error) {
	batch, err := c.client.Batches.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("getting batch status: %w", err)
	}
	return toRemoteStatus(batch.Status), nil
}

func toRemoteStatus(status openai.BatchStatus) domain.RemoteStatus {
	switch status {
	case openai.BatchStatusValidating, openai.BatchStatusFinalizing:
		return domain.RemoteCreated
	case openai.BatchStatusInProgress:
		return domain.RemoteInprogress
	case openai.BatchStatusCompleted:
		return domain.RemotePass
	case openai.BatchStatusFailed, openai.BatchStatusExpired:
		return domain.RemoteFail
	case openai.BatchStatusCancelling, openai.BatchStatusCancelled:
		return domain.RemoteFailCanRetry
	default:
		return domain.RemoteFailCanRetry
	}
}
