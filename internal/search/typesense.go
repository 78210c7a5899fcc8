// Package search mirrors the projection read model into Typesense so
// operators can full-text search and filter requests outside of the
// direct-by-id admin API (spec [EXPANSION] DOMAIN STACK).
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/typesense/typesense-go/v4/typesense"
	"github.com/typesense/typesense-go/v4/typesense/api"
	"github.com/typesense/typesense-go/v4/typesense/api/pointer"

	"workflow.app/engine/internal/model"
	"workflow.app/engine/internal/store"
)

// Config configures the Typesense connection and target collection.
type Config struct {
	URL        string
	APIKey     string
	Collection string
}

// NewClient builds a typesense-go client from Config.
func NewClient(cfg Config) *typesense.Client {
	return typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
	)
}

// Schema is the collection definition EnsureCollection creates if absent.
func Schema(collection string) *api.CollectionSchema {
	return &api.CollectionSchema{
		Name: collection,
		Fields: []api.Field{
			{Name: "id", Type: "string"},
			{Name: "requestId", Type: "string"},
			{Name: "partitionKey", Type: "string", Facet: pointer.True()},
			{Name: "rowKey", Type: "string"},
			{Name: "status", Type: "string", Facet: pointer.True()},
			{Name: "submitAttemptCount", Type: "int32"},
			{Name: "externalJobId", Type: "string", Optional: pointer.True()},
			{Name: "nextPollAtUtc", Type: "int64", Optional: pointer.True()},
			{Name: "updatedUtc", Type: "int64"},
		},
	}
}

// EnsureCollection creates the collection if it doesn't already exist,
// the same idempotent-bootstrap idiom core/db.EnsureSchema uses for
// Postgres.
func EnsureCollection(ctx context.Context, client *typesense.Client, collection string) error {
	_, err := client.Collection(collection).Retrieve(ctx)
	if err == nil {
		return nil
	}
	if _, createErr := client.Collections().Create(ctx, Schema(collection)); createErr != nil {
		return fmt.Errorf("creating typesense collection %s: %w", collection, createErr)
	}
	return nil
}

// IndexedProjectionRepository decorates a store.ProjectionRepository,
// mirroring every Upsert into Typesense after it lands in Postgres.
// Postgres remains authoritative; a mirror failure is logged, not
// propagated, so search unavailability never blocks the workflow core.
type IndexedProjectionRepository struct {
	inner      store.ProjectionRepository
	client     *typesense.Client
	collection string
	logger     *slog.Logger
}

func NewIndexedProjectionRepository(inner store.ProjectionRepository, client *typesense.Client, collection string, logger *slog.Logger) *IndexedProjectionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexedProjectionRepository{inner: inner, client: client, collection: collection, logger: logger}
}

func (r *IndexedProjectionRepository) Upsert(ctx context.Context, projection model.RequestProjection) error {
	if err := r.inner.Upsert(ctx, projection); err != nil {
		return err
	}

	doc := toDocument(projection)
	if _, err := r.client.Collection(r.collection).Documents().Upsert(ctx, doc, nil); err != nil {
		r.logger.WarnContext(ctx, "search: mirroring projection failed", "requestId", projection.RequestID, "error", err)
	}
	return nil
}

func (r *IndexedProjectionRepository) Get(ctx context.Context, requestID model.RequestId) (*model.RequestProjection, error) {
	return r.inner.Get(ctx, requestID)
}

func (r *IndexedProjectionRepository) GetDueForPoll(ctx context.Context, now time.Time, take int) ([]model.RequestProjection, error) {
	return r.inner.GetDueForPoll(ctx, now, take)
}

func toDocument(p model.RequestProjection) map[string]any {
	doc := map[string]any{
		"id":                 string(p.RequestID),
		"requestId":          string(p.RequestID),
		"partitionKey":       p.PartitionKey,
		"rowKey":             p.RowKey,
		"status":             string(p.Status),
		"submitAttemptCount": p.SubmitAttemptCount,
		"updatedUtc":         p.UpdatedUTC.Unix(),
	}
	if p.ExternalJobID != nil {
		doc["externalJobId"] = *p.ExternalJobID
	}
	if p.NextPollAtUTC != nil {
		doc["nextPollAtUtc"] = p.NextPollAtUTC.Unix()
	}
	return doc
}
