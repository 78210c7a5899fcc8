package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"workflow.app/engine/core/db"
	"workflow.app/engine/internal/model"
)

type pgProjectionRepository struct {
	db *db.DB
}

// NewProjectionRepository returns a pgx-backed ProjectionRepository.
func NewProjectionRepository(database *db.DB) ProjectionRepository {
	return &pgProjectionRepository{db: database}
}

func (s *pgProjectionRepository) Upsert(ctx context.Context, p model.RequestProjection) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO request_projections
			(request_id, partition_key, row_key, status, submit_attempt_count,
			 next_poll_at_utc, external_job_id, last_applied_event_version, updated_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO UPDATE SET
			partition_key              = EXCLUDED.partition_key,
			row_key                     = EXCLUDED.row_key,
			status                      = EXCLUDED.status,
			submit_attempt_count        = EXCLUDED.submit_attempt_count,
			next_poll_at_utc            = EXCLUDED.next_poll_at_utc,
			external_job_id             = EXCLUDED.external_job_id,
			last_applied_event_version  = EXCLUDED.last_applied_event_version,
			updated_utc                 = EXCLUDED.updated_utc
		WHERE request_projections.last_applied_event_version <= EXCLUDED.last_applied_event_version`,
		string(p.RequestID), p.PartitionKey, p.RowKey, string(p.Status), p.SubmitAttemptCount,
		p.NextPollAtUTC, p.ExternalJobID, p.LastAppliedEventVersion, p.UpdatedUTC)
	if err != nil {
		return fmt.Errorf("upserting projection: %w", err)
	}
	return nil
}

func (s *pgProjectionRepository) Get(ctx context.Context, requestID model.RequestId) (*model.RequestProjection, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT request_id, partition_key, row_key, status, submit_attempt_count,
		       next_poll_at_utc, external_job_id, last_applied_event_version, updated_utc
		FROM request_projections WHERE request_id = $1`, string(requestID))

	p, err := scanProjection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *pgProjectionRepository) GetDueForPoll(ctx context.Context, now time.Time, take int) ([]model.RequestProjection, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT request_id, partition_key, row_key, status, submit_attempt_count,
		       next_poll_at_utc, external_job_id, last_applied_event_version, updated_utc
		FROM request_projections
		WHERE status = 'InProgress' AND next_poll_at_utc IS NOT NULL AND next_poll_at_utc <= $1
		ORDER BY next_poll_at_utc ASC
		LIMIT $2`, now, take)
	if err != nil {
		return nil, fmt.Errorf("querying due projections: %w", err)
	}
	defer rows.Close()

	var result []model.RequestProjection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func scanProjection(row pgx.Row) (*model.RequestProjection, error) {
	var p model.RequestProjection
	var requestID, status string
	if err := row.Scan(&requestID, &p.PartitionKey, &p.RowKey, &status, &p.SubmitAttemptCount,
		&p.NextPollAtUTC, &p.ExternalJobID, &p.LastAppliedEventVersion, &p.UpdatedUTC); err != nil {
		return nil, err
	}
	p.ID = model.RequestId(requestID)
	p.RequestID = p.ID
	p.Status = model.WorkItemStatus(status)
	return &p, nil
}
