package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"workflow.app/engine/core/db"
	"workflow.app/engine/internal/model"
)

type pgIntakeRepository struct {
	db *db.DB
}

// NewIntakeRepository returns a pgx-backed IntakeRepository.
func NewIntakeRepository(database *db.DB) IntakeRepository {
	return &pgIntakeRepository{db: database}
}

func (s *pgIntakeRepository) GetAvailableUnprocessed(ctx context.Context, take int, now time.Time) ([]model.IntakeRow, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT partition_key, row_key, status, lease_until, etag
		FROM intake_rows
		WHERE status IN ('Unprocessed', 'InProgress') AND lease_until <= $1
		ORDER BY partition_key, row_key
		LIMIT $2`, now, take)
	if err != nil {
		return nil, fmt.Errorf("querying available intake rows: %w", err)
	}
	defer rows.Close()

	var result []model.IntakeRow
	for rows.Next() {
		var r model.IntakeRow
		var status string
		if err := rows.Scan(&r.PartitionKey, &r.RowKey, &status, &r.LeaseUntil, &r.ETag); err != nil {
			return nil, fmt.Errorf("scanning intake row: %w", err)
		}
		r.Status = model.IntakeStatus(status)
		result = append(result, r)
	}
	return result, rows.Err()
}

// TryClaim performs an ETag-conditional update transitioning the row to
// InProgress with a fresh lease. It fails (returns false, nil) if the row's
// etag has moved since the caller read it — another worker got there first.
func (s *pgIntakeRepository) TryClaim(ctx context.Context, row model.IntakeRow, leaseUntil time.Time) (bool, error) {
	newETag := uuid.NewString()
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE intake_rows
		SET status = 'InProgress', lease_until = $1, etag = $2
		WHERE partition_key = $3 AND row_key = $4 AND etag = $5`,
		leaseUntil, newETag, row.PartitionKey, row.RowKey, row.ETag)
	if err != nil {
		return false, fmt.Errorf("claiming intake row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTerminal writes the row's final outcome unconditionally: the last
// writer wins regardless of etag, since a terminal write is authoritative
// once the workflow has decided the outcome.
func (s *pgIntakeRepository) MarkTerminal(ctx context.Context, partitionKey, rowKey string, status model.IntakeStatus) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE intake_rows
		SET status = $1, etag = $2
		WHERE partition_key = $3 AND row_key = $4`,
		string(status), uuid.NewString(), partitionKey, rowKey)
	if err != nil {
		return fmt.Errorf("marking intake row terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
