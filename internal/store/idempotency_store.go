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

type pgIdempotencyStore struct {
	db *db.DB
}

// NewIdempotencyStore returns a pgx-backed IdempotencyStore.
func NewIdempotencyStore(database *db.DB) IdempotencyStore {
	return &pgIdempotencyStore{db: database}
}

func (s *pgIdempotencyStore) TryBegin(ctx context.Context, handler, eventID string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(lease)

	var acquired bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		var existingLeaseUntil time.Time
		row := tx.QueryRow(ctx, `
			SELECT status, lease_until_utc FROM idempotency_records
			WHERE handler_name = $1 AND event_id = $2 FOR UPDATE`, handler, eventID)
		err := row.Scan(&status, &existingLeaseUntil)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("reading idempotency record: %w", err)
			}
			// No record yet: insert a fresh InProgress lease. A concurrent
			// caller that inserted first holds the lease, so this one does not.
			tag, err := tx.Exec(ctx, `
				INSERT INTO idempotency_records (handler_name, event_id, status, lease_until_utc, updated_utc)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (handler_name, event_id) DO NOTHING`,
				handler, eventID, string(model.IdempotencyInProgress), leaseUntil, now)
			if err != nil {
				return fmt.Errorf("inserting idempotency record: %w", err)
			}
			acquired = tag.RowsAffected() == 1
			return nil
		}

		if status == string(model.IdempotencyCompleted) {
			acquired = false
			return nil
		}

		// InProgress: only takeable over if the existing lease has expired.
		if existingLeaseUntil.After(now) {
			acquired = false
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE idempotency_records SET lease_until_utc = $1, updated_utc = $2
			WHERE handler_name = $3 AND event_id = $4`, leaseUntil, now, handler, eventID)
		if err != nil {
			return fmt.Errorf("taking over expired idempotency lease: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *pgIdempotencyStore) MarkCompleted(ctx context.Context, handler, eventID string) error {
	now := time.Now().UTC()
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE idempotency_records SET status = $1, updated_utc = $2
		WHERE handler_name = $3 AND event_id = $4`,
		string(model.IdempotencyCompleted), now, handler, eventID)
	if err != nil {
		return fmt.Errorf("marking idempotency record completed: %w", err)
	}
	return nil
}

func (s *pgIdempotencyStore) IsCompleted(ctx context.Context, handler, eventID string) (bool, error) {
	var status string
	row := s.db.Pool().QueryRow(ctx, `
		SELECT status FROM idempotency_records WHERE handler_name = $1 AND event_id = $2`, handler, eventID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading idempotency status: %w", err)
	}
	return status == string(model.IdempotencyCompleted), nil
}
