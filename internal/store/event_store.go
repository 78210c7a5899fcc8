package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"workflow.app/engine/core/db"
	"workflow.app/engine/internal/model"
)

type pgEventStore struct {
	db *db.DB
}

// NewEventStore returns a pgx-backed EventStore.
func NewEventStore(database *db.DB) EventStore {
	return &pgEventStore{db: database}
}

func (s *pgEventStore) Append(ctx context.Context, aggregateID string, events []model.EventToAppend, expectedVersion *int) (int, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("store: append requires at least one event")
	}

	var newVersion int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		currentVersion, exists, err := currentStreamVersion(ctx, tx, aggregateID)
		if err != nil {
			return err
		}

		if expectedVersion != nil && currentVersion != *expectedVersion {
			return &ConcurrencyError{AggregateID: aggregateID, Reason: "expectedVersion mismatch"}
		}

		if !exists {
			if _, err := tx.Exec(ctx, `INSERT INTO event_streams (aggregate_id, version) VALUES ($1, 0)`, aggregateID); err != nil {
				if isUniqueViolation(err) {
					return &ConcurrencyError{AggregateID: aggregateID, Reason: "stream created concurrently"}
				}
				return fmt.Errorf("creating stream: %w", err)
			}
		}

		version := currentVersion
		for _, e := range events {
			version++
			_, err := tx.Exec(ctx, `
				INSERT INTO stored_events
					(aggregate_id, version, event_id, event_type, occurred_utc, data, correlation_id, causation_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				aggregateID, version, e.EventID, e.EventType, e.OccurredUTC, e.Data, e.CorrelationID, e.CausationID)
			if err != nil {
				if isUniqueViolation(err) {
					return &ConcurrencyError{AggregateID: aggregateID, Reason: "duplicate event id " + e.EventID}
				}
				return fmt.Errorf("inserting event: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE event_streams SET version = $1 WHERE aggregate_id = $2`, version, aggregateID); err != nil {
			return fmt.Errorf("advancing stream version: %w", err)
		}

		newVersion = version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *pgEventStore) ReadStream(ctx context.Context, aggregateID string) ([]model.StoredEvent, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT event_id, event_type, occurred_utc, data, correlation_id, causation_id, version
		FROM stored_events
		WHERE aggregate_id = $1
		ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	defer rows.Close()

	var events []model.StoredEvent
	for rows.Next() {
		var e model.StoredEvent
		if err := rows.Scan(&e.EventID, &e.EventType, &e.OccurredUTC, &e.Data, &e.CorrelationID, &e.CausationID, &e.Version); err != nil {
			return nil, fmt.Errorf("scanning stored event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	return events, nil
}

func currentStreamVersion(ctx context.Context, tx pgx.Tx, aggregateID string) (version int, exists bool, err error) {
	row := tx.QueryRow(ctx, `SELECT version FROM event_streams WHERE aggregate_id = $1 FOR UPDATE`, aggregateID)
	err = row.Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading stream version: %w", err)
	}
	return version, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
