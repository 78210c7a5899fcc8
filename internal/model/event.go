package model

import (
	"encoding/json"
	"time"
)

// StoredEvent is an immutable, appended fact in a request's stream.
type StoredEvent struct {
	EventID       string
	EventType     string
	OccurredUTC   time.Time
	Data          json.RawMessage
	CorrelationID *string
	CausationID   *string
	Version       int // 1-based, monotonic per stream
}

// EventToAppend is a StoredEvent before the store assigns its version.
type EventToAppend struct {
	EventID       string
	EventType     string
	OccurredUTC   time.Time
	Data          json.RawMessage
	CorrelationID *string
	CausationID   *string
}
