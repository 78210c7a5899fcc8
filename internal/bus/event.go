// Package bus implements the Redis Streams-backed EventPublisher and
// consumer group the handlers and worker dispatch loop use to exchange
// integration events (spec §6, "Integration event wire format").
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IntegrationEvent is the wire envelope published to and consumed from the
// bus. Payloads are the event-catalog records (spec §3); envelope fields
// are fixed across the catalog (spec §6).
type IntegrationEvent struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	CorrelationID   *string         `json:"correlationId,omitempty"`
	CausationID     *string         `json:"causationId,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// Subject builds the "/requests/{requestId}" subject used on every event.
func Subject(requestID string) string {
	return "/requests/" + requestID
}

// RequestIDFromSubject reverses Subject, for handlers that only have the
// envelope to work from.
func RequestIDFromSubject(subject string) (string, error) {
	const prefix = "/requests/"
	if !strings.HasPrefix(subject, prefix) {
		return "", fmt.Errorf("bus: subject %q does not have the expected %q prefix", subject, prefix)
	}
	requestID := strings.TrimPrefix(subject, prefix)
	if requestID == "" {
		return "", fmt.Errorf("bus: subject %q has an empty request id", subject)
	}
	return requestID, nil
}
