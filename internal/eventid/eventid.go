// Package eventid implements the deterministic event-id generator
// (spec §4.1): a SHA-256 digest of stable inputs, URL-safe base64 encoded
// without padding, so that retries of the same causal trigger produce the
// same physical event id. This is the same primitive the teacher uses for
// webhook dedupe keys (internal/service/event_ingest.go's
// computeDedupeKey), generalized from hex-encoded SHA-256 to a shorter
// URL-safe encoding suitable for use as an event id on the wire.
package eventid

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// fieldSep (the ASCII unit separator, 0x1F) joins fields before hashing.
// Fields are neither length-prefixed nor escaped, so a field value that
// itself contains 0x1F is not distinguished from a field boundary.
const fieldSep = "\x1f"

// CreateDeterministic computes a URL-safe identifier from
// (aggregateId, eventType, correlationId, causationId, discriminator).
// Nil optional fields are normalized to empty strings. Same inputs always
// produce the same output; a different discriminator always produces a
// different output (barring a SHA-256 collision).
func CreateDeterministic(aggregateID, eventType string, correlationID, causationID, discriminator *string) (string, error) {
	if aggregateID == "" {
		return "", fmt.Errorf("eventid: aggregateId must not be empty")
	}
	if eventType == "" {
		return "", fmt.Errorf("eventid: eventType must not be empty")
	}

	fields := []string{
		aggregateID,
		eventType,
		deref(correlationID),
		deref(causationID),
		deref(discriminator),
	}

	h := sha256.New()
	h.Write([]byte(strings.Join(fields, fieldSep)))
	digest := h.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(digest), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Discriminator is a small helper for the common "attempt:{n}" and
// compound discriminator shapes handlers build (spec §4.4–§4.9).
func Discriminator(parts ...string) *string {
	joined := strings.Join(parts, "|")
	return &joined
}
