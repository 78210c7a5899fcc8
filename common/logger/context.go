package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, enabling zero-touch logging where workflow
// context (requestId, eventId, etc.) is automatically included in all log statements.
type LogFields struct {
	RequestID     *string // Workflow request id ("{partitionKey}|{rowKey}")
	EventID       *string // Deterministic id of the event being processed
	EventType     *string // Event type (e.g., "job.submitted.v1")
	HandlerName   *string // Handler processing the current event
	Attempt       *int    // Current submit attempt, when applicable
	CorrelationID *string // Stable id tying all events of one workflow instance together
	CausationID   *string // Id of the event that caused the current invocation
	Component     string  // Component name (OTel semantic convention style, e.g., "engine.handler.submit")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.RequestID != nil {
		result.RequestID = new.RequestID
	}
	if new.EventID != nil {
		result.EventID = new.EventID
	}
	if new.EventType != nil {
		result.EventType = new.EventType
	}
	if new.HandlerName != nil {
		result.HandlerName = new.HandlerName
	}
	if new.Attempt != nil {
		result.Attempt = new.Attempt
	}
	if new.CorrelationID != nil {
		result.CorrelationID = new.CorrelationID
	}
	if new.CausationID != nil {
		result.CausationID = new.CausationID
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{Attempt: logger.Ptr(1)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like payloads or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
