// Package correlation is the ambient correlation accessor (spec §5,
// "Ambient correlation"; spec §9). It carries (correlationId, causationId)
// through a handler invocation on the context, established on entry from
// the triggering event and read back by publishers when they attach event
// metadata. It deliberately knows nothing about logging or storage — those
// consume it, it doesn't consume them.
package correlation

import "context"

type contextKey struct{}

var key = contextKey{}

// IDs is the pair of ambient identifiers threaded through one invocation.
type IDs struct {
	CorrelationID *string
	CausationID   *string
}

// WithIDs attaches correlation/causation identifiers to ctx, replacing any
// previously attached pair. Call once on handler entry.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, key, ids)
}

// From reads the ambient identifiers off ctx. Returns a zero IDs if none
// were ever attached.
func From(ctx context.Context) IDs {
	if ids, ok := ctx.Value(key).(IDs); ok {
		return ids
	}
	return IDs{}
}
