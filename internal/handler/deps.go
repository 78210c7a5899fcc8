package handler

import (
	"log/slog"
	"time"

	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/externalservice"
	"workflow.app/engine/internal/store"
)

// Deps are the collaborators every handler is built from. Handlers hold a
// Deps value rather than each collaborator individually so new handlers
// pick up new collaborators without touching every constructor signature.
type Deps struct {
	Events       store.EventStore
	Projections  store.ProjectionRepository
	Intake       store.IntakeRepository
	Idempotency  store.IdempotencyStore
	External     externalservice.Client
	Publisher    bus.Publisher
	Config       Config
	Source       string // stable URI stamped on every published integration event
	Clock        func() time.Time
	Logger       *slog.Logger
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock().UTC()
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
