package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/model"
	"workflow.app/engine/internal/store"
)

// Tickable matches the timer-driven handlers' Tick method, duplicated
// here (rather than imported from internal/worker) to avoid httpapi
// depending on the worker package just for this one method shape.
type Tickable interface {
	Tick(ctx context.Context) error
}

// AdminHandler exposes operational visibility and manual triggers over
// the projection read model and the two timer-driven handlers.
type AdminHandler struct {
	projections store.ProjectionRepository
	discover    Tickable
	scheduler   Tickable
	clock       func() time.Time
	logger      *slog.Logger
}

func NewAdminHandler(projections store.ProjectionRepository, discover, scheduler Tickable, clock func() time.Time, logger *slog.Logger) *AdminHandler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{projections: projections, discover: discover, scheduler: scheduler, clock: clock, logger: logger}
}

func (h *AdminHandler) GetRequest(c *gin.Context) {
	requestID := model.RequestId(c.Param("id"))

	proj, err := h.projections.Get(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "admin: get request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load request"})
		return
	}

	c.JSON(http.StatusOK, proj)
}

func (h *AdminHandler) ListDue(c *gin.Context) {
	take := 50
	if raw := c.Query("take"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			take = parsed
		}
	}

	due, err := h.projections.GetDueForPoll(c.Request.Context(), h.clock(), take)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "admin: list due failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list due requests"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": due})
}

func (h *AdminHandler) DiscoverTick(c *gin.Context) {
	if err := h.discover.Tick(c.Request.Context()); err != nil {
		h.logger.ErrorContext(c.Request.Context(), "admin: discover tick failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "discover tick failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *AdminHandler) ScheduleTick(c *gin.Context) {
	if err := h.scheduler.Tick(c.Request.Context()); err != nil {
		h.logger.ErrorContext(c.Request.Context(), "admin: schedule tick failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "schedule tick failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var payloadByEventType = map[domain.EventType]any{
	domain.EventRequestDiscovered:  domain.DiscoveredPayload{},
	domain.EventSubmissionPrepared: domain.PreparedPayload{},
	domain.EventJobSubmitted:       domain.SubmittedPayload{},
	domain.EventJobPollRequested:   domain.PollRequestedPayload{},
	domain.EventJobTerminal:        domain.TerminalPayload{},
	domain.EventRequestCompleted:   domain.CompletedPayload{},
}

// SchemaForEventType returns the JSON schema for one event catalog
// payload, for operators or downstream consumers inspecting the wire
// format (spec §6, "Integration event wire format").
func (h *AdminHandler) SchemaForEventType(c *gin.Context) {
	eventType := domain.EventType(c.Param("eventType"))

	sample, ok := payloadByEventType[eventType]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown event type %q", eventType)})
		return
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	c.JSON(http.StatusOK, reflector.Reflect(sample))
}
