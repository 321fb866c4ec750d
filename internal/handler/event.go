package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/liyaqa/hookline/internal/router"
)

// EventHandler is the ingest point for business-event producers. The
// engine only consumes already-formed events; deciding when an event
// occurs is the producer's job.
type EventHandler struct {
	router *router.Router
}

func NewEventHandler(r *router.Router) *EventHandler {
	return &EventHandler{router: r}
}

type ingestEventRequest struct {
	TenantID  uuid.UUID      `json:"tenant_id"`
	EventType string         `json:"event_type"`
	EventID   *uuid.UUID     `json:"event_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

func (h *EventHandler) Ingest(c *gin.Context) {
	var req ingestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == uuid.Nil {
		c.String(http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.EventType == "" {
		c.String(http.StatusBadRequest, "event_type is required")
		return
	}

	eventID := uuid.New()
	if req.EventID != nil {
		eventID = *req.EventID
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	deliveries, err := h.router.Route(c.Request.Context(), req.TenantID, req.EventType, eventID, payload)
	if err != nil {
		slog.Error("failed to route event", "error", err, "event_type", req.EventType, "event_id", eventID)
		c.String(http.StatusInternalServerError, "failed to route event")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":   eventID,
		"deliveries": len(deliveries),
	})
}
