package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/liyaqa/hookline/internal/dispatcher"
	"github.com/liyaqa/hookline/internal/model"
	"github.com/liyaqa/hookline/internal/store"
)

// TestWebhookHandler sends a synthetic webhook.test event to one
// subscription and attempts delivery synchronously, so operators get the
// receiver's response back in the same request.
type TestWebhookHandler struct {
	store  *store.Store
	sender *dispatcher.Sender
}

func NewTestWebhookHandler(s *store.Store, sender *dispatcher.Sender) *TestWebhookHandler {
	return &TestWebhookHandler{store: s, sender: sender}
}

func (h *TestWebhookHandler) Send(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}

	ctx := c.Request.Context()
	w, err := h.store.Webhooks.GetByID(ctx, id)
	if err != nil {
		c.String(http.StatusNotFound, "webhook not found")
		return
	}

	d := model.NewDelivery(w, "webhook.test", uuid.New(), map[string]any{
		"message":   "test delivery",
		"webhookId": w.ID.String(),
		"sentAt":    time.Now().UTC().Format(time.RFC3339),
	})
	if err := h.store.Deliveries.Insert(ctx, d); err != nil {
		slog.Error("failed to create test delivery", "error", err, "webhook_id", id)
		c.String(http.StatusInternalServerError, "failed to create test delivery")
		return
	}

	// Claim through the ledger like any dispatcher worker would, so the
	// attempt is counted and a concurrent worker cannot double-send it.
	claimed, err := h.store.Deliveries.Claim(ctx, d.ID)
	if err != nil || claimed == nil {
		slog.Error("failed to claim test delivery", "error", err, "delivery_id", d.ID)
		c.String(http.StatusInternalServerError, "failed to claim test delivery")
		return
	}

	h.sender.Send(ctx, w, claimed)

	if err := h.store.Deliveries.Update(ctx, claimed); err != nil {
		slog.Error("failed to persist test delivery", "error", err, "delivery_id", d.ID)
		c.String(http.StatusInternalServerError, "failed to persist test delivery")
		return
	}

	c.JSON(http.StatusOK, claimed)
}
