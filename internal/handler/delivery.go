package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/liyaqa/hookline/internal/model"
	"github.com/liyaqa/hookline/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// DeliveryLedger is the read-and-retry surface the handler needs from the
// delivery store.
type DeliveryLedger interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error)
	ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]model.WebhookDelivery, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.WebhookDelivery, error)
	CountByStatus(ctx context.Context, webhookID uuid.UUID) (map[model.DeliveryStatus]int64, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error)
}

type DeliveryHandler struct {
	deliveries DeliveryLedger
}

func NewDeliveryHandler(deliveries DeliveryLedger) *DeliveryHandler {
	return &DeliveryHandler{deliveries: deliveries}
}

// ListByWebhook returns the delivery history of one subscription, newest
// first.
func (h *DeliveryHandler) ListByWebhook(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}
	limit, offset := pagination(c)

	deliveries, err := h.deliveries.ListByWebhook(c.Request.Context(), id, limit, offset)
	if err != nil {
		slog.Error("failed to list deliveries", "error", err, "webhook_id", id)
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	respondList(c, deliveries)
}

func (h *DeliveryHandler) ListByTenant(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		c.String(http.StatusBadRequest, "tenant_id is required")
		return
	}
	limit, offset := pagination(c)

	deliveries, err := h.deliveries.ListByTenant(c.Request.Context(), tenantID, limit, offset)
	if err != nil {
		slog.Error("failed to list deliveries", "error", err, "tenant_id", tenantID)
		c.String(http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	respondList(c, deliveries)
}

func (h *DeliveryHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid delivery id")
		return
	}

	d, err := h.deliveries.GetByID(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusNotFound, "delivery not found")
		return
	}
	c.JSON(http.StatusOK, d)
}

// Stats returns per-status counts for one webhook's deliveries.
func (h *DeliveryHandler) Stats(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}

	counts, err := h.deliveries.CountByStatus(c.Request.Context(), id)
	if err != nil {
		slog.Error("failed to count deliveries", "error", err, "webhook_id", id)
		c.String(http.StatusInternalServerError, "failed to count deliveries")
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       total,
		"pending":     counts[model.DeliveryPending],
		"in_progress": counts[model.DeliveryInProgress],
		"delivered":   counts[model.DeliveryDelivered],
		"failed":      counts[model.DeliveryFailed],
		"exhausted":   counts[model.DeliveryExhausted],
	})
}

// Retry resets a failed or exhausted delivery back to pending so the
// dispatcher picks it up immediately. The attempt counter carries over.
// The transition happens as one conditional update in the store, so a row
// a worker claims or completes concurrently is never reverted.
func (h *DeliveryHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid delivery id")
		return
	}

	d, err := h.deliveries.ScheduleRetry(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.String(http.StatusNotFound, "delivery not found")
			return
		}
		if errors.Is(err, store.ErrConflict) {
			c.String(http.StatusConflict, "only failed or exhausted deliveries can be retried")
			return
		}
		slog.Error("failed to schedule retry", "error", err, "delivery_id", id)
		c.String(http.StatusInternalServerError, "failed to schedule retry")
		return
	}
	c.JSON(http.StatusOK, d)
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func respondList(c *gin.Context, deliveries []model.WebhookDelivery) {
	if deliveries == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, deliveries)
}
