package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/liyaqa/hookline/internal/model"
	"github.com/liyaqa/hookline/internal/script"
	"github.com/liyaqa/hookline/internal/signing"
	"github.com/liyaqa/hookline/internal/store"
)

const defaultRateLimitPerMinute = 60

type WebhookHandler struct {
	store *store.Store
}

func NewWebhookHandler(s *store.Store) *WebhookHandler {
	return &WebhookHandler{store: s}
}

type createWebhookRequest struct {
	TenantID           uuid.UUID         `json:"tenant_id"`
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	Secret             *string           `json:"secret,omitempty"`
	Events             []string          `json:"events"`
	Headers            map[string]string `json:"headers,omitempty"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute,omitempty"`
	TransformScript    *string           `json:"transform_script,omitempty"`
}

type updateWebhookRequest struct {
	Name               *string           `json:"name,omitempty"`
	URL                *string           `json:"url,omitempty"`
	Events             []string          `json:"events,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute,omitempty"`
	TransformScript    *string           `json:"transform_script,omitempty"`
}

// webhookWithSecret is returned only on create and secret regeneration;
// every other response omits the secret.
type webhookWithSecret struct {
	model.Webhook
	Secret string `json:"secret"`
}

func (h *WebhookHandler) Create(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == uuid.Nil {
		c.String(http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.URL == "" {
		c.String(http.StatusBadRequest, "url is required")
		return
	}

	rateLimit := defaultRateLimitPerMinute
	if req.RateLimitPerMinute != nil {
		rateLimit = *req.RateLimitPerMinute
	}
	if rateLimit <= 0 {
		c.String(http.StatusBadRequest, "rate_limit_per_minute must be positive")
		return
	}

	if req.TransformScript != nil && *req.TransformScript != "" {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.String(http.StatusBadRequest, "invalid transform script: "+err.Error())
			return
		}
	}

	secret := ""
	if req.Secret != nil {
		secret = *req.Secret
	}
	if secret == "" {
		var err error
		secret, err = signing.NewSecret()
		if err != nil {
			c.String(http.StatusInternalServerError, "failed to generate secret")
			return
		}
	}

	events := req.Events
	if events == nil {
		events = []string{}
	}

	w := &model.Webhook{
		TenantID:           req.TenantID,
		Name:               req.Name,
		URL:                req.URL,
		Secret:             secret,
		Events:             events,
		IsActive:           true,
		Headers:            req.Headers,
		RateLimitPerMinute: rateLimit,
		TransformScript:    req.TransformScript,
	}
	if err := h.store.Webhooks.Create(c.Request.Context(), w); err != nil {
		slog.Error("failed to create webhook", "error", err)
		c.String(http.StatusInternalServerError, "failed to create webhook")
		return
	}

	c.JSON(http.StatusCreated, webhookWithSecret{Webhook: *w, Secret: w.Secret})
}

func (h *WebhookHandler) List(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenant_id"))
	if err != nil {
		c.String(http.StatusBadRequest, "tenant_id is required")
		return
	}

	webhooks, err := h.store.Webhooks.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		slog.Error("failed to list webhooks", "error", err)
		c.String(http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	if webhooks == nil {
		c.Data(http.StatusOK, "application/json", []byte("[]"))
		return
	}
	c.JSON(http.StatusOK, webhooks)
}

func (h *WebhookHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}

	w, err := h.store.Webhooks.GetByID(c.Request.Context(), id)
	if err != nil {
		c.String(http.StatusNotFound, "webhook not found")
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WebhookHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}

	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL != nil && *req.URL == "" {
		c.String(http.StatusBadRequest, "url must not be empty")
		return
	}
	if req.RateLimitPerMinute != nil && *req.RateLimitPerMinute <= 0 {
		c.String(http.StatusBadRequest, "rate_limit_per_minute must be positive")
		return
	}
	if req.TransformScript != nil && *req.TransformScript != "" {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.String(http.StatusBadRequest, "invalid transform script: "+err.Error())
			return
		}
	}

	// Empty string means "clear the script"
	clearScript := req.TransformScript != nil && *req.TransformScript == ""

	w, err := h.store.Webhooks.Update(c.Request.Context(), id, req.Name, req.URL, req.Events, req.Headers, req.RateLimitPerMinute, req.TransformScript, clearScript)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.String(http.StatusNotFound, "webhook not found")
			return
		}
		slog.Error("failed to update webhook", "error", err, "webhook_id", id)
		c.String(http.StatusInternalServerError, "failed to update webhook")
		return
	}
	c.JSON(http.StatusOK, w)
}

// Delete deactivates. Webhooks are never hard-deleted while deliveries
// reference them.
func (h *WebhookHandler) Delete(c *gin.Context) {
	h.setActive(c, false, http.StatusNoContent)
}

func (h *WebhookHandler) Activate(c *gin.Context) {
	h.setActive(c, true, http.StatusOK)
}

func (h *WebhookHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false, http.StatusOK)
}

func (h *WebhookHandler) setActive(c *gin.Context, active bool, okStatus int) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}

	if err := h.store.Webhooks.SetActive(c.Request.Context(), id, active); err != nil {
		c.String(http.StatusNotFound, "webhook not found")
		return
	}
	c.Status(okStatus)
}

// RegenerateSecret rotates the signing secret and returns the new value.
// Receivers must be updated before the next delivery or their signature
// checks will fail.
func (h *WebhookHandler) RegenerateSecret(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid webhook id")
		return
	}

	secret, err := signing.NewSecret()
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to generate secret")
		return
	}

	if err := h.store.Webhooks.UpdateSecret(c.Request.Context(), id, secret); err != nil {
		c.String(http.StatusNotFound, "webhook not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": secret})
}
