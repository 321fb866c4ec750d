package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/liyaqa/hookline/internal/model"
)

// WebhookSource lists the active subscriptions of a tenant.
type WebhookSource interface {
	ListActive(ctx context.Context, tenantID uuid.UUID) ([]model.Webhook, error)
}

// DeliverySink persists freshly fanned-out deliveries.
type DeliverySink interface {
	InsertBatch(ctx context.Context, deliveries []*model.WebhookDelivery) error
}

// Router fans a domain event out into one pending delivery per matching
// active subscription. It never performs HTTP calls; the dispatcher picks
// the rows up from the ledger.
type Router struct {
	webhooks   WebhookSource
	deliveries DeliverySink
}

func New(webhooks WebhookSource, deliveries DeliverySink) *Router {
	return &Router{webhooks: webhooks, deliveries: deliveries}
}

// Route matches the event against the tenant's active subscriptions and
// inserts one pending delivery per match. A persistence failure is returned
// to the caller; producers own their at-least-once guarantees upstream.
func (r *Router) Route(ctx context.Context, tenantID uuid.UUID, eventType string, eventID uuid.UUID, payload map[string]any) ([]*model.WebhookDelivery, error) {
	webhooks, err := r.webhooks.ListActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("route event: %w", err)
	}

	var deliveries []*model.WebhookDelivery
	for i := range webhooks {
		w := &webhooks[i]
		if !Matches(w.Events, eventType) {
			continue
		}
		deliveries = append(deliveries, model.NewDelivery(w, eventType, eventID, payload))
	}
	if len(deliveries) == 0 {
		return nil, nil
	}

	if err := r.deliveries.InsertBatch(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("route event: %w", err)
	}

	slog.Info("event fanned out",
		"event_type", eventType,
		"event_id", eventID,
		"tenant_id", tenantID,
		"deliveries", len(deliveries))
	return deliveries, nil
}
