package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liyaqa/hookline/internal/model"
)

const webhookColumns = `id, tenant_id, name, url, secret, events, is_active, headers, rate_limit_per_minute, transform_script, created_at, updated_at`

type WebhookStore struct {
	pool *pgxpool.Pool
}

func (s *WebhookStore) Create(ctx context.Context, w *model.Webhook) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhooks (tenant_id, name, url, secret, events, is_active, headers, rate_limit_per_minute, transform_script)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		w.TenantID, w.Name, w.URL, w.Secret, w.Events, w.IsActive, w.Headers, w.RateLimitPerMinute, w.TransformScript,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

func (s *WebhookStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get webhook: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *WebhookStore) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

// ListActive returns the active subscriptions of a tenant, the router's
// fan-out input. Event matching happens in Go so the wildcard rule lives
// in one place.
func (s *WebhookStore) ListActive(ctx context.Context, tenantID uuid.UUID) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id = $1 AND is_active = true`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (s *WebhookStore) Update(ctx context.Context, id uuid.UUID, name, url *string, events []string, headers map[string]string, rateLimitPerMinute *int, transformScript *string, clearScript bool) (*model.Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE webhooks SET
			name                  = COALESCE($2, name),
			url                   = COALESCE($3, url),
			events                = COALESCE($4, events),
			headers               = COALESCE($5, headers),
			rate_limit_per_minute = COALESCE($6, rate_limit_per_minute),
			transform_script      = CASE WHEN $8 THEN NULL ELSE COALESCE($7, transform_script) END,
			updated_at            = $9
		 WHERE id = $1
		 RETURNING `+webhookColumns,
		id, name, url, events, headers, rateLimitPerMinute, transformScript, clearScript, time.Now(),
	)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update webhook: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	return w, nil
}

func (s *WebhookStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set webhook active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set webhook active: webhook not found")
	}
	return nil
}

func (s *WebhookStore) UpdateSecret(ctx context.Context, id uuid.UUID, secret string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET secret = $2, updated_at = now() WHERE id = $1`, id, secret)
	if err != nil {
		return fmt.Errorf("update webhook secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update webhook secret: webhook not found")
	}
	return nil
}

func scanWebhook(row pgx.Row) (*model.Webhook, error) {
	var w model.Webhook
	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &w.URL, &w.Secret, &w.Events, &w.IsActive, &w.Headers, &w.RateLimitPerMinute, &w.TransformScript, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWebhooks(rows pgx.Rows) ([]model.Webhook, error) {
	var webhooks []model.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}
