package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liyaqa/hookline/internal/model"
)

const deliveryColumns = `id, webhook_id, tenant_id, event_type, event_id, payload, status, attempt_count, next_retry_at, last_response_code, last_response_body, last_error, delivered_at, created_at, updated_at`

var maxAttemptsSQL = strconv.Itoa(model.MaxRetryAttempts)

// dueCondition selects the dispatcher's working set: fresh pending rows
// plus failed rows whose backoff window has elapsed and that still have
// attempt budget left.
var dueCondition = `(status = 'pending'
	OR (status = 'failed' AND attempt_count < ` + maxAttemptsSQL + ` AND next_retry_at IS NOT NULL AND next_retry_at <= now()))`

type DeliveryStore struct {
	pool *pgxpool.Pool
}

// DueCandidate is a lightweight working-set entry. The full row is only
// loaded by Claim, after the rate limiter admits the attempt.
type DueCandidate struct {
	ID        uuid.UUID
	WebhookID uuid.UUID
}

func (s *DeliveryStore) Insert(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, tenant_id, event_type, event_id, payload, status, attempt_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.WebhookID, d.TenantID, d.EventType, d.EventID, d.Payload, d.Status, d.AttemptCount, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// InsertBatch persists one fan-out worth of deliveries in a single round trip.
func (s *DeliveryStore) InsertBatch(ctx context.Context, deliveries []*model.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deliveries {
		batch.Queue(
			`INSERT INTO webhook_deliveries (id, webhook_id, tenant_id, event_type, event_id, payload, status, attempt_count, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			d.ID, d.WebhookID, d.TenantID, d.EventType, d.EventID, d.Payload, d.Status, d.AttemptCount, d.CreatedAt, d.UpdatedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert deliveries: %w", err)
	}
	return nil
}

func (s *DeliveryStore) GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get delivery: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// ListDue returns the ids of deliveries that may be attempted now, oldest
// retry first with fresh pending rows ahead of everything.
func (s *DeliveryStore) ListDue(ctx context.Context, limit int) ([]DueCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, webhook_id FROM webhook_deliveries
		 WHERE `+dueCondition+`
		 ORDER BY next_retry_at ASC NULLS FIRST
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var candidates []DueCandidate
	for rows.Next() {
		var c DueCandidate
		if err := rows.Scan(&c.ID, &c.WebhookID); err != nil {
			return nil, fmt.Errorf("scan due delivery: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// Claim atomically transitions one due delivery to in_progress and
// increments its attempt counter. The conditional UPDATE is the
// startDelivery transition: of any number of concurrent workers, exactly
// one gets the row back, the rest get nil.
func (s *DeliveryStore) Claim(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'in_progress', attempt_count = attempt_count + 1, updated_at = now()
		 WHERE id = $1 AND `+dueCondition+`
		 RETURNING `+deliveryColumns,
		id,
	)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// lost the race, or the delivery is no longer due
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	return d, nil
}

// ScheduleRetry resets a failed or exhausted delivery back to pending with
// an immediate retry time. Like Claim, the transition is a conditional
// UPDATE: a row that a worker claimed or completed in the meantime is left
// untouched and ErrConflict is returned. The attempt counter carries over,
// so a manual retry is a last-chance attempt rather than a full reset.
func (s *DeliveryStore) ScheduleRetry(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'pending', next_retry_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('failed', 'exhausted')
		 RETURNING `+deliveryColumns,
		id,
	)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("schedule retry: %w", ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("schedule retry: %w", err)
	}
	return d, nil
}

// Update persists the outcome of an attempt recorded on the model.
func (s *DeliveryStore) Update(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET
			status             = $2,
			attempt_count      = $3,
			next_retry_at      = $4,
			last_response_code = $5,
			last_response_body = $6,
			last_error         = $7,
			delivered_at       = $8,
			updated_at         = $9
		 WHERE id = $1`,
		d.ID, d.Status, d.AttemptCount, d.NextRetryAt, d.LastResponseCode, d.LastResponseBody, d.LastError, d.DeliveredAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// ReleaseStale requeues in_progress rows whose worker never recorded an
// outcome (crashed or was killed mid-flight). Rows past the attempt budget
// go straight to exhausted.
func (s *DeliveryStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET
			status        = CASE WHEN attempt_count >= `+maxAttemptsSQL+` THEN 'exhausted' ELSE 'failed' END,
			next_retry_at = CASE WHEN attempt_count >= `+maxAttemptsSQL+` THEN NULL ELSE now() END,
			last_error    = 'attempt abandoned: no outcome recorded before timeout',
			updated_at    = now()
		 WHERE status = 'in_progress' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("release stale deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *DeliveryStore) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]model.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		webhookID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries by webhook: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *DeliveryStore) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries by tenant: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

// CountByStatus returns per-status delivery counts for one webhook.
func (s *DeliveryStore) CountByStatus(ctx context.Context, webhookID uuid.UUID) (map[model.DeliveryStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM webhook_deliveries WHERE webhook_id = $1 GROUP BY status`,
		webhookID,
	)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.DeliveryStatus]int64)
	for rows.Next() {
		var status model.DeliveryStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanDelivery(row pgx.Row) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	err := row.Scan(&d.ID, &d.WebhookID, &d.TenantID, &d.EventType, &d.EventID, &d.Payload, &d.Status, &d.AttemptCount, &d.NextRetryAt, &d.LastResponseCode, &d.LastResponseBody, &d.LastError, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]model.WebhookDelivery, error) {
	var deliveries []model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}
