package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxRetryAttempts is the number of send attempts a delivery gets
	// before it is exhausted and requires manual intervention.
	MaxRetryAttempts = 5

	// MaxResponseBodyLen caps how much of a receiver's response body is
	// retained on the delivery. The sender reads at most this many bytes
	// off the wire.
	MaxResponseBodyLen = 10000

	maxErrorLen = 2000
)

// RetryDelays is the backoff table, indexed by zero-based attempt number
// and clamped to the last entry.
var RetryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
}

// EventWildcard subscribes a webhook to every event type.
const EventWildcard = "*"

var ErrInvalidTransition = errors.New("invalid delivery state transition")

// Webhook is a subscription: where to deliver, which events, and how to sign.
type Webhook struct {
	ID                 uuid.UUID         `json:"id"`
	TenantID           uuid.UUID         `json:"tenant_id"`
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	Secret             string            `json:"-"`
	Events             []string          `json:"events"`
	IsActive           bool              `json:"is_active"`
	Headers            map[string]string `json:"headers,omitempty"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	TransformScript    *string           `json:"transform_script,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryExhausted  DeliveryStatus = "exhausted"
)

// IsTerminal reports whether no automatic attempt will follow.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryExhausted
}

// WebhookDelivery is the attempt history for one (webhook, event) pair.
// The dispatcher is the only mutator after creation.
type WebhookDelivery struct {
	ID               uuid.UUID      `json:"id"`
	WebhookID        uuid.UUID      `json:"webhook_id"`
	TenantID         uuid.UUID      `json:"tenant_id"`
	EventType        string         `json:"event_type"`
	EventID          uuid.UUID      `json:"event_id"`
	Payload          map[string]any `json:"payload"`
	Status           DeliveryStatus `json:"status"`
	AttemptCount     int            `json:"attempt_count"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty"`
	LastResponseCode *int           `json:"last_response_code,omitempty"`
	LastResponseBody *string        `json:"last_response_body,omitempty"`
	LastError        *string        `json:"last_error,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NewDelivery creates a pending delivery for one matched subscription.
func NewDelivery(w *Webhook, eventType string, eventID uuid.UUID, payload map[string]any) *WebhookDelivery {
	now := time.Now()
	return &WebhookDelivery{
		ID:        uuid.New(),
		WebhookID: w.ID,
		TenantID:  w.TenantID,
		EventType: eventType,
		EventID:   eventID,
		Payload:   payload,
		Status:    DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkDelivered records a successful attempt and makes the delivery terminal.
func (d *WebhookDelivery) MarkDelivered(responseCode int, responseBody string) {
	now := time.Now()
	d.Status = DeliveryDelivered
	d.LastResponseCode = &responseCode
	body := truncate(responseBody, MaxResponseBodyLen)
	d.LastResponseBody = &body
	d.LastError = nil
	d.NextRetryAt = nil
	d.DeliveredAt = &now
	d.UpdatedAt = now
}

// MarkFailed records a failed attempt. The delivery is scheduled for retry
// per the backoff table, or exhausted once the attempt budget is spent.
// responseCode is nil for transport-level failures.
func (d *WebhookDelivery) MarkFailed(responseCode *int, responseBody, errMsg string) {
	now := time.Now()
	d.LastResponseCode = responseCode
	body := truncate(responseBody, MaxResponseBodyLen)
	d.LastResponseBody = &body
	e := truncate(errMsg, maxErrorLen)
	d.LastError = &e
	d.UpdatedAt = now

	if d.AttemptCount >= MaxRetryAttempts {
		d.Status = DeliveryExhausted
		d.NextRetryAt = nil
		return
	}

	d.Status = DeliveryFailed
	next := now.Add(RetryDelays[delayIndex(d.AttemptCount-1)])
	d.NextRetryAt = &next
}

// MarkExhausted makes the delivery terminal immediately, regardless of the
// remaining attempt budget. Used for permanent rejections when fail-fast
// is enabled.
func (d *WebhookDelivery) MarkExhausted(responseCode *int, responseBody, errMsg string) {
	now := time.Now()
	d.Status = DeliveryExhausted
	d.LastResponseCode = responseCode
	body := truncate(responseBody, MaxResponseBodyLen)
	d.LastResponseBody = &body
	e := truncate(errMsg, maxErrorLen)
	d.LastError = &e
	d.NextRetryAt = nil
	d.UpdatedAt = now
}

// IsEligibleForRetry reports whether the dispatcher may attempt this
// delivery again right now.
func (d *WebhookDelivery) IsEligibleForRetry() bool {
	return d.Status == DeliveryFailed &&
		d.AttemptCount < MaxRetryAttempts &&
		d.NextRetryAt != nil &&
		time.Now().After(*d.NextRetryAt)
}

// ScheduleManualRetry resets a failed or exhausted delivery back to pending
// with an immediate retry time. The attempt counter is deliberately not
// reset: a manual retry is a last-chance attempt, and another failure
// re-exhausts the delivery immediately.
func (d *WebhookDelivery) ScheduleManualRetry() error {
	if d.Status != DeliveryFailed && d.Status != DeliveryExhausted {
		return ErrInvalidTransition
	}
	now := time.Now()
	d.Status = DeliveryPending
	d.NextRetryAt = &now
	d.UpdatedAt = now
	return nil
}

func delayIndex(i int) int {
	if i < 0 {
		return 0
	}
	if i >= len(RetryDelays) {
		return len(RetryDelays) - 1
	}
	return i
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
