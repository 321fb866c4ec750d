package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/liyaqa/hookline/internal/model"
	"github.com/liyaqa/hookline/internal/script"
	"github.com/liyaqa/hookline/internal/signing"
)

// Sender performs one signed delivery attempt and records the outcome on
// the delivery. It does not persist; callers own the ledger write.
type Sender struct {
	client *http.Client

	// failFastClientErrors makes non-429 4xx responses exhaust the
	// delivery immediately instead of consuming the retry budget.
	failFastClientErrors bool
}

func NewSender(timeout time.Duration, failFastClientErrors bool) *Sender {
	return &Sender{
		client:               &http.Client{Timeout: timeout},
		failFastClientErrors: failFastClientErrors,
	}
}

// envelope is the receiver-facing wire format.
type envelope struct {
	EventType string         `json:"eventType"`
	EventID   string         `json:"eventId"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Send builds the signed request for one claimed delivery, performs it, and
// applies the matching state transition. The delivery must already be
// in_progress with its attempt counted.
func (s *Sender) Send(ctx context.Context, w *model.Webhook, d *model.WebhookDelivery) {
	payload := d.Payload
	if w.TransformScript != nil && *w.TransformScript != "" {
		transformed, dropped, err := script.Transform(*w.TransformScript, d.EventType, payload)
		if err != nil {
			d.MarkFailed(nil, "", "transform script: "+err.Error())
			return
		}
		if dropped {
			// Terminal and auditable: the script chose not to deliver.
			d.MarkDelivered(0, "dropped by transform script")
			return
		}
		payload = transformed
	}

	body, err := json.Marshal(envelope{
		EventType: d.EventType,
		EventID:   d.EventID.String(),
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		d.MarkFailed(nil, "", "serialize payload: "+err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		d.MarkFailed(nil, "", "build request: "+err.Error())
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Delivery", d.ID.String())
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	// Signature last so custom headers cannot clobber it.
	req.Header.Set(signing.Header, signing.Sign(body, w.Secret))

	resp, err := s.client.Do(req)
	if err != nil {
		d.MarkFailed(nil, "", err.Error())
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, model.MaxResponseBodyLen))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.MarkDelivered(resp.StatusCode, string(respBody))
		return
	}

	code := resp.StatusCode
	errMsg := fmt.Sprintf("HTTP %d", code)
	if s.failFastClientErrors && isPermanentRejection(code) {
		d.MarkExhausted(&code, string(respBody), errMsg)
		return
	}
	d.MarkFailed(&code, string(respBody), errMsg)
}

// isPermanentRejection reports whether the endpoint will never accept this
// payload. 429 is rate limiting, always transient.
func isPermanentRejection(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
