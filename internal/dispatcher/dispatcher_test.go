package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liyaqa/hookline/internal/model"
	"github.com/liyaqa/hookline/internal/ratelimit"
	"github.com/liyaqa/hookline/internal/signing"
	"github.com/liyaqa/hookline/internal/store"
	"github.com/stretchr/testify/require"
)

// memLedger implements Ledger with the same claim semantics as the SQL
// store: a conditional transition under a lock.
type memLedger struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.WebhookDelivery
}

func newMemLedger(deliveries ...*model.WebhookDelivery) *memLedger {
	rows := make(map[uuid.UUID]*model.WebhookDelivery)
	for _, d := range deliveries {
		cp := *d
		rows[d.ID] = &cp
	}
	return &memLedger{rows: rows}
}

func isDue(d *model.WebhookDelivery) bool {
	if d.Status == model.DeliveryPending {
		return true
	}
	return d.Status == model.DeliveryFailed &&
		d.AttemptCount < model.MaxRetryAttempts &&
		d.NextRetryAt != nil &&
		!d.NextRetryAt.After(time.Now())
}

func (m *memLedger) ListDue(_ context.Context, limit int) ([]store.DueCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.DueCandidate
	for _, d := range m.rows {
		if isDue(d) && len(out) < limit {
			out = append(out, store.DueCandidate{ID: d.ID, WebhookID: d.WebhookID})
		}
	}
	return out, nil
}

func (m *memLedger) Claim(_ context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || !isDue(d) {
		return nil, nil
	}
	d.Status = model.DeliveryInProgress
	d.AttemptCount++
	d.UpdatedAt = time.Now()
	cp := *d
	return &cp, nil
}

func (m *memLedger) Update(_ context.Context, d *model.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}

func (m *memLedger) ReleaseStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.rows {
		if d.Status == model.DeliveryInProgress && d.UpdatedAt.Before(cutoff) {
			if d.AttemptCount >= model.MaxRetryAttempts {
				d.Status = model.DeliveryExhausted
				d.NextRetryAt = nil
			} else {
				d.Status = model.DeliveryFailed
				now := time.Now()
				d.NextRetryAt = &now
			}
			n++
		}
	}
	return n, nil
}

func (m *memLedger) get(id uuid.UUID) model.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

type memWebhooks struct {
	m map[uuid.UUID]*model.Webhook
}

func (s *memWebhooks) GetByID(_ context.Context, id uuid.UUID) (*model.Webhook, error) {
	w, ok := s.m[id]
	if !ok {
		return nil, fmt.Errorf("get webhook: %w", store.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

type allowAll struct{}

func (allowAll) TryAcquire(context.Context, uuid.UUID, int) bool { return true }

type denyAll struct{}

func (denyAll) TryAcquire(context.Context, uuid.UUID, int) bool { return false }

func testWebhook() *model.Webhook {
	return &model.Webhook{
		ID:                 uuid.New(),
		TenantID:           uuid.New(),
		Name:               "billing hook",
		URL:                "http://unset.invalid",
		Secret:             "test-secret",
		Events:             []string{"invoice.paid"},
		IsActive:           true,
		Headers:            map[string]string{"X-Club": "downtown"},
		RateLimitPerMinute: 60,
	}
}

func newDispatcher(ledger Ledger, webhooks WebhookSource, limiter ratelimit.Limiter, failFast bool) *Dispatcher {
	return New(ledger, webhooks, limiter, Options{
		Concurrency:     2,
		PollInterval:    10 * time.Millisecond,
		SweepInterval:   time.Hour,
		ClaimBatch:      10,
		DeliveryTimeout: 2 * time.Second,
		FailFast:        failFast,
	})
}

func TestProcessDeliversAndSigns(t *testing.T) {
	w := testWebhook()

	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("received"))
	}))
	defer srv.Close()
	w.URL = srv.URL

	eventID := uuid.New()
	d := model.NewDelivery(w, "invoice.paid", eventID, map[string]any{"invoiceId": "inv-42"})
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, allowAll{}, false)

	disp.process(context.Background(), store.DueCandidate{ID: d.ID, WebhookID: w.ID})

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryDelivered, got.Status)
	require.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.DeliveredAt)
	require.Nil(t, got.NextRetryAt)
	require.Equal(t, 200, *got.LastResponseCode)
	require.Equal(t, "received", *got.LastResponseBody)

	// Envelope carries the event identity for receiver-side dedup.
	var env map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &env))
	require.Equal(t, "invoice.paid", env["eventType"])
	require.Equal(t, eventID.String(), env["eventId"])
	require.Equal(t, map[string]any{"invoiceId": "inv-42"}, env["data"])
	require.NotEmpty(t, env["timestamp"])

	// The signature authenticates the raw body; custom headers ride along.
	require.True(t, signing.Verify(gotBody, w.Secret, gotHeaders.Get(signing.Header)))
	require.Equal(t, "downtown", gotHeaders.Get("X-Club"))
	require.Equal(t, d.ID.String(), gotHeaders.Get("X-Webhook-Delivery"))
}

func TestProcessSchedulesRetryOnServerError(t *testing.T) {
	w := testWebhook()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	w.URL = srv.URL

	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, allowAll{}, false)

	before := time.Now()
	disp.process(context.Background(), store.DueCandidate{ID: d.ID, WebhookID: w.ID})

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryFailed, got.Status)
	require.Equal(t, 1, got.AttemptCount)
	require.Equal(t, 503, *got.LastResponseCode)
	require.NotNil(t, got.NextRetryAt)
	require.InDelta(t, time.Minute.Seconds(), got.NextRetryAt.Sub(before).Seconds(), 2.0)
}

func TestProcessTransportErrorIsTransient(t *testing.T) {
	w := testWebhook()
	w.URL = "http://127.0.0.1:1" // nothing listens here

	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, allowAll{}, false)

	disp.process(context.Background(), store.DueCandidate{ID: d.ID, WebhookID: w.ID})

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryFailed, got.Status)
	require.Nil(t, got.LastResponseCode)
	require.NotNil(t, got.LastError)
	require.NotNil(t, got.NextRetryAt)
}

func TestProcessRateLimitedLeavesLedgerUntouched(t *testing.T) {
	w := testWebhook()
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()
	w.URL = srv.URL

	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, denyAll{}, false)

	disp.process(context.Background(), store.DueCandidate{ID: d.ID, WebhookID: w.ID})

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryPending, got.Status, "a denied permit defers, it is not an attempt")
	require.Equal(t, 0, got.AttemptCount)
	require.EqualValues(t, 0, requests.Load())
}

func TestProcessAtMostOnceAcrossWorkers(t *testing.T) {
	w := testWebhook()
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	w.URL = srv.URL

	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, allowAll{}, false)

	cand := store.DueCandidate{ID: d.ID, WebhookID: w.ID}
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			disp.process(context.Background(), cand)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, requests.Load(), "exactly one worker wins the claim")
	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryDelivered, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestProcessMissingWebhookAbandons(t *testing.T) {
	w := testWebhook()
	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{}}, allowAll{}, false)

	disp.process(context.Background(), store.DueCandidate{ID: d.ID, WebhookID: w.ID})

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryExhausted, got.Status)
	require.Contains(t, *got.LastError, "webhook not found")
}

func TestProcessInactiveWebhookAbandons(t *testing.T) {
	w := testWebhook()
	w.IsActive = false
	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, allowAll{}, false)

	disp.process(context.Background(), store.DueCandidate{ID: d.ID, WebhookID: w.ID})

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryExhausted, got.Status)
	require.Contains(t, *got.LastError, "inactive")
}

func TestProcessRetriesUntilExhaustion(t *testing.T) {
	w := testWebhook()
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(rw, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	w.URL = srv.URL

	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, allowAll{}, false)
	cand := store.DueCandidate{ID: d.ID, WebhookID: w.ID}

	for i := 0; i < 10; i++ {
		// Force each failed row due again so exhaustion, not the backoff
		// clock, is what stops the loop.
		row := ledger.get(d.ID)
		if row.Status == model.DeliveryFailed {
			now := time.Now().Add(-time.Second)
			row.NextRetryAt = &now
			require.NoError(t, ledger.Update(context.Background(), &row))
		}
		disp.process(context.Background(), cand)
	}

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryExhausted, got.Status)
	require.Equal(t, model.MaxRetryAttempts, got.AttemptCount)
	require.Nil(t, got.NextRetryAt)
	require.EqualValues(t, model.MaxRetryAttempts, requests.Load(), "no sixth automatic attempt")
}

func TestRunPicksUpPendingAndStops(t *testing.T) {
	w := testWebhook()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	w.URL = srv.URL

	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	ledger := newMemLedger(d)
	disp := newDispatcher(ledger, &memWebhooks{m: map[uuid.UUID]*model.Webhook{w.ID: w}}, allowAll{}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return ledger.get(d.ID).Status == model.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}

func TestStaleSweepRequeues(t *testing.T) {
	w := testWebhook()
	d := model.NewDelivery(w, "invoice.paid", uuid.New(), nil)
	d.Status = model.DeliveryInProgress
	d.AttemptCount = 1
	d.UpdatedAt = time.Now().Add(-time.Hour)

	ledger := newMemLedger(d)
	n, err := ledger.ReleaseStale(context.Background(), time.Now().Add(-20*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got := ledger.get(d.ID)
	require.Equal(t, model.DeliveryFailed, got.Status)
	require.NotNil(t, got.NextRetryAt)
	require.True(t, isDue(&got), "requeued row is immediately due again")
}
