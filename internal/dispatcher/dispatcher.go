// Package dispatcher is the delivery worker loop: it polls the ledger for
// due deliveries, claims them one by one, and performs the signed HTTP
// sends. Claiming is a conditional UPDATE in the ledger, so any number of
// dispatcher processes can run against the same database without
// double-sending.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liyaqa/hookline/internal/model"
	"github.com/liyaqa/hookline/internal/ratelimit"
	"github.com/liyaqa/hookline/internal/store"
)

// Ledger is the delivery side of the store the dispatcher mutates.
type Ledger interface {
	ListDue(ctx context.Context, limit int) ([]store.DueCandidate, error)
	Claim(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error)
	Update(ctx context.Context, d *model.WebhookDelivery) error
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookSource resolves the owning subscription of a delivery.
type WebhookSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error)
}

type Dispatcher struct {
	ledger   Ledger
	webhooks WebhookSource
	limiter  ratelimit.Limiter
	sender   *Sender

	concurrency   int
	pollInterval  time.Duration
	sweepInterval time.Duration
	claimBatch    int
	staleAfter    time.Duration

	wg sync.WaitGroup
}

type Options struct {
	Concurrency     int
	PollInterval    time.Duration
	SweepInterval   time.Duration
	ClaimBatch      int
	DeliveryTimeout time.Duration
	FailFast        bool
}

func New(ledger Ledger, webhooks WebhookSource, limiter ratelimit.Limiter, opts Options) *Dispatcher {
	return &Dispatcher{
		ledger:        ledger,
		webhooks:      webhooks,
		limiter:       limiter,
		sender:        NewSender(opts.DeliveryTimeout, opts.FailFast),
		concurrency:   opts.Concurrency,
		pollInterval:  opts.PollInterval,
		sweepInterval: opts.SweepInterval,
		claimBatch:    opts.ClaimBatch,
		// 2x the HTTP timeout: anything in_progress longer than that has
		// no worker behind it anymore.
		staleAfter: 2 * opts.DeliveryTimeout,
	}
}

// Run polls until ctx is cancelled, then drains: no new claims are made,
// in-flight sends finish or hit their HTTP timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	work := make(chan store.DueCandidate)

	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for cand := range work {
				d.process(ctx, cand)
			}
		}()
	}

	d.wg.Add(1)
	go d.sweepStale(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	slog.Info("dispatcher started", "concurrency", d.concurrency, "poll_interval", d.pollInterval)

	for {
		select {
		case <-ctx.Done():
			close(work)
			d.wg.Wait()
			slog.Info("dispatcher stopped")
			return
		case <-ticker.C:
			candidates, err := d.ledger.ListDue(ctx, d.claimBatch)
			if err != nil {
				slog.Error("failed to list due deliveries", "error", err)
				continue
			}
			for _, cand := range candidates {
				select {
				case work <- cand:
				case <-ctx.Done():
					// Drop the rest of the batch; the rows stay due and
					// the next dispatcher run picks them up.
				}
			}
		}
	}
}

// process attempts one candidate: resolve webhook, take a rate-limit
// permit, claim, send, persist. The send and the ledger write run on a
// context detached from Run's, so shutdown lets them complete.
func (d *Dispatcher) process(ctx context.Context, cand store.DueCandidate) {
	opCtx := context.WithoutCancel(ctx)

	w, err := d.webhooks.GetByID(opCtx, cand.WebhookID)
	if errors.Is(err, store.ErrNotFound) {
		d.abandon(opCtx, cand.ID, "webhook not found")
		return
	}
	if err != nil {
		slog.Error("failed to get webhook for delivery", "error", err, "delivery_id", cand.ID, "webhook_id", cand.WebhookID)
		return
	}
	if !w.IsActive {
		d.abandon(opCtx, cand.ID, "webhook is inactive")
		return
	}

	// Rate limiting happens before the claim: a denied permit must not
	// consume attempt budget or touch the row at all.
	if !d.limiter.TryAcquire(opCtx, w.ID, w.RateLimitPerMinute) {
		return
	}

	delivery, err := d.ledger.Claim(opCtx, cand.ID)
	if err != nil {
		slog.Error("failed to claim delivery", "error", err, "delivery_id", cand.ID)
		return
	}
	if delivery == nil {
		// another worker got there first
		return
	}

	d.sender.Send(opCtx, w, delivery)

	if err := d.ledger.Update(opCtx, delivery); err != nil {
		// The row stays in_progress until the stale sweep requeues it;
		// at-least-once survives the lost write.
		slog.Error("failed to persist delivery outcome", "error", err, "delivery_id", delivery.ID)
		return
	}

	if delivery.Status == model.DeliveryDelivered {
		slog.Info("delivery succeeded",
			"delivery_id", delivery.ID,
			"webhook_id", w.ID,
			"event_type", delivery.EventType,
			"attempt", delivery.AttemptCount)
	} else {
		slog.Warn("delivery failed",
			"delivery_id", delivery.ID,
			"webhook_id", w.ID,
			"event_type", delivery.EventType,
			"attempt", delivery.AttemptCount,
			"status", delivery.Status,
			"error", deref(delivery.LastError))
	}
}

// abandon claims a delivery that cannot be sent (missing or inactive
// webhook) and exhausts it so it is visible to operators instead of
// looping through the working set forever. Manual retry can resurrect it
// after the webhook is fixed.
func (d *Dispatcher) abandon(ctx context.Context, id uuid.UUID, reason string) {
	delivery, err := d.ledger.Claim(ctx, id)
	if err != nil || delivery == nil {
		return
	}
	delivery.MarkExhausted(nil, "", reason)
	if err := d.ledger.Update(ctx, delivery); err != nil {
		slog.Error("failed to abandon delivery", "error", err, "delivery_id", id)
	}
}

func (d *Dispatcher) sweepStale(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.ledger.ReleaseStale(ctx, time.Now().Add(-d.staleAfter))
			if err != nil {
				slog.Error("stale delivery sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("requeued stale in-progress deliveries", "count", n)
			}
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
