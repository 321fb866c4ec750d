// Package ratelimit bounds delivery attempts per subscription per minute.
// Limiting is best-effort politeness toward receivers: a denied permit only
// defers the attempt to a later dispatcher cycle and never touches the
// delivery ledger.
package ratelimit

import (
	"context"

	"github.com/google/uuid"
)

// Limiter grants at most perMinute permits per webhook per minute window.
type Limiter interface {
	TryAcquire(ctx context.Context, webhookID uuid.UUID, perMinute int) bool
}
