package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLimiter is a per-process fixed-window counter. Used when no Redis
// is configured and as the deterministic substitute in tests. All webhooks
// share the same minute boundary, so rolling into a new window discards
// every count at once and the map only holds webhooks seen this minute.
type MemoryLimiter struct {
	mu     sync.Mutex
	window int64
	counts map[uuid.UUID]int

	// now is swappable so tests can control the window clock.
	now func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counts: make(map[uuid.UUID]int),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) TryAcquire(_ context.Context, webhookID uuid.UUID, perMinute int) bool {
	if perMinute <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.now().Unix() / 60
	if cur != l.window {
		l.window = cur
		clear(l.counts)
	}
	if l.counts[webhookID] >= perMinute {
		return false
	}
	l.counts[webhookID]++
	return true
}
