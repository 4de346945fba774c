package broker

import (
	"context"
	"sync"
	"time"
)

// RequestGate enforces a minimum interval between upstream calls and a
// per-minute request budget. It is injected into every gateway call path
// so the throttling policy is testable and swappable per environment.
type RequestGate struct {
	mu sync.Mutex

	minInterval time.Duration
	maxPerMin   int

	lastCall time.Time
	used     int
	resetAt  time.Time

	now func() time.Time
}

// NewRequestGate creates a gate. A zero minInterval disables spacing;
// maxPerMinute <= 0 disables the budget.
func NewRequestGate(minInterval time.Duration, maxPerMinute int) *RequestGate {
	return &RequestGate{
		minInterval: minInterval,
		maxPerMin:   maxPerMinute,
		now:         time.Now,
	}
}

// TryAcquire attempts to take a request slot without blocking. When denied
// it returns the suggested wait before the next attempt.
func (g *RequestGate) TryAcquire() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.maxPerMin > 0 {
		if g.resetAt.IsZero() || now.After(g.resetAt) {
			g.used = 0
			g.resetAt = now.Add(time.Minute)
		}
		if g.used >= g.maxPerMin {
			return false, g.resetAt.Sub(now)
		}
	}

	if g.minInterval > 0 && !g.lastCall.IsZero() {
		if since := now.Sub(g.lastCall); since < g.minInterval {
			return false, g.minInterval - since
		}
	}

	g.lastCall = now
	g.used++
	return true, 0
}

// Wait blocks until a slot is acquired or ctx is done
func (g *RequestGate) Wait(ctx context.Context) error {
	for {
		ok, wait := g.TryAcquire()
		if ok {
			return nil
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage returns requests used in the current window and the budget
func (g *RequestGate) Usage() (used, budget int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used, g.maxPerMin
}
