package router

import (
	"sync"
	"time"
)

// RateLimiter gates inbound traffic per connection. Allow reports whether
// the connection may proceed; implementations update their own bookkeeping.
type RateLimiter interface {
	Allow(connID string) bool
}

// windowLimiter is a fixed-window counter per connection, grounded directly
// on the teacher's RateLimitMiddleware (internal/core/protocol/middlewares/
// rate_limit.go): a count plus a window-start timestamp per client, reset
// whenever the window elapses, one mutex per client rather than one global
// lock. The teacher's middleware logs-and-allows on overflow instead of
// rejecting; the router instead rejects, since spec.md §4.7 names inbound
// rate limiting as an enforced ceiling, not an advisory one.
type windowLimiter struct {
	limit  int
	window time.Duration

	clients sync.Map // connID -> *windowState
}

type windowState struct {
	mu    sync.Mutex
	count int
	start time.Time
}

// NewWindowLimiter builds a RateLimiter allowing limit messages per window.
func NewWindowLimiter(limit int, window time.Duration) RateLimiter {
	return &windowLimiter{limit: limit, window: window}
}

func (l *windowLimiter) Allow(connID string) bool {
	stateAny, _ := l.clients.LoadOrStore(connID, &windowState{start: time.Now()})
	state := stateAny.(*windowState)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	if now.Sub(state.start) > l.window {
		state.count = 0
		state.start = now
	}

	if state.count >= l.limit {
		return false
	}
	state.count++
	return true
}

// Forget drops bookkeeping for a disconnected connection, mirroring the
// teacher's OnDisconnect cleanup.
func (l *windowLimiter) Forget(connID string) {
	l.clients.Delete(connID)
}
