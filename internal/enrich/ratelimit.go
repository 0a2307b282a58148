package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/selwynpear/growthgrid/internal/utils"
)

const (
	defaultMaxRequests = 10
	defaultWindow      = time.Second

	// Small margin added to computed waits so the oldest timestamp is
	// strictly outside the window on re-evaluation.
	windowSlack = 10 * time.Millisecond
)

// RateLimiter enforces at most maxRequests Acquire completions inside any
// rolling window. State is process-local and resets on restart.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	requests    []time.Time

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter allowing maxRequests per window.
// Non-positive arguments fall back to 10 requests per second.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = defaultMaxRequests
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		wait:        utils.WaitFor,
	}
}

// Acquire blocks until a slot is available or the context is done. The wait
// is an explicit loop: each pass drops timestamps that left the window and
// either records the call or sleeps until the oldest one expires.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)

		if len(l.requests) < l.maxRequests {
			l.requests = append(l.requests, now)
			l.mu.Unlock()
			return nil
		}

		oldest := l.requests[0]
		l.mu.Unlock()

		wait := l.window - now.Sub(oldest) + windowSlack
		if err := l.wait(ctx, wait); err != nil {
			return err
		}
	}
}

// InFlight reports how many calls are currently recorded inside the window.
func (l *RateLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.requests)
}

// evict drops timestamps older than the window. Callers must hold mu.
func (l *RateLimiter) evict(now time.Time) {
	cut := 0
	for cut < len(l.requests) && now.Sub(l.requests[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.requests = append(l.requests[:0], l.requests[cut:]...)
	}
}
