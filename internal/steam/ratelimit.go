package steam

import (
	"context"
	"fmt"
	"time"

	"github.com/ZhaslanToishybayev/steammarket/internal/kv"
	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
)

// DefaultWindow is the rate-limit accounting window.
const DefaultWindow = 60 * time.Second

// kvErrGrace is how long Acquire waits before proceeding when the KV store
// is unavailable. Failing open after a bounded wait beats deadlocking every
// trade in flight.
const kvErrGrace = 5 * time.Second

// Limiter is the global gate on outbound Steam calls. All workers share one
// windowed counter in the KV store, so the cap holds across the whole
// process pool, not per worker.
type Limiter struct {
	store    kv.Store
	capacity int64
	window   time.Duration
}

// NewLimiter creates a limiter allowing capacity calls per window.
func NewLimiter(store kv.Store, capacity int, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, capacity: int64(capacity), window: window}
}

// Acquire blocks until a slot is free in the current window. It returns an
// error only when ctx is cancelled. On KV failure it waits the grace period
// and proceeds.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SteamRateLimitWaits.Observe(time.Since(start).Seconds())
	}()

	for {
		now := time.Now()
		windowSecs := int64(l.window / time.Second)
		bucket := now.Unix() / windowSecs
		key := fmt.Sprintf("steam:ratelimit:%d", bucket)

		// First increment in a window arms a 2x-window TTL so stale
		// buckets clean themselves up.
		n, err := l.store.Incr(ctx, key, 2*l.window)
		if err != nil {
			logging.L(ctx).Warn("rate limiter kv unavailable, proceeding after grace",
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(kvErrGrace):
			}
			return nil
		}
		if n <= l.capacity {
			return nil
		}

		// Window exhausted. Sleep to its boundary and try the next one.
		boundary := time.Unix((bucket+1)*windowSecs, 0)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(boundary)):
		}
	}
}
