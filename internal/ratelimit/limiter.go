package ratelimit

import (
	"context"
	"time"

	"fleet-monitor/telemetry/internal/domain"
)

// Store keeps the per-vehicle window counters. It must be shared by every
// instance of the service.
type Store interface {
	TakeRateToken(ctx context.Context, vin int64, limit int64, window time.Duration) (bool, time.Duration, error)
}

type Limiter struct {
	store  Store
	limit  int64
	window time.Duration
}

func NewLimiter(store Store, limit int, window time.Duration) *Limiter {
	return &Limiter{
		store:  store,
		limit:  int64(limit),
		window: window,
	}
}

// Allow consumes one request from the vehicle's current window. A rejected
// request carries the time left in the window as RetryAfter.
func (l *Limiter) Allow(ctx context.Context, vin int64) error {
	ok, retryAfter, err := l.store.TakeRateToken(ctx, vin, l.limit, l.window)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "rate limiter unavailable")
	}
	if !ok {
		return &domain.Error{
			Kind:       domain.KindRateLimited,
			Message:    "rate limit exceeded",
			RetryAfter: retryAfter,
		}
	}
	return nil
}
