package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/store"
)

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(store.NewRedisStoreFromClient(client), 4, time.Minute), mr
}

func TestLimiterFifthRequestRejected(t *testing.T) {
	l, mr := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Nil(t, l.Allow(ctx, 7))
	}

	err := l.Allow(ctx, 7)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var de *domain.Error
	require.True(t, errors.As(err, &de))
	require.Greater(t, de.RetryAfter, time.Duration(0))

	mr.FastForward(61 * time.Second)
	require.Nil(t, l.Allow(ctx, 7), "a new window starts after expiry")
}

type failingStore struct{}

func (failingStore) TakeRateToken(context.Context, int64, int64, time.Duration) (bool, time.Duration, error) {
	return false, 0, errors.New("connection refused")
}

func TestLimiterFailsClosed(t *testing.T) {
	l := NewLimiter(failingStore{}, 4, time.Minute)
	err := l.Allow(context.Background(), 1)
	require.ErrorIs(t, err, domain.ErrInternal)
	require.NotErrorIs(t, err, domain.ErrRateLimited)
}
