package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"fleet-monitor/telemetry/internal/domain"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestTakeRateTokenFixedWindow(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, _, err := rs.TakeRateToken(ctx, 42, 4, time.Minute)
		require.Nil(t, err)
		require.True(t, ok, "request %d should fit the window", i+1)
	}

	ok, retry, err := rs.TakeRateToken(ctx, 42, 4, time.Minute)
	require.Nil(t, err)
	require.False(t, ok)
	require.Greater(t, retry, time.Duration(0))
	require.LessOrEqual(t, retry, time.Minute)

	// rejections do not consume budget
	v, err := mr.Get(rateKey(42))
	require.Nil(t, err)
	require.Equal(t, "4", v)

	// another vehicle has its own window
	ok, _, err = rs.TakeRateToken(ctx, 43, 4, time.Minute)
	require.Nil(t, err)
	require.True(t, ok)

	mr.FastForward(time.Minute + time.Second)

	ok, _, err = rs.TakeRateToken(ctx, 42, 4, time.Minute)
	require.Nil(t, err)
	require.True(t, ok, "window reset through TTL expiry")
	v, err = mr.Get(rateKey(42))
	require.Nil(t, err)
	require.Equal(t, "1", v)
}

func TestAggregateGenerationGuard(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()

	got, err := rs.GetAggregate(ctx, 1, "avg_fuel")
	require.Nil(t, err)
	require.Nil(t, got, "missing entry is stale")

	gen, err := rs.AggregateGeneration(ctx, 1)
	require.Nil(t, err)
	require.Equal(t, int64(0), gen)

	stored, err := rs.SetAggregateIfCurrent(ctx, 1, "avg_fuel", gen, domain.CachedMetric{Value: 0.4, Present: true}, time.Hour)
	require.Nil(t, err)
	require.True(t, stored)

	got, err = rs.GetAggregate(ctx, 1, "avg_fuel")
	require.Nil(t, err)
	require.Equal(t, &domain.CachedMetric{Value: 0.4, Present: true}, got)
	require.Greater(t, mr.TTL(aggregateKey(1, "avg_fuel")), time.Duration(0))

	require.Nil(t, rs.InvalidateAggregates(ctx, 1, "avg_fuel", "distance_24h"))
	got, err = rs.GetAggregate(ctx, 1, "avg_fuel")
	require.Nil(t, err)
	require.Nil(t, got)

	// a recompute that started before the invalidation must not be cached
	stored, err = rs.SetAggregateIfCurrent(ctx, 1, "avg_fuel", gen, domain.CachedMetric{Value: 0.9, Present: true}, time.Hour)
	require.Nil(t, err)
	require.False(t, stored)
	got, err = rs.GetAggregate(ctx, 1, "avg_fuel")
	require.Nil(t, err)
	require.Nil(t, got)

	gen, err = rs.AggregateGeneration(ctx, 1)
	require.Nil(t, err)
	require.Equal(t, int64(1), gen)

	stored, err = rs.SetAggregateIfCurrent(ctx, 1, "avg_fuel", gen, domain.CachedMetric{}, time.Hour)
	require.Nil(t, err)
	require.True(t, stored)
	got, err = rs.GetAggregate(ctx, 1, "avg_fuel")
	require.Nil(t, err)
	require.Equal(t, &domain.CachedMetric{}, got, "absent value is cached distinctly from stale")
}

func TestPipelineStateUpdate(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()

	ps, err := rs.SubscribeFleet(ctx, 9)
	require.Nil(t, err)
	defer ps.Close()

	r := &domain.Reading{
		VIN:          100,
		FleetID:      9,
		Timestamp:    time.Unix(1700000000, 0),
		ReceivedAt:   time.Unix(1700000001, 0),
		Latitude:     12.5,
		Longitude:    77.6,
		Speed:        40,
		Fuel:         0.6,
		Odometer:     1234,
		EngineStatus: domain.EngineOn,
	}
	second := *r
	second.VIN = 101
	second.EngineStatus = domain.EngineIdle
	require.Nil(t, rs.PipelineStateUpdate(ctx, []*domain.Reading{r, &second}, 30*time.Second))
	require.Nil(t, rs.PipelineStateUpdate(ctx, nil, 30*time.Second))

	require.Equal(t, "on", mr.HGet("vehicle:100:state", "engine_status"))
	require.Equal(t, "idle", mr.HGet("vehicle:101:state", "engine_status"))
	require.Equal(t, 30*time.Second, mr.TTL("vehicle:100:state"))
	require.Equal(t, 30*time.Second, mr.TTL("vehicle:101:state"))

	for _, vin := range []float64{100, 101} {
		msg, err := ps.ReceiveMessage(ctx)
		require.Nil(t, err)
		require.Equal(t, "fleet:9:telemetry", msg.Channel)

		var payload map[string]any
		require.Nil(t, json.Unmarshal([]byte(msg.Payload), &payload))
		require.Equal(t, "telemetry", payload["type"])
		require.Equal(t, vin, payload["vin"])
	}

	require.Nil(t, rs.PublishAlert(ctx, &domain.Alert{VIN: 100, FleetID: 9, AlertTypeID: 1, Rule: domain.RuleSpeedExceeded, Value: 130}))
	msg, err := ps.ReceiveMessage(ctx)
	require.Nil(t, err)
	require.Equal(t, "fleet:9:alerts", msg.Channel)
	require.Contains(t, msg.Payload, `"rule":"speed-exceeded"`)
}
