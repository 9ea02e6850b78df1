package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/domain"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// ─── Rate limiting ──────────────────────────────────────────

// Fixed window: the first hit creates the counter with the window as TTL,
// later hits increment until the limit. Rejections leave the counter alone.
// Returns {count, pttl}; count is -1 when rejected.
var rateWindowScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
	return {1, tonumber(ARGV[2])}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
if tonumber(current) >= tonumber(ARGV[1]) then
	return {-1, ttl}
end
return {redis.call('INCR', KEYS[1]), ttl}
`)

func rateKey(vin int64) string {
	return fmt.Sprintf("ratelimit:vehicle:%d", vin)
}

// TakeRateToken consumes one slot of the vehicle's current window.
func (r *RedisStore) TakeRateToken(ctx context.Context, vin int64, limit int64, window time.Duration) (bool, time.Duration, error) {
	res, err := rateWindowScript.Run(ctx, r.client, []string{rateKey(vin)}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate window script failed: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate window script returned %d values", len(res))
	}
	return res[0] > 0, time.Duration(res[1]) * time.Millisecond, nil
}

// ─── Fleet aggregates ───────────────────────────────────────

func aggregateGenKey(fleetID int64) string {
	return fmt.Sprintf("fleet:%d:agg:gen", fleetID)
}

func aggregateKey(fleetID int64, metric string) string {
	return fmt.Sprintf("fleet:%d:agg:%s", fleetID, metric)
}

// Stores the value only if nobody invalidated since the caller read the
// generation. A missing generation counts as 0.
var setIfGenerationScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (r *RedisStore) AggregateGeneration(ctx context.Context, fleetID int64) (int64, error) {
	n, err := r.client.Get(ctx, aggregateGenKey(fleetID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get aggregate generation failed: %w", err)
	}
	return n, nil
}

// InvalidateAggregates marks every cached metric of the fleet stale.
func (r *RedisStore) InvalidateAggregates(ctx context.Context, fleetID int64, metrics ...string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, aggregateGenKey(fleetID))
		if len(metrics) > 0 {
			keys := make([]string, len(metrics))
			for i, m := range metrics {
				keys[i] = aggregateKey(fleetID, m)
			}
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate aggregates failed: %w", err)
	}
	return nil
}

// GetAggregate returns nil when the metric is stale.
func (r *RedisStore) GetAggregate(ctx context.Context, fleetID int64, metric string) (*domain.CachedMetric, error) {
	raw, err := r.client.Get(ctx, aggregateKey(fleetID, metric)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get aggregate failed: %w", err)
	}

	var v domain.CachedMetric
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode cached aggregate %s: %w", metric, err)
	}
	return &v, nil
}

func (r *RedisStore) SetAggregateIfCurrent(
	ctx context.Context,
	fleetID int64,
	metric string,
	generation int64,
	v domain.CachedMetric,
	ttl time.Duration,
) (bool, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode aggregate: %w", err)
	}

	stored, err := setIfGenerationScript.Run(
		ctx,
		r.client,
		[]string{aggregateGenKey(fleetID), aggregateKey(fleetID, metric)},
		strconv.FormatInt(generation, 10),
		payload,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis set aggregate failed: %w", err)
	}
	return stored == 1, nil
}

// ─── Live feed ──────────────────────────────────────────────

func telemetryChannel(fleetID int64) string {
	return fmt.Sprintf("fleet:%d:telemetry", fleetID)
}

func alertChannel(fleetID int64) string {
	return fmt.Sprintf("fleet:%d:alerts", fleetID)
}

type liveReading struct {
	Type         string  `json:"type"`
	VIN          int64   `json:"vin"`
	FleetID      int64   `json:"fleetId"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Speed        float64 `json:"speed"`
	Fuel         float64 `json:"fuel"`
	Odometer     float64 `json:"odometerReading"`
	EngineStatus string  `json:"engineStatus"`
	Timestamp    int64   `json:"timestamp"`
	ReceivedAt   int64   `json:"receivedAt"`
}

type liveAlert struct {
	Type        string  `json:"type"`
	VIN         int64   `json:"vin"`
	FleetID     int64   `json:"fleetId"`
	AlertTypeID int64   `json:"alertTypeId"`
	Rule        string  `json:"rule"`
	Value       float64 `json:"value"`
	Timestamp   int64   `json:"timestamp"`
	CreatedAt   int64   `json:"createdAt"`
}

// PipelineStateUpdate refreshes the live state hash and fleet geo set of
// every reading in the batch and publishes each on its fleet telemetry
// channel, all in a single round trip.
func (r *RedisStore) PipelineStateUpdate(ctx context.Context, batch []*domain.Reading, stateTTL time.Duration) error {
	if len(batch) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()

	for _, msg := range batch {
		stateData := map[string]interface{}{
			"vin":           msg.VIN,
			"fleet_id":      msg.FleetID,
			"lat":           msg.Latitude,
			"lng":           msg.Longitude,
			"speed":         msg.Speed,
			"fuel":          msg.Fuel,
			"odometer":      msg.Odometer,
			"engine_status": string(msg.EngineStatus),
			"timestamp":     msg.Timestamp.Unix(),
			"received_at":   msg.ReceivedAt.Unix(),
		}

		pubPayload, err := json.Marshal(liveReading{
			Type:         "telemetry",
			VIN:          msg.VIN,
			FleetID:      msg.FleetID,
			Latitude:     msg.Latitude,
			Longitude:    msg.Longitude,
			Speed:        msg.Speed,
			Fuel:         msg.Fuel,
			Odometer:     msg.Odometer,
			EngineStatus: string(msg.EngineStatus),
			Timestamp:    msg.Timestamp.Unix(),
			ReceivedAt:   msg.ReceivedAt.Unix(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		vehicleStateKey := fmt.Sprintf("vehicle:%d:state", msg.VIN)
		geoKey := fmt.Sprintf("fleet:%d:geo", msg.FleetID)

		pipe.HSet(ctx, vehicleStateKey, stateData)
		pipe.Expire(ctx, vehicleStateKey, stateTTL)
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      strconv.FormatInt(msg.VIN, 10),
			Longitude: msg.Longitude,
			Latitude:  msg.Latitude,
		})
		pipe.Publish(ctx, telemetryChannel(msg.FleetID), pubPayload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	return nil
}

func (r *RedisStore) PublishAlert(ctx context.Context, a *domain.Alert) error {
	payload, err := json.Marshal(liveAlert{
		Type:        "alert",
		VIN:         a.VIN,
		FleetID:     a.FleetID,
		AlertTypeID: a.AlertTypeID,
		Rule:        a.Rule,
		Value:       a.Value,
		Timestamp:   a.ReadingTimestamp.Unix(),
		CreatedAt:   a.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return r.client.Publish(ctx, alertChannel(a.FleetID), payload).Err()
}

// SubscribeFleet subscribes to the fleet's telemetry and alert channels and
// waits for the subscription to be confirmed.
func (r *RedisStore) SubscribeFleet(ctx context.Context, fleetID int64) (*redis.PubSub, error) {
	ps := r.client.Subscribe(ctx, telemetryChannel(fleetID), alertChannel(fleetID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	return ps, nil
}
