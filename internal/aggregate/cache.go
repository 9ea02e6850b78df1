package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

const (
	MetricAverageFuel = "avg_fuel"
	MetricDistance24h = "distance_24h"

	defaultComputeTimeout = 30 * time.Second
)

// KV is the shared store holding cached fleet metrics. A nil metric from
// GetAggregate means stale. SetAggregateIfCurrent must refuse the write when
// the fleet was invalidated after generation was read.
type KV interface {
	AggregateGeneration(ctx context.Context, fleetID int64) (int64, error)
	InvalidateAggregates(ctx context.Context, fleetID int64, metrics ...string) error
	GetAggregate(ctx context.Context, fleetID int64, metric string) (*domain.CachedMetric, error)
	SetAggregateIfCurrent(ctx context.Context, fleetID int64, metric string, generation int64, v domain.CachedMetric, ttl time.Duration) (bool, error)
}

// Source computes metrics from the readings themselves.
type Source interface {
	FleetExists(ctx context.Context, fleetID int64) (bool, error)
	LatestFuelLevels(ctx context.Context, fleetID int64) ([]float64, error)
	OdometerSpans(ctx context.Context, fleetID int64, cutoff time.Time) ([]domain.OdometerSpan, error)
}

type computeFunc func(ctx context.Context, fleetID int64) (domain.CachedMetric, error)

type Cache struct {
	kv             KV
	source         Source
	ttl            time.Duration
	window         time.Duration
	computeTimeout time.Duration
	logger         *zap.Logger
	group          singleflight.Group
	now            func() time.Time
}

func NewCache(kv KV, source Source, ttl, window time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		kv:             kv,
		source:         source,
		ttl:            ttl,
		window:         window,
		computeTimeout: defaultComputeTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Invalidate marks every metric of the fleet stale. Nothing is recomputed
// until the next read.
func (c *Cache) Invalidate(ctx context.Context, fleetID int64) error {
	return c.kv.InvalidateAggregates(ctx, fleetID, MetricAverageFuel, MetricDistance24h)
}

// AverageFuel returns the mean of the latest fuel level of every vehicle in
// the fleet that has reported. present is false when none has.
func (c *Cache) AverageFuel(ctx context.Context, fleetID int64) (float64, bool, error) {
	m, err := c.metric(ctx, fleetID, MetricAverageFuel, c.computeAverageFuel)
	if err != nil {
		return 0, false, err
	}
	return m.Value, m.Present, nil
}

// TotalDistance24h returns the odometer distance the fleet covered within
// the aggregation window.
func (c *Cache) TotalDistance24h(ctx context.Context, fleetID int64) (float64, error) {
	m, err := c.metric(ctx, fleetID, MetricDistance24h, c.computeDistance)
	if err != nil {
		return 0, err
	}
	return m.Value, nil
}

func (c *Cache) Aggregate(ctx context.Context, fleetID int64) (*domain.FleetAggregate, error) {
	agg := &domain.FleetAggregate{FleetID: fleetID}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		avg, present, err := c.AverageFuel(gctx, fleetID)
		if err != nil {
			return err
		}
		if present {
			agg.AverageFuel = &avg
		}
		return nil
	})
	g.Go(func() error {
		dist, err := c.TotalDistance24h(gctx, fleetID)
		if err != nil {
			return err
		}
		agg.TotalDistance24h = dist
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return agg, nil
}

func (c *Cache) metric(ctx context.Context, fleetID int64, name string, compute computeFunc) (domain.CachedMetric, error) {
	cached, err := c.kv.GetAggregate(ctx, fleetID, name)
	switch {
	case err != nil:
		metrics.AggregateCacheLookups.WithLabelValues(name, "error").Inc()
		c.logger.Warn("aggregate cache read failed",
			zap.Int64("fleet_id", fleetID),
			zap.String("metric", name),
			zap.Error(err),
		)
	case cached != nil:
		metrics.AggregateCacheLookups.WithLabelValues(name, "hit").Inc()
		return *cached, nil
	default:
		metrics.AggregateCacheLookups.WithLabelValues(name, "miss").Inc()
	}

	gen, err := c.kv.AggregateGeneration(ctx, fleetID)
	if err != nil {
		c.logger.Warn("aggregate generation read failed, computing uncached",
			zap.Int64("fleet_id", fleetID),
			zap.Error(err),
		)
		return compute(ctx, fleetID)
	}

	// The generation is part of the key so that callers arriving after an
	// invalidation never join a recompute that started before it. The shared
	// compute is detached from the first caller so its cancellation does not
	// fail everyone joined on the key; each caller still waits on its own ctx.
	key := fmt.Sprintf("%d:%s:%d", fleetID, name, gen)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()

		m, err := compute(cctx, fleetID)
		if err != nil {
			return nil, err
		}
		if _, err := c.kv.SetAggregateIfCurrent(cctx, fleetID, name, gen, m, c.ttl); err != nil {
			c.logger.Warn("aggregate cache write failed",
				zap.Int64("fleet_id", fleetID),
				zap.String("metric", name),
				zap.Error(err),
			)
		}
		return m, nil
	})

	select {
	case <-ctx.Done():
		return domain.CachedMetric{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.CachedMetric{}, res.Err
		}
		return res.Val.(domain.CachedMetric), nil
	}
}

func (c *Cache) requireFleet(ctx context.Context, fleetID int64) error {
	ok, err := c.source.FleetExists(ctx, fleetID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Errorf(domain.KindNotFound, "fleet %d not found", fleetID)
	}
	return nil
}

func (c *Cache) computeAverageFuel(ctx context.Context, fleetID int64) (domain.CachedMetric, error) {
	if err := c.requireFleet(ctx, fleetID); err != nil {
		return domain.CachedMetric{}, err
	}

	levels, err := c.source.LatestFuelLevels(ctx, fleetID)
	if err != nil {
		return domain.CachedMetric{}, err
	}
	if len(levels) == 0 {
		return domain.CachedMetric{}, nil
	}

	var sum float64
	for _, f := range levels {
		sum += f
	}
	return domain.CachedMetric{Value: sum / float64(len(levels)), Present: true}, nil
}

func (c *Cache) computeDistance(ctx context.Context, fleetID int64) (domain.CachedMetric, error) {
	if err := c.requireFleet(ctx, fleetID); err != nil {
		return domain.CachedMetric{}, err
	}

	spans, err := c.source.OdometerSpans(ctx, fleetID, c.now().Add(-c.window))
	if err != nil {
		return domain.CachedMetric{}, err
	}

	var total float64
	for _, s := range spans {
		total += s.Distance()
	}
	return domain.CachedMetric{Value: total, Present: true}, nil
}
