package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/aggregate"
	"fleet-monitor/telemetry/internal/auth"
	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/logging"
	"fleet-monitor/telemetry/internal/pipeline"
	"fleet-monitor/telemetry/internal/ratelimit"
	"fleet-monitor/telemetry/internal/store"
	httptransport "fleet-monitor/telemetry/internal/transport/http"
)

func ProvideConfig() *config.Config {
	return config.Load()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}

func ProvideTimescaleStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*store.TimescaleStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewTimescaleStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			db.Close()
			logger.Info("postgres pool closed")
			return nil
		},
	})
	return db, nil
}

func ProvideRedisStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*store.RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rs, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rs.Close()
		},
	})
	return rs, nil
}

func ProvideAlertEvaluator(cfg *config.Config, logger *zap.Logger) (*pipeline.AlertEvaluator, error) {
	rules, err := config.LoadAlertRules(cfg)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	logger.Info("alert rules loaded", zap.Strings("rules", names))
	return pipeline.NewAlertEvaluator(rules), nil
}

func ProvideAuthenticator(cfg *config.Config, db *store.TimescaleStore, logger *zap.Logger) *auth.Authenticator {
	return auth.NewAuthenticator(cfg, db, logger)
}

func ProvideRateLimiter(cfg *config.Config, rs *store.RedisStore) *ratelimit.Limiter {
	return ratelimit.NewLimiter(rs, cfg.RateLimitPerWindow, time.Duration(cfg.RateLimitWindowSeconds)*time.Second)
}

func ProvideAggregateCache(cfg *config.Config, rs *store.RedisStore, db *store.TimescaleStore, logger *zap.Logger) *aggregate.Cache {
	return aggregate.NewCache(
		rs,
		db,
		time.Duration(cfg.AggregateTTLSeconds)*time.Second,
		time.Duration(cfg.AggregateWindowHours)*time.Hour,
		logger,
	)
}

func ProvideDispatcher(cfg *config.Config) *pipeline.Dispatcher {
	return pipeline.NewDispatcher(cfg.StateChannelSize, cfg.AlertChannelSize)
}

func ProvideIngestor(
	cfg *config.Config,
	authenticator *auth.Authenticator,
	limiter *ratelimit.Limiter,
	db *store.TimescaleStore,
	evaluator *pipeline.AlertEvaluator,
	cache *aggregate.Cache,
	dispatcher *pipeline.Dispatcher,
	logger *zap.Logger,
) *pipeline.Ingestor {
	return pipeline.NewIngestor(
		authenticator,
		limiter,
		db,
		evaluator,
		cache,
		dispatcher,
		pipeline.Options{EnforceMonotonicOdometer: cfg.EnforceMonotonicOdometer},
		logger,
	)
}

func ProvideHandler(
	ingestor *pipeline.Ingestor,
	cache *aggregate.Cache,
	db *store.TimescaleStore,
	rs *store.RedisStore,
	logger *zap.Logger,
) *httptransport.Handler {
	return httptransport.NewHandler(httptransport.Deps{
		Ingester:   ingestor,
		Aggregates: cache,
		Queries:    db,
		Feed:       rs,
		Checks: map[string]httptransport.Pinger{
			"postgres": db,
			"redis":    rs,
		},
		Logger: logger,
	})
}
