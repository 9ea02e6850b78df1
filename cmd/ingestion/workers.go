package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/mq"
	"fleet-monitor/telemetry/internal/pipeline"
	"fleet-monitor/telemetry/internal/store"
	httptransport "fleet-monitor/telemetry/internal/transport/http"
)

func startLiveFeed(
	lc fx.Lifecycle,
	cfg *config.Config,
	dispatcher *pipeline.Dispatcher,
	rs *store.RedisStore,
	logger *zap.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	stateTTL := time.Duration(cfg.LiveStateTTLSeconds) * time.Second

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for i := 0; i < cfg.StateWriterWorkers; i++ {
				w := pipeline.NewStateWriter(dispatcher.StateChan, rs, stateTTL, logger)
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.Run(ctx)
				}()
			}
			for i := 0; i < cfg.AlertWorkers; i++ {
				p := pipeline.NewAlertPublisher(dispatcher.AlertChan, rs, logger)
				wg.Add(1)
				go func() {
					defer wg.Done()
					p.Run(ctx)
				}()
			}
			logger.Info("live feed workers started",
				zap.Int("state_writers", cfg.StateWriterWorkers),
				zap.Int("alert_publishers", cfg.AlertWorkers),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}

func startHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	handler *httptransport.Handler,
	logger *zap.Logger,
) {
	srv := httptransport.NewServer(":"+cfg.HTTPPort, handler.Routes(), logger)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// startQueueConsumer attaches the AMQP transport when AMQP_URL is set.
func startQueueConsumer(
	lc fx.Lifecycle,
	cfg *config.Config,
	ingestor *pipeline.Ingestor,
	logger *zap.Logger,
) error {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP_URL not set, queue ingestion disabled")
		return nil
	}

	conn, err := mq.NewConnection(lc, logger, cfg.AMQPURL)
	if err != nil {
		return err
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.AMQPQueue,
		DLQQueue:      cfg.AMQPDLQ,
		Exchange:      cfg.AMQPExchange,
		RoutingKey:    cfg.AMQPRoutingKey,
		PrefetchCount: cfg.AMQPPrefetch,
		RetryBackoff:  time.Duration(cfg.AMQPRetryBackoffSeconds) * time.Second,
		RetryMaxDelay: time.Duration(cfg.AMQPRetryMaxDelaySeconds) * time.Second,
		Logger:        logger,
		Handler:       mq.NewReadingHandler(ingestor, logger),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return consumer.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			return consumer.Close()
		},
	})
	return nil
}
