package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
)

// MessageHandler processes one message body. A retryable error (see
// domain.Retryable) requeues the message after a delay; any other error
// dead-letters it.
type MessageHandler func(ctx context.Context, body []byte) error

type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	retryBackoff  time.Duration
	retryMaxDelay time.Duration
	logger        *zap.Logger
	handler       MessageHandler

	// messages waiting out a retry delay before being requeued
	delayed sync.WaitGroup
}

type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	// RetryBackoff is the requeue delay for retryable errors without a
	// RetryAfter hint. RetryMaxDelay caps every requeue delay.
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	Logger        *zap.Logger
	Handler       MessageHandler
}

// NewConsumer declares the exchange, the ingest queue with its dead-letter
// queue, and the binding between them.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.DLQQueue,
		},
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		retryBackoff:  cfg.RetryBackoff,
		retryMaxDelay: cfg.RetryMaxDelay,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go c.run(ctx, msgs)
	return nil
}

func (c *Consumer) run(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("message channel closed")
				return
			}
			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	err := c.handler(ctx, msg.Body)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("failed to ACK message", zap.Error(ackErr))
		}
		return
	}

	if domain.Retryable(err) {
		delay := c.retryDelay(err)
		c.logger.Warn("message requeued for retry",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.String("message_id", msg.MessageId),
		)

		// the delivery holds its prefetch slot until it is requeued
		c.delayed.Add(1)
		go func() {
			defer c.delayed.Done()
			c.requeueAfter(ctx, msg, delay)
		}()
		return
	}

	c.logger.Warn("message rejected to DLQ",
		zap.Error(err),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
	)

	// requeue=false routes the message to the dead-letter queue
	if nackErr := msg.Nack(false, false); nackErr != nil {
		c.logger.Error("failed to NACK message", zap.Error(nackErr))
	}
}

func (c *Consumer) retryDelay(err error) time.Duration {
	delay := domain.RetryAfterOf(err)
	if delay <= 0 {
		delay = c.retryBackoff
	}
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	return delay
}

// requeueAfter returns the message to the queue once delay has passed, or
// right away when the consumer is stopping.
func (c *Consumer) requeueAfter(ctx context.Context, msg amqp.Delivery, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	if nackErr := msg.Nack(false, true); nackErr != nil {
		c.logger.Error("failed to requeue message", zap.Error(nackErr))
	}
}

// Close waits for delayed messages to be requeued, so cancel the consume
// context first.
func (c *Consumer) Close() error {
	c.delayed.Wait()
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
