package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
)

const shutdownFlushTimeout = 2 * time.Second

type StateSink interface {
	PipelineStateUpdate(ctx context.Context, batch []*domain.Reading, stateTTL time.Duration) error
}

// StateWriter mirrors landed readings into the live vehicle state and the
// fleet telemetry channel, up to 100 readings per sink call.
type StateWriter struct {
	ch       <-chan *domain.Reading
	sink     StateSink
	stateTTL time.Duration
	logger   *zap.Logger
}

func NewStateWriter(
	ch <-chan *domain.Reading,
	sink StateSink,
	stateTTL time.Duration,
	logger *zap.Logger,
) *StateWriter {
	return &StateWriter{ch: ch, sink: sink, stateTTL: stateTTL, logger: logger}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]*domain.Reading, 0, 100)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-w.ch:
			if !ok {
				w.flushOnShutdown(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= 100 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.flushOnShutdown(batch)
			return
		}
	}
}

func (w *StateWriter) flushOnShutdown(batch []*domain.Reading) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	w.flushBatch(ctx, batch)
}

func (w *StateWriter) flushBatch(ctx context.Context, batch []*domain.Reading) {
	if err := w.sink.PipelineStateUpdate(ctx, batch, w.stateTTL); err != nil {
		w.logger.Warn("live state update failed", zap.Int("batch_size", len(batch)), zap.Error(err))
	}
}
