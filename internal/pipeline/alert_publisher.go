package pipeline

import (
	"context"

	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
)

type AlertSink interface {
	PublishAlert(ctx context.Context, a *domain.Alert) error
}

// AlertPublisher pushes persisted alerts onto the fleet alert channel.
type AlertPublisher struct {
	ch     <-chan *domain.Alert
	sink   AlertSink
	logger *zap.Logger
}

func NewAlertPublisher(ch <-chan *domain.Alert, sink AlertSink, logger *zap.Logger) *AlertPublisher {
	return &AlertPublisher{ch: ch, sink: sink, logger: logger}
}

func (p *AlertPublisher) Run(ctx context.Context) {
	for {
		select {
		case a, ok := <-p.ch:
			if !ok {
				return
			}
			if err := p.sink.PublishAlert(ctx, a); err != nil {
				p.logger.Warn("alert publish failed",
					zap.Int64("vin", a.VIN),
					zap.String("rule", a.Rule),
					zap.Error(err),
				)
			}

		case <-ctx.Done():
			return
		}
	}
}
