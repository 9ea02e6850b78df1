package mq

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/pipeline"
)

type Ingester interface {
	Ingest(ctx context.Context, sub pipeline.Submission) (*pipeline.Result, error)
}

// NewReadingHandler feeds each queued reading through the same pipeline as
// the HTTP transport.
func NewReadingHandler(ingester Ingester, logger *zap.Logger) MessageHandler {
	return func(ctx context.Context, body []byte) error {
		var msg pipeline.ReadingMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return domain.Wrap(domain.KindValidation, err, "invalid reading message")
		}

		res, err := ingester.Ingest(ctx, msg.Submission())
		if err != nil {
			return err
		}

		logger.Debug("queued reading ingested",
			zap.Int64("vin", res.Reading.VIN),
			zap.String("status", string(res.Status)),
		)
		return nil
	}
}
