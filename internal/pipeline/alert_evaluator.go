package pipeline

import (
	"time"

	"fleet-monitor/telemetry/internal/domain"
)

// AlertEvaluator runs every rule against a reading, in order, and returns
// one alert per matching rule.
type AlertEvaluator struct {
	rules []domain.AlertRule
}

func NewAlertEvaluator(rules []domain.AlertRule) *AlertEvaluator {
	return &AlertEvaluator{rules: rules}
}

func (e *AlertEvaluator) Evaluate(r *domain.Reading, createdAt time.Time) []domain.Alert {
	var alerts []domain.Alert
	for _, rule := range e.rules {
		if !rule.Evaluator(r) {
			continue
		}

		alerts = append(alerts, domain.Alert{
			VIN:              r.VIN,
			FleetID:          r.FleetID,
			AlertTypeID:      rule.AlertTypeID,
			Rule:             rule.Name,
			Value:            rule.Value(r),
			ReadingTimestamp: r.Timestamp,
			CreatedAt:        createdAt,
		})
	}
	return alerts
}
