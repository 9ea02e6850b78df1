package pipeline

import (
	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

// Dispatcher hands landed readings and alerts to the live feed workers.
// It never blocks; when a channel is full the message is dropped and counted.
type Dispatcher struct {
	StateChan chan *domain.Reading
	AlertChan chan *domain.Alert
}

func NewDispatcher(stateSize, alertSize int) *Dispatcher {
	return &Dispatcher{
		StateChan: make(chan *domain.Reading, stateSize),
		AlertChan: make(chan *domain.Alert, alertSize),
	}
}

func (d *Dispatcher) Dispatch(r *domain.Reading, alerts []domain.Alert) {
	select {
	case d.StateChan <- r:
	default:
		metrics.ChannelDrops.WithLabelValues("state").Inc()
	}

	for i := range alerts {
		select {
		case d.AlertChan <- &alerts[i]:
		default:
			metrics.ChannelDrops.WithLabelValues("alert").Inc()
		}
	}
}
