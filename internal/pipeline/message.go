package pipeline

import (
	"time"

	"fleet-monitor/telemetry/internal/domain"
)

// ReadingMessage is the wire form of a submission, shared by the HTTP and
// queue transports.
type ReadingMessage struct {
	VIN             int64     `json:"vin"`
	Secret          string    `json:"secret"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Speed           float64   `json:"speed"`
	Fuel            float64   `json:"fuel"`
	OdometerReading float64   `json:"odometerReading"`
	EngineStatus    string    `json:"engineStatus"`
	DiagnosticCode  int       `json:"diagnosticCode"`
	Timestamp       time.Time `json:"timestamp"`
}

func (m ReadingMessage) Submission() Submission {
	return Submission{
		Secret: m.Secret,
		Reading: domain.Reading{
			VIN:            m.VIN,
			Timestamp:      m.Timestamp,
			Latitude:       m.Latitude,
			Longitude:      m.Longitude,
			Speed:          m.Speed,
			Fuel:           m.Fuel,
			Odometer:       m.OdometerReading,
			EngineStatus:   domain.EngineStatus(m.EngineStatus),
			DiagnosticCode: m.DiagnosticCode,
		},
	}
}
