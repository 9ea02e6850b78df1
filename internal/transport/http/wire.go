package http

import (
	"time"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/pipeline"
)

type batchRequest struct {
	Readings []pipeline.ReadingMessage `json:"readings"`
}

type readingResponse struct {
	ID              int64     `json:"id"`
	VIN             int64     `json:"vin"`
	FleetID         int64     `json:"fleetId"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Speed           float64   `json:"speed"`
	Fuel            float64   `json:"fuel"`
	OdometerReading float64   `json:"odometerReading"`
	EngineStatus    string    `json:"engineStatus"`
	DiagnosticCode  int       `json:"diagnosticCode"`
	Timestamp       time.Time `json:"timestamp"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

func newReadingResponse(r *domain.Reading) *readingResponse {
	return &readingResponse{
		ID:              r.ID,
		VIN:             r.VIN,
		FleetID:         r.FleetID,
		Latitude:        r.Latitude,
		Longitude:       r.Longitude,
		Speed:           r.Speed,
		Fuel:            r.Fuel,
		OdometerReading: r.Odometer,
		EngineStatus:    string(r.EngineStatus),
		DiagnosticCode:  r.DiagnosticCode,
		Timestamp:       r.Timestamp,
		ReceivedAt:      r.ReceivedAt,
	}
}

type alertResponse struct {
	ID               int64     `json:"id,omitempty"`
	VIN              int64     `json:"vin"`
	FleetID          int64     `json:"fleetId"`
	AlertTypeID      int64     `json:"alertTypeId"`
	Rule             string    `json:"rule"`
	Value            float64   `json:"value"`
	ReadingTimestamp time.Time `json:"readingTimestamp"`
	CreatedAt        time.Time `json:"createdAt"`
}

func newAlertResponses(alerts []domain.Alert) []alertResponse {
	out := make([]alertResponse, len(alerts))
	for i, a := range alerts {
		out[i] = alertResponse{
			ID:               a.ID,
			VIN:              a.VIN,
			FleetID:          a.FleetID,
			AlertTypeID:      a.AlertTypeID,
			Rule:             a.Rule,
			Value:            a.Value,
			ReadingTimestamp: a.ReadingTimestamp,
			CreatedAt:        a.CreatedAt,
		}
	}
	return out
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type ingestResponse struct {
	Status  string           `json:"status"`
	Reading *readingResponse `json:"reading,omitempty"`
	Alerts  []alertResponse  `json:"alerts,omitempty"`
	Error   *errorBody       `json:"error,omitempty"`
}

func newIngestResponse(res pipeline.Result) ingestResponse {
	out := ingestResponse{Status: string(res.Status)}
	if res.Reading != nil {
		out.Reading = newReadingResponse(res.Reading)
	}
	if len(res.Alerts) > 0 {
		out.Alerts = newAlertResponses(res.Alerts)
	}
	if res.Err != nil {
		out.Error = &errorBody{
			Kind:    string(domain.KindOf(res.Err)),
			Message: domain.MessageOf(res.Err),
		}
	}
	return out
}

type batchResponse struct {
	Results []ingestResponse `json:"results"`
}

type aggregateResponse struct {
	FleetID          int64    `json:"fleetId"`
	AverageFuel      *float64 `json:"averageFuel"`
	TotalDistance24h float64  `json:"totalDistance24h"`
}

type activityResponse struct {
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
}

type alertTypeResponse struct {
	ID          int64  `json:"id"`
	Title       string `json:"alertTitle"`
	Description string `json:"alertDescription"`
}
