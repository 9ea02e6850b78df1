package domain

import (
	"math"
	"time"
)

type EngineStatus string

const (
	EngineOn   EngineStatus = "on"
	EngineOff  EngineStatus = "off"
	EngineIdle EngineStatus = "idle"
)

func (s EngineStatus) Valid() bool {
	switch s {
	case EngineOn, EngineOff, EngineIdle:
		return true
	}
	return false
}

// Reading is one telemetry fact. (VIN, Timestamp) is its natural key; the
// timestamp is supplied by the vehicle, ReceivedAt by the server.
type Reading struct {
	ID         int64
	ReceivedAt time.Time

	Timestamp time.Time
	VIN       int64
	FleetID   int64

	Latitude  float64
	Longitude float64

	Speed          float64
	Fuel           float64
	Odometer       float64
	EngineStatus   EngineStatus
	DiagnosticCode int
}

// Validate checks field ranges only; it never touches a store.
func (r *Reading) Validate() error {
	switch {
	case r.VIN <= 0:
		return Errorf(KindValidation, "vin must be positive")
	case r.Timestamp.IsZero():
		return Errorf(KindValidation, "timestamp is required")
	case !finite(r.Fuel) || r.Fuel < 0 || r.Fuel > 1:
		return Errorf(KindValidation, "fuel %v outside [0,1]", r.Fuel)
	case !finite(r.Speed) || r.Speed < 0:
		return Errorf(KindValidation, "speed %v must be non-negative", r.Speed)
	case !finite(r.Odometer) || r.Odometer < 0:
		return Errorf(KindValidation, "odometer %v must be non-negative", r.Odometer)
	case !finite(r.Latitude) || r.Latitude < -90 || r.Latitude > 90:
		return Errorf(KindValidation, "latitude %v out of range", r.Latitude)
	case !finite(r.Longitude) || r.Longitude < -180 || r.Longitude > 180:
		return Errorf(KindValidation, "longitude %v out of range", r.Longitude)
	case !r.EngineStatus.Valid():
		return Errorf(KindValidation, "engine status %q must be one of on, off, idle", r.EngineStatus)
	}
	return nil
}

// CheckOdometer rejects a reading whose odometer would break the per-vehicle
// non-decreasing sequence given its neighbours in time. Nil neighbours are
// ignored.
func (r *Reading) CheckOdometer(prev, next *float64) error {
	if prev != nil && r.Odometer < *prev {
		return Errorf(KindValidation, "odometer %v is below earlier reading %v", r.Odometer, *prev)
	}
	if next != nil && r.Odometer > *next {
		return Errorf(KindValidation, "odometer %v is above later reading %v", r.Odometer, *next)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

type ActivityCounts struct {
	Active   int64
	Inactive int64
}
