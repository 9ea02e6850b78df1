package domain

// FleetAggregate is the read model served for a fleet. AverageFuel is nil
// when no member vehicle has reported yet.
type FleetAggregate struct {
	FleetID          int64
	AverageFuel      *float64
	TotalDistance24h float64
}

// CachedMetric is what the aggregate cache stores per metric. Present
// separates "computed, but there was nothing to average" from a real value;
// a missing cache entry means stale.
type CachedMetric struct {
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
}

// OdometerSpan holds, for one vehicle, its latest odometer and the latest
// odometer at or before a cutoff. Either may be nil.
type OdometerSpan struct {
	VIN      int64
	Latest   *float64
	Baseline *float64
}

// Distance is the distance covered since the baseline, or 0 without one.
func (s OdometerSpan) Distance() float64 {
	if s.Latest == nil || s.Baseline == nil {
		return 0
	}
	return *s.Latest - *s.Baseline
}
