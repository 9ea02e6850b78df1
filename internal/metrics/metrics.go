package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ReadingsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_readings_received_total",
		Help: "Telemetry readings submitted, before any checks.",
	})

	// result: accepted | merged
	ReadingsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_readings_accepted_total",
		Help: "Telemetry readings persisted, split by new fact vs duplicate merge.",
	}, []string{"result"})

	// kind: domain error kind
	ReadingsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_readings_rejected_total",
		Help: "Telemetry readings rejected, by error kind.",
	}, []string{"kind"})

	AlertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_alerts_emitted_total",
		Help: "Alerts persisted, by rule name.",
	}, []string{"rule"})

	// result: hit | miss | error
	AggregateCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_aggregate_cache_lookups_total",
		Help: "Fleet aggregate cache lookups.",
	}, []string{"metric", "result"})

	AggregateInvalidationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_aggregate_invalidation_failures_total",
		Help: "Fleet aggregate invalidations that failed after a reading landed.",
	})

	// channel: state | alert
	ChannelDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_live_channel_drops_total",
		Help: "Live feed messages dropped because the channel was full.",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(
		ReadingsReceived,
		ReadingsAccepted,
		ReadingsRejected,
		AlertsEmitted,
		AggregateCacheLookups,
		AggregateInvalidationFailures,
		ChannelDrops,
	)
}
