// Package metrics holds the Prometheus collectors for beacon-radar. Every
// helper is a no-op until Init has run, so packages can record metrics
// unconditionally.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "beaconradar_"

var (
	registerOnce sync.Once

	connectAttempts *prometheus.CounterVec
	connectRejected *prometheus.CounterVec
	connectOutcomes *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec

	rangingCycles     *prometheus.CounterVec
	beaconsInRange    *prometheus.GaugeVec
	nearestDistance   *prometheus.GaugeVec
	staleObservations prometheus.Counter
	proximityDecision *prometheus.CounterVec
	regionTransitions *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	bridgePublishes *prometheus.CounterVec
)

// Init creates the collectors and registers them with reg. A nil reg means
// prometheus.DefaultRegisterer. Only the first call has any effect.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		connectAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connect_attempts_total",
				Help: "Accepted fast-connect attempts",
			},
			nil,
		)
		connectRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connect_rejected_total",
				Help: "Fast-connect commands rejected by precondition",
			},
			[]string{"reason"},
		)
		connectOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connect_outcomes_total",
				Help: "Finished connect attempts by reason and last phase",
			},
			[]string{"reason", "phase"},
		)
		connectDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "connect_duration_seconds",
				Help:    "Connect attempt duration in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15},
			},
			[]string{"reason"},
		)

		rangingCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ranging_cycles_total",
				Help: "Ranging snapshots processed by region",
			},
			[]string{"region"},
		)
		beaconsInRange = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "beacons_in_range",
				Help: "Fresh observations in the last processed snapshot",
			},
			[]string{"region"},
		)
		nearestDistance = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "nearest_distance_meters",
				Help: "Resolved distance of the nearest beacon, -1 when unknown",
			},
			[]string{"region"},
		)
		staleObservations = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "stale_observations_total",
				Help: "Observations discarded by the staleness window",
			},
		)
		proximityDecision = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "proximity_decisions_total",
				Help: "Proximity engine outcomes per snapshot",
			},
			[]string{"decision"},
		)
		regionTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "region_transitions_total",
				Help: "Region monitor transitions by region and state",
			},
			[]string{"region", "state"},
		)

		eventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_published_total",
				Help: "Events delivered to the host event channel",
			},
			[]string{"type"},
		)
		eventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_dropped_total",
				Help: "Events dropped because the host channel was full",
			},
			[]string{"type"},
		)
		bridgePublishes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bridge_publishes_total",
				Help: "MQTT bridge publishes by result",
			},
			[]string{"result"},
		)

		reg.MustRegister(
			connectAttempts,
			connectRejected,
			connectOutcomes,
			connectDuration,
			rangingCycles,
			beaconsInRange,
			nearestDistance,
			staleObservations,
			proximityDecision,
			regionTransitions,
			eventsPublished,
			eventsDropped,
			bridgePublishes,
		)
	})
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// IncConnectAttempt counts an accepted fast-connect command.
func IncConnectAttempt() {
	if connectAttempts != nil {
		connectAttempts.WithLabelValues().Inc()
	}
}

// IncConnectRejected counts a fast-connect command dropped before a session
// started.
func IncConnectRejected(reason string) {
	if connectRejected != nil {
		connectRejected.WithLabelValues(orUnknown(reason)).Inc()
	}
}

// ObserveConnectOutcome records how and when a connect attempt ended.
func ObserveConnectOutcome(reason, phase string, d time.Duration) {
	reason = orUnknown(reason)
	if connectOutcomes != nil {
		connectOutcomes.WithLabelValues(reason, orUnknown(phase)).Inc()
	}
	if connectDuration != nil {
		connectDuration.WithLabelValues(reason).Observe(d.Seconds())
	}
}

// ObserveRangingCycle records one processed snapshot.
func ObserveRangingCycle(region string, fresh int) {
	region = orUnknown(region)
	if rangingCycles != nil {
		rangingCycles.WithLabelValues(region).Inc()
	}
	if beaconsInRange != nil {
		beaconsInRange.WithLabelValues(region).Set(float64(fresh))
	}
}

// SetNearestDistance records the nearest resolved distance for region.
func SetNearestDistance(region string, meters float64) {
	if nearestDistance != nil {
		nearestDistance.WithLabelValues(orUnknown(region)).Set(meters)
	}
}

// AddStaleObservations counts observations dropped as stale.
func AddStaleObservations(n int) {
	if n <= 0 {
		return
	}
	if staleObservations != nil {
		staleObservations.Add(float64(n))
	}
}

// IncProximityDecision counts a proximity engine outcome such as
// "reported", "too_far", "alerted" or "rate_limited".
func IncProximityDecision(decision string) {
	if proximityDecision != nil {
		proximityDecision.WithLabelValues(orUnknown(decision)).Inc()
	}
}

// IncRegionTransition counts a region monitor state change.
func IncRegionTransition(region, state string) {
	if regionTransitions != nil {
		regionTransitions.WithLabelValues(orUnknown(region), orUnknown(state)).Inc()
	}
}

// IncEventPublished counts an event handed to the host channel.
func IncEventPublished(eventType string) {
	if eventsPublished != nil {
		eventsPublished.WithLabelValues(orUnknown(eventType)).Inc()
	}
}

// IncEventDropped counts an event dropped on a full host channel.
func IncEventDropped(eventType string) {
	if eventsDropped != nil {
		eventsDropped.WithLabelValues(orUnknown(eventType)).Inc()
	}
}

// IncBridgePublish counts an MQTT publish by result.
func IncBridgePublish(result string) {
	if bridgePublishes != nil {
		bridgePublishes.WithLabelValues(orUnknown(result)).Inc()
	}
}
