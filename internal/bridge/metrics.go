package bridge

import "github.com/prometheus/client_golang/prometheus"

// Outcomes recorded for every raw engine event.
const (
	outcomeDelivered = "delivered"
	outcomeDropped   = "dropped"
)

var engineEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "streamharness_engine_events_total",
		Help: "Engine callback events seen by the bridge.",
	},
	[]string{"channel", "event", "outcome"},
)

func init() {
	prometheus.MustRegister(engineEventsTotal)
}
