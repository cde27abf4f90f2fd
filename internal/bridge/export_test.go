package bridge

import "github.com/prometheus/client_golang/prometheus"

func EventsCounter(channel, event, outcome string) prometheus.Counter {
	return engineEventsTotal.WithLabelValues(channel, event, outcome)
}
