package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	readEvents    prometheus.Counter
	droppedEvents *prometheus.CounterVec
	gaps          prometheus.Counter
	resyncs       *prometheus.CounterVec
)

func initReader() {
	readEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "events_total",
		Help:      "Change events read from the log.",
	})
	droppedEvents = NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "dropped_total",
		Help:      "Messages skipped by the reader.",
	}, []string{"reason"})
	gaps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "gaps_total",
		Help:      "Sequence gaps detected in the log.",
	})
	resyncs = NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "resyncs_total",
		Help:      "Keys regenerated from the snapshot after a gap.",
	}, []string{"table"})
	Registry.MustRegister(readEvents, gaps)
}

// EventsRead counts entries handed to the router.
func EventsRead(n int) {
	if Enabled() {
		readEvents.Add(float64(n))
	}
}

func Dropped(reason string) {
	if Enabled() {
		droppedEvents.WithLabelValues(reason).Inc()
	}
}

func Gap() {
	if Enabled() {
		gaps.Inc()
	}
}

func Resynced(table string, keys int) {
	if Enabled() {
		resyncs.WithLabelValues(table).Add(float64(keys))
	}
}
