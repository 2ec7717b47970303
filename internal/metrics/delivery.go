package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var sinkLabels = []string{"sink"}

var (
	deliveredIntents *prometheus.CounterVec
	retriedIntents   *prometheus.CounterVec
	staleIntents     *prometheus.CounterVec
	failedIntents    *prometheus.CounterVec
	pendingIntents   *prometheus.GaugeVec
	sinkLag          *prometheus.GaugeVec
	sinkHalted       *prometheus.GaugeVec
)

func initDelivery() {
	deliveredIntents = NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "delivered_total",
		Help:      "Write intents applied by a sink.",
	}, sinkLabels)
	retriedIntents = NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "retries_total",
		Help:      "Attempts that failed with a retryable error.",
	}, sinkLabels)
	staleIntents = NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "stale_total",
		Help:      "Write intents discarded because the sink held a newer version.",
	}, sinkLabels)
	failedIntents = NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "fatal_total",
		Help:      "Write intents that failed terminally.",
	}, sinkLabels)
	pendingIntents = NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "pending",
		Help:      "Write intents accepted but not yet terminal.",
	}, sinkLabels)
	sinkLag = NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "lag_seconds",
		Help:      "Time between source commit and sink write of the last delivered intent.",
	}, sinkLabels)
	sinkHalted = NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sink",
		Name:      "halted",
		Help:      "1 while a sink is halted after a terminal failure.",
	}, sinkLabels)
}

func Delivered(sink string, lag time.Duration) {
	if Enabled() {
		deliveredIntents.WithLabelValues(sink).Inc()
		if lag > 0 {
			sinkLag.WithLabelValues(sink).Set(lag.Seconds())
		}
	}
}

func Retried(sink string) {
	if Enabled() {
		retriedIntents.WithLabelValues(sink).Inc()
	}
}

func Stale(sink string) {
	if Enabled() {
		staleIntents.WithLabelValues(sink).Inc()
	}
}

func Failed(sink string) {
	if Enabled() {
		failedIntents.WithLabelValues(sink).Inc()
	}
}

func SetPending(sink string, value int) {
	if Enabled() {
		pendingIntents.WithLabelValues(sink).Set(float64(value))
	}
}

func SetHalted(sink string, halted bool) {
	if Enabled() {
		v := 0.0
		if halted {
			v = 1
		}
		sinkHalted.WithLabelValues(sink).Set(v)
	}
}
