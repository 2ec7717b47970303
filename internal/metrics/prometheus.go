// Package metrics exposes per-sink delivery counters to Prometheus. All
// functions are no-ops until Init is called.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cdc_fanout"

var (
	// Registry holds every collector once Init ran.
	Registry *prometheus.Registry
	initOnce sync.Once
)

// Enabled reports whether Init ran.
func Enabled() bool {
	return Registry != nil
}

// NewCounterVec creates a counter vector and registers it with Registry.
func NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	Registry.MustRegister(vec)
	return vec
}

// NewGaugeVec creates a gauge vector and registers it with Registry.
func NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	vec := prometheus.NewGaugeVec(opts, labels)
	Registry.MustRegister(vec)
	return vec
}

// Init creates the registry and every collector. It is safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		Registry = prometheus.NewRegistry()
		Registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)

		initDelivery()
		initReader()
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	if !Enabled() {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
