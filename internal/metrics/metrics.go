package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "winecharm",
			Subsystem: "launcher",
			Name:      "launches_total",
			Help:      "Number of launch attempts by outcome.",
		}, []string{"outcome"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "winecharm",
			Subsystem: "tracker",
			Name:      "stops_total",
			Help:      "Number of terminations by method (correlation, pids, wineserver, killall).",
		}, []string{"method"},
	)
	ended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "winecharm",
			Subsystem: "tracker",
			Name:      "ended_total",
			Help:      "Number of running records that ended, by result.",
		}, []string{"result"},
	)
	discovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "winecharm",
			Subsystem: "tracker",
			Name:      "discovered_pids_total",
			Help:      "PIDs associated to running records by discovery.",
		},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "winecharm",
			Subsystem: "tracker",
			Name:      "running_records",
			Help:      "Current number of running process records.",
		},
	)
	archives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "winecharm",
			Subsystem: "backup",
			Name:      "operations_total",
			Help:      "Backup and restore operations by kind and outcome.",
		}, []string{"kind", "outcome"},
	)
	archiveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "winecharm",
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Duration of backup and restore operations.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"kind"},
	)
	descriptors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "winecharm",
			Subsystem: "store",
			Name:      "descriptors",
			Help:      "Number of indexed descriptors.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, stops, ended, discovered, running, archives, archiveDuration, descriptors}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has been called.

func IncLaunch(outcome string) {
	if regOK.Load() {
		launches.WithLabelValues(outcome).Inc()
	}
}

func IncStop(method string) {
	if regOK.Load() {
		stops.WithLabelValues(method).Inc()
	}
}

func IncEnded(result string) {
	if regOK.Load() {
		ended.WithLabelValues(result).Inc()
	}
}

func AddDiscovered(n int) {
	if regOK.Load() && n > 0 {
		discovered.Add(float64(n))
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}

func ObserveArchive(kind, outcome string, seconds float64) {
	if regOK.Load() {
		archives.WithLabelValues(kind, outcome).Inc()
		archiveDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func SetDescriptors(n int) {
	if regOK.Load() {
		descriptors.Set(float64(n))
	}
}
