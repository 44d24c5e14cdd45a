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

	executionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procorg",
			Subsystem: "execution",
			Name:      "starts_total",
			Help:      "Number of successfully spawned executions.",
		}, []string{"name"},
	)
	executionEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procorg",
			Subsystem: "execution",
			Name:      "ends_total",
			Help:      "Number of executions reaching a terminal state, by status.",
		}, []string{"name", "status"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procorg",
			Subsystem: "execution",
			Name:      "spawn_failures_total",
			Help:      "Number of executions that failed before the child started.",
		}, []string{"name"},
	)
	runningExecutions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procorg",
			Subsystem: "execution",
			Name:      "running",
			Help:      "Currently running executions per definition.",
		}, []string{"name"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procorg",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to exit.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"name", "status"},
	)
	cronFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procorg",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Number of cron trigger instants fired.",
		}, []string{"name"},
	)
	cronSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procorg",
			Subsystem: "scheduler",
			Name:      "skips_total",
			Help:      "Due instants skipped because another instance claimed them.",
		}, []string{"name"},
	)
)

// Register registers collectors into reg (or the default registerer when
// nil). Safe to call more than once.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		executionStarts, executionEnds, spawnFailures,
		runningExecutions, executionDuration, cronFires, cronSkips,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
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

// Handler exposes the default registry over HTTP.
func Handler() http.Handler { return promhttp.Handler() }

func IncExecutionStart(name string) {
	if !regOK.Load() {
		return
	}
	executionStarts.WithLabelValues(name).Inc()
	runningExecutions.WithLabelValues(name).Inc()
}

func IncExecutionEnd(name, status string, seconds float64) {
	if !regOK.Load() {
		return
	}
	executionEnds.WithLabelValues(name, status).Inc()
	runningExecutions.WithLabelValues(name).Dec()
	executionDuration.WithLabelValues(name, status).Observe(seconds)
}

func IncSpawnFailure(name string) {
	if !regOK.Load() {
		return
	}
	spawnFailures.WithLabelValues(name).Inc()
}

func IncCronFire(name string) {
	if !regOK.Load() {
		return
	}
	cronFires.WithLabelValues(name).Inc()
}

func IncCronSkip(name string) {
	if !regOK.Load() {
		return
	}
	cronSkips.WithLabelValues(name).Inc()
}
