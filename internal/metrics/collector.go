// Package metrics provides internal metrics collection for the hub.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the registry's Prometheus metrics. A nil *Collector
// is valid and records nothing, so callers never need to guard.
type Collector struct {
	registrations    *prometheus.CounterVec
	deregistrations  prometheus.Counter
	heartbeats       prometheus.Counter
	heartbeatDrops   prometheus.Counter
	activeNodes      prometheus.Gauge
	budgetRejections prometheus.Counter
	sessionLosses    prometheus.Counter
	sweepDuration    prometheus.Histogram
}

// NewCollector registers the registry metrics with reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Total registration requests by outcome",
			},
			[]string{"outcome"},
		),
		deregistrations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deregistrations_total",
				Help:      "Total node deregistrations",
			},
		),
		heartbeats: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Total heartbeats accepted for known nodes",
			},
		),
		heartbeatDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_drops_total",
				Help:      "Heartbeats dropped because the node was unknown",
			},
		),
		activeNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_nodes",
				Help:      "Number of nodes with a live session actor",
			},
		),
		budgetRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_rejections_total",
				Help:      "Privacy budget consumptions rejected as insufficient",
			},
		),
		sessionLosses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_losses_total",
				Help:      "Sessions lost to heartbeat expiry or actor crash",
			},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of reconciliation sweeps",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// RecordRegistration counts a registration by outcome
// ("created", "updated" or "error").
func (c *Collector) RecordRegistration(outcome string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(outcome).Inc()
}

// RecordDeregistration counts an explicit deregistration.
func (c *Collector) RecordDeregistration() {
	if c == nil {
		return
	}
	c.deregistrations.Inc()
}

// RecordHeartbeat counts an accepted heartbeat.
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeats.Inc()
}

// RecordHeartbeatDrop counts a heartbeat for an unknown node.
func (c *Collector) RecordHeartbeatDrop() {
	if c == nil {
		return
	}
	c.heartbeatDrops.Inc()
}

// SetActiveNodes sets the live session gauge.
func (c *Collector) SetActiveNodes(n int) {
	if c == nil {
		return
	}
	c.activeNodes.Set(float64(n))
}

// RecordBudgetRejection counts an insufficient-budget rejection.
func (c *Collector) RecordBudgetRejection() {
	if c == nil {
		return
	}
	c.budgetRejections.Inc()
}

// RecordSessionLoss counts a session lost outside explicit deregistration.
func (c *Collector) RecordSessionLoss() {
	if c == nil {
		return
	}
	c.sessionLosses.Inc()
}

// ObserveSweep records the duration of one reconciliation sweep.
func (c *Collector) ObserveSweep(d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(d.Seconds())
}
