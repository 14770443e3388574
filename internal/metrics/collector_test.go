package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_RecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("flhub", reg)

	c.RecordRegistration("created")
	c.RecordRegistration("created")
	c.RecordRegistration("updated")
	c.RecordDeregistration()
	c.RecordHeartbeat()
	c.RecordHeartbeatDrop()
	c.RecordBudgetRejection()
	c.RecordSessionLoss()
	c.SetActiveNodes(3)
	c.ObserveSweep(25 * time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(c.registrations.WithLabelValues("created")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.registrations.WithLabelValues("updated")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.deregistrations), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.heartbeats), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.heartbeatDrops), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.budgetRejections), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.sessionLosses), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.activeNodes), 0)
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordRegistration("created")
		c.RecordDeregistration()
		c.RecordHeartbeat()
		c.RecordHeartbeatDrop()
		c.SetActiveNodes(1)
		c.RecordBudgetRejection()
		c.RecordSessionLoss()
		c.ObserveSweep(time.Second)
	})
}
