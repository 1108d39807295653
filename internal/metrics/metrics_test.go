package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.EventAppended("user")
	second.EventAppended("user")

	assert.Equal(t, 2.0, testutil.ToFloat64(first.eventsAppended.WithLabelValues("user")))
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.SessionActivated()
	m.SessionActivated()
	m.SessionDeactivated()
	m.AppendFailed()
	m.PermissionResolved("auto")
	m.SubscriberDropped("session")
	m.SubscriberDisconnected("session")
	m.ViewerConnected("session")
	m.ViewerConnected("session")
	m.ViewerDisconnected("session")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.permissionOutcomes.WithLabelValues("auto")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriberDrops.WithLabelValues("session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriberKicks.WithLabelValues("session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.viewers.WithLabelValues("session")))

	count, err := testutil.GatherAndCount(reg, "cc_session_hub_bus_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionActivated()
	m.EventAppended("user")
	m.SubscriberDropped("x")
	m.ObserveList(0)
}
