package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxMetrics_Backlog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetricsWithRegisterer(reg)

	m.RecordPublish("sent")
	m.RecordPublish("sent")
	m.SetBacklog(3, 12.5)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["localshop_outbox_publish_attempts_total"])
	assert.Equal(t, 3.0, values["localshop_outbox_pending_records"])
	assert.Equal(t, 12.5, values["localshop_outbox_oldest_pending_age_seconds"])
}

func TestCleanupMetrics_NilSafe(t *testing.T) {
	var m *CleanupMetrics
	assert.NotPanics(t, func() {
		m.RecordRun("ok")
		m.RecordDeleted(5)
		m.SetLastDeleted(5)
	})

	var o *OutboxMetrics
	assert.NotPanics(t, func() {
		o.RecordPublish("sent")
		o.SetBacklog(1, 1)
	})
}

func TestCleanupMetrics_ReRegisterReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewCleanupMetricsWithRegisterer(reg)
	second := NewCleanupMetricsWithRegisterer(reg)

	first.RecordDeleted(2)
	second.RecordDeleted(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "localshop_idempotency_cleanup_deleted_total" {
			assert.Equal(t, 5.0, family.GetMetric()[0].GetCounter().GetValue())
			return
		}
	}
	t.Fatal("deleted counter not gathered")
}
