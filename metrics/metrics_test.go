package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func Test_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveQuery("blocked", time.Millisecond)
	m.ObserveQuery("blocked", time.Millisecond)
	m.ObserveQuery("relayed", 20*time.Millisecond)
	m.ObserveUpstream(15 * time.Millisecond)
	m.SetEntries(42)
	m.ObserveReconcile("unchanged")
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)

	assert.Equal(t, 2.0, counterValue(t, m.queries.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, counterValue(t, m.queries.WithLabelValues("relayed")))
	assert.Equal(t, 1.0, counterValue(t, m.reconcile.WithLabelValues("unchanged")))
	assert.Equal(t, 2.0, counterValue(t, m.cache.WithLabelValues("miss")))

	var g dto.Metric
	require.NoError(t, m.entries.Write(&g))
	assert.Equal(t, 42.0, g.GetGauge().GetValue())

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["dohsink_query_duration_seconds"])
	assert.True(t, names["dohsink_upstream_duration_seconds"])
}

func Test_NilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveQuery("blocked", time.Second)
		m.ObserveUpstream(time.Second)
		m.SetEntries(1)
		m.ObserveReconcile("failed")
		m.ObserveCache(true)
	})
}
