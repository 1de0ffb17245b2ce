package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRecorded("READ")
		m.IncFlagged()
		m.AddArchived(3)
		m.SetStreamCircuitOpen(true)
	})
}

func TestCounters(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.IncRecorded("READ")
	m.IncRecorded("READ")
	m.AddArchived(5)
	m.AddArchived(0)
	m.SetStreamCircuitOpen(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Recorded.WithLabelValues("READ")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.Archived))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamCircuitState))
}
