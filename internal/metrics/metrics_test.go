package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultNamespace(t *testing.T) {
	m := New("")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.RecordScan(true)
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	assert.Equal(t, "procwatch_registry_scans_total", families[0].GetName())
}

func TestMetrics_Register_Twice(t *testing.T) {
	m := New("test")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg))
}

func TestMetrics_Record(t *testing.T) {
	m := New("test")
	m.MustRegister(prometheus.NewRegistry())

	m.RecordEvent("poll", "Started")
	m.RecordEvent("poll", "Started")
	m.RecordLaunch("universal", true)
	m.RecordLaunch("start", false)
	m.RecordPollError()
	m.SetWatched(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.eventsDetected.WithLabelValues("poll", "Started")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.launches.WithLabelValues("universal", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.launches.WithLabelValues("start", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pollErrors))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.watchedNames))
}

func TestMetrics_SetStrategy(t *testing.T) {
	m := New("test")

	m.SetStrategy("native")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeStrategy.WithLabelValues("native")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeStrategy.WithLabelValues("poll")))

	m.SetStrategy("poll")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeStrategy.WithLabelValues("native")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeStrategy.WithLabelValues("poll")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEvent("native", "Stopped")
		m.RecordLaunch("end", true)
		m.RecordScan(false)
		m.RecordPollError()
		m.SetWatched(1)
		m.SetStrategy("poll")
	})
}
