package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAudioMetricsRegisters(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewAudioMetrics(registry)
	require.NoError(t, err)

	_, err = NewAudioMetrics(registry)
	require.Error(t, err, "duplicate registration must fail")

	m.AddUnderruns("e1", 2, 300)
	m.AddUnderruns("e1", 0, 0)

	assert.InDelta(t, 2, testutil.ToFloat64(m.ringUnderruns.WithLabelValues("e1")), 0)
	assert.InDelta(t, 300, testutil.ToFloat64(m.ringMissingFrames.WithLabelValues("e1")), 0)
}

func TestSetDeviceStateIsExclusive(t *testing.T) {
	t.Parallel()

	m, err := NewAudioMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	states := []string{"unopened", "open", "closed"}
	m.SetDeviceState("m1", "open", states)
	m.SetDeviceState("m1", "closed", states)

	assert.InDelta(t, 0, testutil.ToFloat64(m.deviceState.WithLabelValues("m1", "open")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deviceState.WithLabelValues("m1", "closed")), 0)
}

func TestMidiDropReasons(t *testing.T) {
	t.Parallel()

	m, err := NewAudioMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.AddMidiDropped("e1", "overflow", 3)
	m.AddMidiDropped("e1", "unsupported", 1)

	assert.InDelta(t, 3, testutil.ToFloat64(m.midiEventsDropped.WithLabelValues("e1", "overflow")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.midiEventsDropped.WithLabelValues("e1", "unsupported")), 0)
}
