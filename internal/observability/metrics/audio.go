// Package metrics provides Prometheus metrics for the audio pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AudioMetrics contains Prometheus metrics for the playback pipeline.
// Real-time code never touches these directly; a monitor samples
// lock-free counters and feeds the deltas in here.
type AudioMetrics struct {
	registry *prometheus.Registry

	// Ring buffer metrics
	ringUnderruns     *prometheus.CounterVec
	ringMissingFrames *prometheus.CounterVec
	ringFillRatio     *prometheus.GaugeVec

	// MIDI metrics
	midiEventsSent    *prometheus.CounterVec
	midiEventsDropped *prometheus.CounterVec

	// Device metrics
	deviceReopens     *prometheus.CounterVec
	deviceChanges     *prometheus.CounterVec
	deviceState       *prometheus.GaugeVec
	deviceOpenLatency *prometheus.HistogramVec
	activeSampleRate  *prometheus.GaugeVec
	activeBufferSize  *prometheus.GaugeVec

	// Worker metrics
	workerInterval     *prometheus.GaugeVec
	workerRenderedRate *prometheus.CounterVec
	workerSkippedTicks *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewAudioMetrics creates and registers new audio metrics
func NewAudioMetrics(registry *prometheus.Registry) (*AudioMetrics, error) {
	m := &AudioMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AudioMetrics) initMetrics() {
	m.ringUnderruns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_ring_underruns_total",
			Help: "Total number of driver periods that found too few frames in the ring buffer",
		},
		[]string{"engine_id"},
	)

	m.ringMissingFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_ring_missing_frames_total",
			Help: "Total number of frames zero-filled because of underruns",
		},
		[]string{"engine_id"},
	)

	m.ringFillRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiobridge_ring_fill_ratio",
			Help: "Readable frames divided by ring capacity",
		},
		[]string{"engine_id"},
	)

	m.midiEventsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_midi_events_sent_total",
			Help: "Total number of MIDI events delivered to the output port",
		},
		[]string{"engine_id"},
	)

	m.midiEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_midi_events_dropped_total",
			Help: "Total number of MIDI events dropped",
		},
		[]string{"engine_id", "reason"},
	)

	m.deviceReopens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_device_reopens_total",
			Help: "Total number of driver reopen operations",
		},
		[]string{"manager_id", "reason"},
	)

	m.deviceChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_device_changes_total",
			Help: "Total number of output device changes",
		},
		[]string{"manager_id", "backend"},
	)

	m.deviceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiobridge_device_state",
			Help: "Current device state, 1 for the active state label",
		},
		[]string{"manager_id", "state"},
	)

	m.deviceOpenLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audiobridge_device_open_duration_seconds",
			Help:    "Time taken to open an output device",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12), // 1ms to ~4s
		},
		[]string{"manager_id", "backend"},
	)

	m.activeSampleRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiobridge_active_sample_rate_hz",
			Help: "Sample rate granted by the output device",
		},
		[]string{"manager_id"},
	)

	m.activeBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiobridge_active_buffer_size_frames",
			Help: "Frames per period granted by the output device",
		},
		[]string{"manager_id"},
	)

	m.workerInterval = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiobridge_worker_interval_seconds",
			Help: "Current render worker wake-up interval",
		},
		[]string{"engine_id"},
	)

	m.workerRenderedRate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_worker_rendered_frames_total",
			Help: "Total number of frames rendered into the ring buffer",
		},
		[]string{"engine_id"},
	)

	m.workerSkippedTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audiobridge_worker_skipped_ticks_total",
			Help: "Total number of worker ticks skipped because the ring buffer was full",
		},
		[]string{"engine_id"},
	)

	m.collectors = []prometheus.Collector{
		m.ringUnderruns, m.ringMissingFrames, m.ringFillRatio,
		m.midiEventsSent, m.midiEventsDropped,
		m.deviceReopens, m.deviceChanges, m.deviceState, m.deviceOpenLatency,
		m.activeSampleRate, m.activeBufferSize,
		m.workerInterval, m.workerRenderedRate, m.workerSkippedTicks,
	}
}

// Describe implements prometheus.Collector
func (m *AudioMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *AudioMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// AddUnderruns records new underruns and the frames they zero-filled
func (m *AudioMetrics) AddUnderruns(engineID string, underruns, missingFrames uint64) {
	if underruns > 0 {
		m.ringUnderruns.WithLabelValues(engineID).Add(float64(underruns))
	}
	if missingFrames > 0 {
		m.ringMissingFrames.WithLabelValues(engineID).Add(float64(missingFrames))
	}
}

// SetRingFill records the ring buffer fill ratio
func (m *AudioMetrics) SetRingFill(engineID string, ratio float64) {
	m.ringFillRatio.WithLabelValues(engineID).Set(ratio)
}

// AddMidiSent records delivered MIDI events
func (m *AudioMetrics) AddMidiSent(engineID string, n uint64) {
	if n > 0 {
		m.midiEventsSent.WithLabelValues(engineID).Add(float64(n))
	}
}

// AddMidiDropped records dropped MIDI events by reason
func (m *AudioMetrics) AddMidiDropped(engineID, reason string, n uint64) {
	if n > 0 {
		m.midiEventsDropped.WithLabelValues(engineID, reason).Add(float64(n))
	}
}

// RecordReopen records a driver reopen
func (m *AudioMetrics) RecordReopen(managerID, reason string) {
	m.deviceReopens.WithLabelValues(managerID, reason).Inc()
}

// RecordDeviceChange records a device switch
func (m *AudioMetrics) RecordDeviceChange(managerID, backend string) {
	m.deviceChanges.WithLabelValues(managerID, backend).Inc()
}

// SetDeviceState marks state as current and clears the others
func (m *AudioMetrics) SetDeviceState(managerID, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.deviceState.WithLabelValues(managerID, s).Set(v)
	}
}

// RecordOpenDuration records how long a device open took
func (m *AudioMetrics) RecordOpenDuration(managerID, backend string, seconds float64) {
	m.deviceOpenLatency.WithLabelValues(managerID, backend).Observe(seconds)
}

// SetActiveFormat records the granted sample rate and period size
func (m *AudioMetrics) SetActiveFormat(managerID string, sampleRate, framesPerPeriod uint32) {
	m.activeSampleRate.WithLabelValues(managerID).Set(float64(sampleRate))
	m.activeBufferSize.WithLabelValues(managerID).Set(float64(framesPerPeriod))
}

// SetWorkerInterval records the current worker interval
func (m *AudioMetrics) SetWorkerInterval(engineID string, seconds float64) {
	m.workerInterval.WithLabelValues(engineID).Set(seconds)
}

// AddRenderedFrames records frames pushed by the worker
func (m *AudioMetrics) AddRenderedFrames(engineID string, n uint64) {
	if n > 0 {
		m.workerRenderedRate.WithLabelValues(engineID).Add(float64(n))
	}
}

// AddSkippedTicks records worker ticks skipped on a full ring
func (m *AudioMetrics) AddSkippedTicks(engineID string, n uint64) {
	if n > 0 {
		m.workerSkippedTicks.WithLabelValues(engineID).Add(float64(n))
	}
}
