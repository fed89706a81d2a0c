package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/device"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/audiocore/ringbuf"
	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func constant(v float32) scheduler.Source {
	return scheduler.SourceFunc(func(dst []float32, frames, _ int) int {
		for i := range dst {
			dst[i] = v
		}
		return frames
	})
}

type countingPort struct {
	mu sync.Mutex
	n  int
}

func (c *countingPort) Name() string { return "counting" }
func (c *countingPort) Close() error { return nil }
func (c *countingPort) Send([]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingPort) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newManager(t *testing.T) *device.Manager {
	t.Helper()
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(driver.NewNullBackend(driver.DefaultOptions())))
	cfg := device.DefaultConfig()
	cfg.CacheTTL = 0
	cfg.WatchPaths = nil
	m := device.NewManager(reg, nil, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FramesPerPeriod = 256
	cfg.MonitorInterval = 10 * time.Millisecond
	return cfg
}

func TestStartPlaysThroughSelectedDevice(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:default"))

	e := New(m, constant(0.5), testConfig())
	require.NoError(t, e.Start(t.Context()))
	assert.True(t, e.Running())
	assert.False(t, e.SoftwareTiming())
	assert.Equal(t, device.StateOpen, m.State())

	spec := e.ActiveSpec()
	assert.Equal(t, uint32(48000), spec.SampleRate)
	assert.Equal(t, uint32(256), spec.FramesPerPeriod)

	require.Eventually(t, func() bool {
		s := e.Stats()
		return s.Driver.Periods > 0 && s.Worker.RenderedFrames > 0
	}, 2*time.Second, 5*time.Millisecond)

	s := e.Stats()
	assert.GreaterOrEqual(t, s.Ring.Capacity, 2*audiocore.DefaultMinReserveIdle)

	err := e.Start(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.False(t, e.Running())
	assert.Equal(t, device.StateClosed, m.State())
}

func TestStartFallsBackToSoftwareTiming(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	port := &countingPort{}

	e := New(m, constant(0), testConfig())
	e.SetMidiPort(port)
	require.NoError(t, e.Start(t.Context()))
	defer func() { require.NoError(t, e.Stop()) }()

	assert.True(t, e.SoftwareTiming())
	assert.Equal(t, uint32(48000), e.ActiveSpec().SampleRate)

	require.True(t, e.PushMidiEvent(midi.Note(0, 60, 100)))
	require.Eventually(t, func() bool { return e.Stats().Driver.MidiSent == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, port.count())
}

func TestSelectingDeviceLeavesSoftwareTiming(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	e := New(m, constant(0.5), testConfig())
	require.NoError(t, e.Start(t.Context()))
	defer func() { require.NoError(t, e.Stop()) }()
	require.True(t, e.SoftwareTiming())

	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:default"))

	assert.False(t, e.SoftwareTiming())
	assert.Equal(t, device.StateOpen, m.State())
	require.Eventually(t, func() bool { return m.DriverStats().Periods > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSoftwareTimingSurvivesFailedDevice(t *testing.T) {
	t.Parallel()

	nb := driver.NewNullBackend(driver.DefaultOptions())
	nb.FailOpen("default", errors.NewStd("device busy"))
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(nb))
	m := device.NewManager(reg, nil, device.Config{})
	t.Cleanup(func() { _ = m.Close() })

	e := New(m, constant(0), testConfig())
	require.NoError(t, e.Start(t.Context()))
	defer func() { require.NoError(t, e.Stop()) }()

	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:default"))

	assert.True(t, e.SoftwareTiming())
	assert.Equal(t, device.StateClosed, m.State())
	before := e.Stats().Driver.Periods
	require.Eventually(t, func() bool { return e.Stats().Driver.Periods > before }, 2*time.Second, 5*time.Millisecond)
}

func TestStartWithoutFallbackFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SoftwareFallback = false
	e := New(newManager(t), constant(0), cfg)

	err := e.Start(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrNoDevice)
	assert.False(t, e.Running())
	assert.False(t, e.PushMidiEvent(midi.Note(0, 60, 100)))
}

func TestSampleRateChangeUpdatesWorker(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:default"))

	cfg := testConfig()
	cfg.Mode = scheduler.ModeRealtime
	e := New(m, constant(0), cfg)
	require.NoError(t, e.Start(t.Context()))
	defer func() { require.NoError(t, e.Stop()) }()

	nd, ok := m.Driver().(*driver.NullDriver)
	require.True(t, ok)
	nd.SetSampleRate(96000)

	require.Eventually(t, func() bool { return e.ActiveSpec().SampleRate == 96000 }, 2*time.Second, 5*time.Millisecond)

	want := scheduler.Interval(e.ActiveSpec(), cfg.Constraints, scheduler.ModeRealtime)
	require.Eventually(t, func() bool { return e.Stats().Worker.Interval <= want }, 2*time.Second, 5*time.Millisecond)
}

func TestCallbackRemapsChannels(t *testing.T) {
	t.Parallel()

	e := New(newManager(t), constant(0), testConfig())

	stereo, err := ringbuf.New(16, 2)
	require.NoError(t, err)
	require.Equal(t, 2, stereo.Push([]float32{1, 2, 3, 4}, 2))
	e.remap = make([]float32, audiocore.MaximumBufferSize*2)
	e.ring.Store(stereo)

	mono := make([]float32, 3)
	e.callback(mono, 3)
	assert.Equal(t, []float32{1, 3, 0}, mono)
	assert.Equal(t, uint64(1), stereo.Underruns())

	single, err := ringbuf.New(16, 1)
	require.NoError(t, err)
	require.Equal(t, 2, single.Push([]float32{5, 6}, 2))
	e.remap = make([]float32, audiocore.MaximumBufferSize)
	e.ring.Store(single)

	out := make([]float32, 4)
	e.callback(out, 2)
	assert.Equal(t, []float32{5, 5, 6, 6}, out)

	e.ring.Store(nil)
	out = []float32{1, 1}
	e.callback(out, 1)
	assert.Equal(t, []float32{0, 0}, out)
}

func TestMonitorFeedsMetrics(t *testing.T) {
	t.Parallel()

	am, err := metrics.NewAudioMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m := newManager(t)
	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:default"))

	e := New(m, constant(0.25), testConfig(), WithMetrics(am))
	require.NoError(t, e.Start(t.Context()))
	defer func() { require.NoError(t, e.Stop()) }()

	require.Eventually(t, func() bool {
		return testutil.CollectAndCount(am, "audiobridge_worker_rendered_frames_total") == 1 &&
			testutil.CollectAndCount(am, "audiobridge_ring_fill_ratio") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeltaHandlesCounterRestart(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(3), delta(10, 7))
	assert.Equal(t, uint64(2), delta(2, 7))
}

func TestResetRingRequiresStoppedEngine(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:default"))

	e := New(m, constant(0), testConfig())
	require.NoError(t, e.ResetRing())
	require.NoError(t, e.Start(t.Context()))

	err := e.ResetRing()
	require.ErrorIs(t, err, audiocore.ErrDriverOpen)

	require.NoError(t, e.Stop())
	require.NoError(t, e.ResetRing())
}
