package device

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind events.Kind) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evs) - 1; i >= 0; i-- {
		if r.evs[i].Kind == kind {
			return r.evs[i], true
		}
	}
	return events.Event{}, false
}

type failingBackend struct{}

func (failingBackend) Name() string { return "broken" }
func (failingBackend) Devices(context.Context) ([]driver.DeviceInfo, error) {
	return nil, errors.NewStd("probe failed")
}
func (failingBackend) NewDriver(string) (driver.Driver, error) {
	return nil, errors.NewStd("probe failed")
}

func newTestManager(t *testing.T, devices ...string) (*Manager, *driver.NullBackend, *recorder) {
	t.Helper()

	nb := driver.NewNullBackend(driver.DefaultOptions())
	infos := make([]driver.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, driver.DeviceInfo{ID: d, Name: "Null " + d})
	}
	nb.SetDevices(infos...)

	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(nb))

	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.CacheTTL = 0
	cfg.WatchPaths = nil
	m := NewManager(reg, rec, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m, nb, rec
}

func testSpec() driver.Spec {
	spec := driver.DefaultSpec(func(dst []float32, _ int) { clear(dst) })
	spec.FramesPerPeriod = 256
	return spec
}

func TestAvailableOutputDevicesListsNoneFirst(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, "a", "b")
	require.NoError(t, m.Registry().Register(failingBackend{}))

	records := m.AvailableOutputDevices(t.Context())
	require.Len(t, records, 3)
	assert.Equal(t, audiocore.NoneDeviceID, records[0].ID)
	assert.Equal(t, audiocore.NoneDeviceName, records[0].DisplayName)
	assert.Equal(t, "null:a", records[1].ID)
	assert.Equal(t, "Null b", records[2].DisplayName)
}

func TestAvailableOutputDevicesUsesCache(t *testing.T) {
	t.Parallel()

	nb := driver.NewNullBackend(driver.DefaultOptions())
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(nb))
	m := NewManager(reg, nil, Config{CacheTTL: time.Hour})

	require.Len(t, m.AvailableOutputDevices(t.Context()), 2)
	nb.SetDevices()
	assert.Len(t, m.AvailableOutputDevices(t.Context()), 2)

	m.CheckDevices(t.Context())
	assert.Len(t, m.AvailableOutputDevices(t.Context()), 1)
}

func TestSelectSameDeviceTwiceDoesNotReopen(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestManager(t, "default")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:default"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)

	require.NoError(t, m.SelectOutputDevice(ctx, "null:default"))

	assert.Zero(t, m.Reopens())
	assert.Equal(t, 1, rec.count(events.KindOutputDeviceChanged))
	assert.Equal(t, StateOpen, m.State())
}

func TestSelectUnknownDevice(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestManager(t, "default")

	err := m.SelectOutputDevice(t.Context(), "null:missing")
	require.ErrorIs(t, err, audiocore.ErrUnknownDevice)
	assert.Empty(t, m.Current())
	assert.Zero(t, rec.count(events.KindOutputDeviceChanged))
}

func TestOpenWithoutDevice(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, "default")
	_, err := m.Open(t.Context(), testSpec())
	require.ErrorIs(t, err, audiocore.ErrNoDevice)

	require.NoError(t, m.SelectOutputDevice(t.Context(), audiocore.NoneDeviceID))
	_, err = m.Open(t.Context(), testSpec())
	require.ErrorIs(t, err, audiocore.ErrNoDevice)
	assert.False(t, m.PushMidiEvent(midiNote()))
}

func TestSelectReopensWithPreviousSpec(t *testing.T) {
	t.Parallel()

	m, nb, rec := newTestManager(t, "a", "b")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))
	granted, err := m.Open(ctx, testSpec())
	require.NoError(t, err)
	first := m.Driver()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:b"))

	assert.False(t, first.IsOpen())
	assert.Equal(t, "null:b", m.Current())
	assert.Equal(t, StateOpen, m.State())
	assert.True(t, m.ActiveSpec().SameFormat(granted))
	assert.Equal(t, uint64(1), m.Reopens())
	assert.Len(t, nb.Drivers(), 2)

	ev, ok := rec.last(events.KindOutputDeviceChanged)
	require.True(t, ok)
	assert.Equal(t, "null:b", ev.DeviceID)
	assert.Equal(t, "null:a", ev.PreviousID)
}

func TestSelectReopenFailureKeepsDeviceClosed(t *testing.T) {
	t.Parallel()

	m, nb, _ := newTestManager(t, "a", "b")
	ctx := t.Context()
	nb.FailOpen("b", errors.NewStd("device busy"))

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)

	err = m.SelectOutputDevice(ctx, "null:b")
	require.Error(t, err)
	assert.Equal(t, "null:b", m.Current())
	assert.Equal(t, StateClosed, m.State())
	assert.False(t, m.Driver().IsOpen())
}

func TestSelectAfterDisconnectOpensNewDevice(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestManager(t, "a", "b")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))
	granted, err := m.Open(ctx, testSpec())
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, audiocore.NoneDeviceID, m.Current())
	assert.Equal(t, 1, rec.count(events.KindDeviceDisconnected))

	require.NoError(t, m.SelectOutputDevice(ctx, "null:b"))
	assert.Equal(t, StateOpen, m.State())
	assert.True(t, m.Driver().IsOpen())
	assert.True(t, m.ActiveSpec().SameFormat(granted))
}

func TestSelectAfterFailedReopenRetries(t *testing.T) {
	t.Parallel()

	m, nb, _ := newTestManager(t, "a", "b", "c")
	ctx := t.Context()
	nb.FailOpen("b", errors.NewStd("device busy"))

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)
	require.Error(t, m.SelectOutputDevice(ctx, "null:b"))
	require.Equal(t, StateClosed, m.State())

	require.NoError(t, m.SelectOutputDevice(ctx, "null:c"))
	assert.Equal(t, StateOpen, m.State())
}

func TestSelectAfterCloseOnlySelects(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, "a", "b")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.NoError(t, m.SelectOutputDevice(ctx, "null:b"))
	assert.Equal(t, StateUnopened, m.State())
	assert.False(t, m.Driver().IsOpen())
}

func TestObserveSeesDeviceChanges(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, "a")
	var seen []events.Kind
	cancel := m.Observe(func(ev events.Event) { seen = append(seen, ev.Kind) })

	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:a"))
	cancel()
	require.NoError(t, m.SelectOutputDevice(t.Context(), audiocore.NoneDeviceID))

	assert.Equal(t, []events.Kind{events.KindOutputDeviceChanged}, seen)
}

func TestSelectReportsChangedFormat(t *testing.T) {
	t.Parallel()

	m, nb, rec := newTestManager(t, "a", "b")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))

	changes := make(chan driver.Spec, 1)
	spec := testSpec()
	spec.OnChange = func(active driver.Spec) { changes <- active }
	_, err := m.Open(ctx, spec)
	require.NoError(t, err)

	nb.SetGrant(func(req driver.Spec) driver.Spec {
		req.SampleRate = 44100
		return req
	})
	require.NoError(t, m.SelectOutputDevice(ctx, "null:b"))

	select {
	case active := <-changes:
		assert.Equal(t, uint32(44100), active.SampleRate)
	default:
		t.Fatal("OnChange not called after reopen with a new format")
	}
	assert.Equal(t, 1, rec.count(events.KindSpecChanged))
}

func TestBufferSizeChangeReopensWithOneNotification(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestManager(t, "default")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:default"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)

	require.NoError(t, m.SetOutputDeviceBufferSize(ctx, 1024))

	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, uint32(1024), m.ActiveSpec().FramesPerPeriod)
	assert.Equal(t, uint32(1024), m.OutputDeviceBufferSize())
	assert.Equal(t, 1, rec.count(events.KindBufferSizeChanged))
	ev, _ := rec.last(events.KindBufferSizeChanged)
	assert.Equal(t, uint32(1024), ev.BufferSize)

	require.NoError(t, m.SetOutputDeviceBufferSize(ctx, 1024))
	assert.Equal(t, 1, rec.count(events.KindBufferSizeChanged))

	err = m.SetOutputDeviceBufferSize(ctx, 1000)
	require.ErrorIs(t, err, audiocore.ErrInvalidBufferSize)
}

func TestBufferSizeChangeReportsGrantedSize(t *testing.T) {
	t.Parallel()

	m, nb, rec := newTestManager(t, "default")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:default"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)

	nb.SetGrant(func(req driver.Spec) driver.Spec {
		req.FramesPerPeriod = 512
		return req
	})
	require.NoError(t, m.SetOutputDeviceBufferSize(ctx, 1024))

	assert.Equal(t, uint32(512), m.ActiveSpec().FramesPerPeriod)
	require.Equal(t, 1, rec.count(events.KindBufferSizeChanged))
	ev, _ := rec.last(events.KindBufferSizeChanged)
	assert.Equal(t, uint32(512), ev.BufferSize)
}

func TestBufferSizeChangeWhileClosedDoesNotOpen(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestManager(t, "default")
	ctx := t.Context()
	require.NoError(t, m.SelectOutputDevice(ctx, "null:default"))

	require.NoError(t, m.SetOutputDeviceBufferSize(ctx, 128))
	assert.Equal(t, StateUnopened, m.State())
	assert.False(t, m.Driver().IsOpen())
	assert.Equal(t, uint32(128), m.OutputDeviceBufferSize())
	assert.Equal(t, 1, rec.count(events.KindBufferSizeChanged))

	granted, err := m.Open(ctx, testSpec())
	require.NoError(t, err)
	assert.Equal(t, uint32(128), granted.FramesPerPeriod)
}

func TestCheckDevicesDisconnectsRemovedDevice(t *testing.T) {
	t.Parallel()

	m, nb, rec := newTestManager(t, "a", "b")
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)
	d := m.Driver()

	assert.False(t, m.CheckDevices(ctx), "first check only records the list")

	nb.SetDevices(driver.DeviceInfo{ID: "b", Name: "Null b"})
	assert.True(t, m.CheckDevices(ctx))

	assert.False(t, d.IsOpen())
	assert.Equal(t, audiocore.NoneDeviceID, m.Current())
	assert.Equal(t, 1, rec.count(events.KindAvailableDevicesChanged))
	assert.Equal(t, 1, rec.count(events.KindDeviceDisconnected))

	ev, _ := rec.last(events.KindAvailableDevicesChanged)
	assert.Equal(t, []string{audiocore.NoneDeviceID, "null:b"}, ev.Devices)
}

// flakyBackend fails enumeration while fail is set.
type flakyBackend struct {
	*driver.NullBackend
	fail atomic.Bool
}

func (f *flakyBackend) Devices(ctx context.Context) ([]driver.DeviceInfo, error) {
	if f.fail.Load() {
		return nil, errors.NewStd("probe failed")
	}
	return f.NullBackend.Devices(ctx)
}

func TestCheckDevicesIgnoresFailedProbe(t *testing.T) {
	t.Parallel()

	fb := &flakyBackend{NullBackend: driver.NewNullBackend(driver.DefaultOptions())}
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(fb))
	rec := &recorder{}
	m := NewManager(reg, rec, Config{})
	t.Cleanup(func() { _ = m.Close() })
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:default"))
	assert.False(t, m.CheckDevices(ctx))

	fb.fail.Store(true)
	assert.False(t, m.CheckDevices(ctx))
	assert.Equal(t, "null:default", m.Current())
	assert.Zero(t, rec.count(events.KindDeviceDisconnected))
	assert.Zero(t, rec.count(events.KindAvailableDevicesChanged))
}

func TestCheckDevicesDetectsRemovalBesideFailingBackend(t *testing.T) {
	t.Parallel()

	nb := driver.NewNullBackend(driver.DefaultOptions())
	nb.SetDevices(driver.DeviceInfo{ID: "a", Name: "Null a"}, driver.DeviceInfo{ID: "b", Name: "Null b"})
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(failingBackend{}))
	require.NoError(t, reg.Register(nb))
	rec := &recorder{}
	m := NewManager(reg, rec, Config{})
	t.Cleanup(func() { _ = m.Close() })
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "null:a"))
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)
	assert.False(t, m.CheckDevices(ctx))

	nb.SetDevices(driver.DeviceInfo{ID: "b", Name: "Null b"})
	assert.True(t, m.CheckDevices(ctx))

	assert.Equal(t, audiocore.NoneDeviceID, m.Current())
	assert.Equal(t, 1, rec.count(events.KindDeviceDisconnected))
	ev, _ := rec.last(events.KindAvailableDevicesChanged)
	assert.Equal(t, []string{audiocore.NoneDeviceID, "null:b"}, ev.Devices)
}

func TestCheckDevicesKeepsDevicesOfFailedBackend(t *testing.T) {
	t.Parallel()

	fb := &flakyBackend{NullBackend: driver.NewNullBackend(driver.DefaultOptions()).WithName("usb")}
	nb := driver.NewNullBackend(driver.DefaultOptions())
	nb.SetDevices(driver.DeviceInfo{ID: "a", Name: "Null a"}, driver.DeviceInfo{ID: "b", Name: "Null b"})
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(fb))
	require.NoError(t, reg.Register(nb))
	rec := &recorder{}
	m := NewManager(reg, rec, Config{})
	t.Cleanup(func() { _ = m.Close() })
	ctx := t.Context()

	require.NoError(t, m.SelectOutputDevice(ctx, "usb:default"))
	assert.False(t, m.CheckDevices(ctx))

	fb.fail.Store(true)
	nb.SetDevices(driver.DeviceInfo{ID: "a", Name: "Null a"})
	assert.True(t, m.CheckDevices(ctx))

	assert.Equal(t, "usb:default", m.Current())
	assert.Zero(t, rec.count(events.KindDeviceDisconnected))
	ev, _ := rec.last(events.KindAvailableDevicesChanged)
	assert.Equal(t, []string{audiocore.NoneDeviceID, "usb:default", "null:a"}, ev.Devices)

	// Recovery of the failed backend alone is not a change.
	fb.fail.Store(false)
	assert.False(t, m.CheckDevices(ctx))
}

func TestListenReactsToWatchedPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	nb := driver.NewNullBackend(driver.DefaultOptions())
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(nb))
	rec := &recorder{}
	m := NewManager(reg, rec, Config{ListenerInterval: time.Hour, WatchPaths: []string{dir}})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- m.Listen(ctx) }()

	// Wait for the initial check before changing devices.
	require.Eventually(t, func() bool {
		m.listenMu.Lock()
		defer m.listenMu.Unlock()
		return m.known != nil
	}, 2*time.Second, 5*time.Millisecond)

	nb.SetDevices(driver.DeviceInfo{ID: "usb", Name: "USB DAC"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pcmC1D0p"), nil, 0o600))

	require.Eventually(t, func() bool {
		return rec.count(events.KindAvailableDevicesChanged) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func midiNote() midi.Event { return midi.Note(0, 60, 100) }

func TestPushMidiEventReachesDriverPort(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, "default")
	ctx := t.Context()
	require.NoError(t, m.SelectOutputDevice(ctx, "null:default"))

	port := &capturePort{}
	m.SetMidiPort(port)
	_, err := m.Open(ctx, testSpec())
	require.NoError(t, err)

	require.True(t, m.PushMidiEvent(midiNote()))
	require.Eventually(t, func() bool { return m.DriverStats().MidiSent == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, port.count())
}

type capturePort struct {
	mu sync.Mutex
	n  int
}

func (c *capturePort) Name() string { return "capture" }
func (c *capturePort) Close() error { return nil }
func (c *capturePort) Send([]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *capturePort) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
