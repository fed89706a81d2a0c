package driver

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// counter returns a callback writing increasing sample values and the
// frame counts it was asked for.
func counter() (Callback, *[]int) {
	var next float32
	var calls []int
	return func(dst []float32, frames int) {
		calls = append(calls, frames)
		for i := range dst {
			dst[i] = next
			next++
		}
	}, &calls
}

type recordingPort struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (r *recordingPort) Name() string { return "recording" }
func (r *recordingPort) Close() error { return nil }
func (r *recordingPort) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, append([]byte(nil), msg...))
	return nil
}

func (r *recordingPort) messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs
}

func testPeriod(t *testing.T, cb Callback, channels uint16, frames uint32, midiPerPeriod int) (*period, *midi.Queue, *recordingPort) {
	t.Helper()
	q, err := midi.NewQueue(64)
	require.NoError(t, err)
	port := &recordingPort{}
	var box atomic.Pointer[portBox]
	box.Store(&portBox{port: port})
	p := newPeriod(Spec{Channels: channels, FramesPerPeriod: frames, Callback: cb}, q, &box, midiPerPeriod)
	return p, q, port
}

func TestPeriodRendersInChunksOfFramesPerPeriod(t *testing.T) {
	t.Parallel()

	cb, calls := counter()
	p, _, _ := testPeriod(t, cb, 2, 4, 0)

	out := make([]float32, 20)
	p.renderInterleaved(out, 10)

	assert.Equal(t, []int{4, 4, 2}, *calls)
	for i, v := range out {
		assert.InDelta(t, float32(i), v, 0)
	}
	s := p.stats()
	assert.Equal(t, uint64(1), s.Periods)
	assert.Equal(t, uint64(10), s.Frames)
}

func TestPeriodRenderBytesIsLittleEndianFloat32(t *testing.T) {
	t.Parallel()

	cb, _ := counter()
	p, _, _ := testPeriod(t, cb, 2, 8, 0)

	out := make([]byte, 3*2*4)
	p.renderBytes(out, 3)

	for i := range 6 {
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[i*4:]))
		assert.InDelta(t, float32(i), got, 0)
	}
}

func TestPeriodRenderPlanarDeinterleaves(t *testing.T) {
	t.Parallel()

	cb, _ := counter()
	p, _, _ := testPeriod(t, cb, 2, 2, 0)

	left := make([]float32, 3)
	right := make([]float32, 3)
	p.renderPlanar([][]float32{left, right}, 3)

	assert.Equal(t, []float32{0, 2, 4}, left)
	assert.Equal(t, []float32{1, 3, 5}, right)
}

func TestPeriodDrainsMidiUpToCapacity(t *testing.T) {
	t.Parallel()

	cb, _ := counter()
	p, q, port := testPeriod(t, cb, 2, 16, 4)

	for i := range 6 {
		require.True(t, q.Push(midi.Note(0, uint8(60+i), 100)))
	}
	require.True(t, q.Push(midi.Event{Opcode: midi.OpcodeInvalid}))

	out := make([]float32, 32)
	p.renderInterleaved(out, 16)

	msgs := port.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, []byte{0x90, 60, 100}, msgs[0])
	assert.Equal(t, []byte{0x90, 63, 100}, msgs[3])

	s := p.stats()
	assert.Equal(t, uint64(4), s.MidiSent)
	assert.Equal(t, uint64(2), s.MidiOverflow)
	assert.Equal(t, uint64(1), s.MidiUnsupported)
	assert.Zero(t, q.Len())
}

// echoPort queues a new event for every message it sends, like a control
// goroutine that keeps pushing while the period drains.
type echoPort struct {
	q    *midi.Queue
	sent int
}

func (e *echoPort) Name() string { return "echo" }
func (e *echoPort) Close() error { return nil }
func (e *echoPort) Send([]byte) error {
	e.sent++
	e.q.Push(midi.Note(0, 60, 1))
	return nil
}

func TestPeriodDrainsOnlyEventsQueuedAtPeriodEnd(t *testing.T) {
	t.Parallel()

	q, err := midi.NewQueue(64)
	require.NoError(t, err)
	port := &echoPort{q: q}
	var box atomic.Pointer[portBox]
	box.Store(&portBox{port: port})
	cb, _ := counter()
	p := newPeriod(Spec{Channels: 1, FramesPerPeriod: 8, Callback: cb}, q, &box, 16)

	require.True(t, q.Push(midi.Note(0, 60, 100)))
	require.True(t, q.Push(midi.Note(0, 61, 100)))
	p.renderInterleaved(make([]float32, 8), 8)

	assert.Equal(t, 2, port.sent)
	assert.Equal(t, 2, q.Len())
	assert.Zero(t, p.stats().MidiOverflow)

	p.renderInterleaved(make([]float32, 8), 8)
	assert.Equal(t, 4, port.sent)
	assert.Equal(t, 2, q.Len())
}

func TestPeriodCountsPortErrors(t *testing.T) {
	t.Parallel()

	cb, _ := counter()
	p, q, port := testPeriod(t, cb, 1, 8, 0)
	port.err = errors.NewStd("write failed")

	require.True(t, q.Push(midi.Note(1, 64, 1)))
	p.renderInterleaved(make([]float32, 8), 8)

	assert.Equal(t, uint64(1), p.stats().MidiSendErrors)
	assert.Zero(t, p.stats().MidiSent)
}

func TestPowerOfTwoBufferSizes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []uint32{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}, PowerOfTwoBufferSizes(0))
	assert.Equal(t, []uint32{16, 32, 64, 128, 256}, PowerOfTwoBufferSizes(300))
	assert.Equal(t, []uint32{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}, PowerOfTwoBufferSizes(1<<20))
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()

	cb, _ := counter()
	require.NoError(t, DefaultSpec(cb).Validate())

	bad := DefaultSpec(cb)
	bad.Channels = 0
	err := bad.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, audiocore.ErrInvalidSpec)

	assert.Error(t, DefaultSpec(nil).Validate())
	assert.Equal(t, 10*time.Millisecond, Spec{SampleRate: 48000, FramesPerPeriod: 480}.PeriodDuration())
}

func TestRegistryQualifiesDeviceIDs(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	a := NewNullBackend(DefaultOptions())
	b := NewNullBackend(DefaultOptions()).WithName("other")
	b.SetDevices(DeviceInfo{ID: ":0,0", Name: "hw"})
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	require.Error(t, reg.Register(NewNullBackend(DefaultOptions())))

	devices, failed, err := reg.Devices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
	require.Len(t, devices, 2)
	assert.Equal(t, "null:default", devices[0].ID)
	assert.Equal(t, "other::0,0", devices[1].ID)
	assert.Equal(t, []string{"null", "other"}, reg.Names())

	d, err := reg.NewDriver("other::0,0")
	require.NoError(t, err)
	assert.Equal(t, ":0,0", d.DeviceID())
	assert.Equal(t, "other", d.Backend())

	_, err = reg.NewDriver("missing:x")
	require.ErrorIs(t, err, audiocore.ErrUnknownBackend)
	_, err = reg.NewDriver("null:missing")
	require.ErrorIs(t, err, audiocore.ErrUnknownDevice)
	_, err = reg.NewDriver("nocolon")
	require.ErrorIs(t, err, audiocore.ErrUnknownDevice)
}

type brokenBackend struct{}

func (brokenBackend) Name() string { return "broken" }
func (brokenBackend) Devices(context.Context) ([]DeviceInfo, error) {
	return nil, errors.NewStd("no server")
}
func (brokenBackend) NewDriver(string) (Driver, error) { return nil, errors.NewStd("no server") }

func TestRegistryReportsFailedBackends(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(brokenBackend{}))
	require.NoError(t, reg.Register(NewNullBackend(DefaultOptions())))

	devices, failed, err := reg.Devices(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryAudioDevice))
	assert.Equal(t, []string{"broken"}, failed)
	require.Len(t, devices, 1)
	assert.Equal(t, "null:default", devices[0].ID)
}

func TestNullDriverUsesGrantedSpec(t *testing.T) {
	t.Parallel()

	nb := NewNullBackend(DefaultOptions())
	nb.SetGrant(func(req Spec) Spec {
		req.SampleRate = 44100
		req.FramesPerPeriod = 512
		return req
	})
	d, err := nb.NewDriver("default")
	require.NoError(t, err)

	var rendered atomic.Int64
	spec := DefaultSpec(func(dst []float32, frames int) {
		clear(dst)
		rendered.Add(int64(frames))
	})
	spec.FramesPerPeriod = 256

	granted, err := d.Open(spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	assert.Equal(t, uint32(44100), granted.SampleRate)
	assert.Equal(t, uint32(512), granted.FramesPerPeriod)
	assert.Equal(t, FormatF32, granted.Format)
	assert.True(t, d.IsOpen())
	assert.Equal(t, granted.SampleRate, d.ActiveSpec().SampleRate)
	assert.Equal(t, uint32(512), d.OutputDeviceBufferSize())

	again, err := d.Open(DefaultSpec(spec.Callback))
	require.NoError(t, err)
	assert.True(t, again.SameFormat(granted))

	require.Eventually(t, func() bool { return rendered.Load() >= 1024 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.False(t, d.IsOpen())
	assert.Equal(t, Spec{}, d.ActiveSpec())
	assert.Positive(t, d.Stats().Periods)
}

func TestNullDriverBufferSizeAppliesOnNextOpen(t *testing.T) {
	t.Parallel()

	d, err := NewNullBackend(DefaultOptions()).NewDriver("default")
	require.NoError(t, err)

	require.ErrorIs(t, d.SetOutputDeviceBufferSize(8), audiocore.ErrInvalidBufferSize)
	require.NoError(t, d.SetOutputDeviceBufferSize(1024))
	assert.Equal(t, uint32(1024), d.OutputDeviceBufferSize())

	granted, err := d.Open(DefaultSpec(func(dst []float32, _ int) { clear(dst) }))
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), granted.FramesPerPeriod)
	require.NoError(t, d.Close())
}

func TestNullDriverOpenFailure(t *testing.T) {
	t.Parallel()

	nb := NewNullBackend(DefaultOptions())
	nb.FailOpen("default", errors.NewStd("device busy"))
	d, err := nb.NewDriver("default")
	require.NoError(t, err)

	_, err = d.Open(DefaultSpec(func(dst []float32, _ int) { clear(dst) }))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryAudioDevice))
	assert.False(t, d.IsOpen())

	nb.FailOpen("default", nil)
	_, err = d.Open(DefaultSpec(func(dst []float32, _ int) { clear(dst) }))
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestNullDriverReportsRateChange(t *testing.T) {
	t.Parallel()

	d, err := NewNullBackend(DefaultOptions()).NewDriver("default")
	require.NoError(t, err)
	nd := d.(*NullDriver)

	changes := make(chan Spec, 1)
	spec := DefaultSpec(func(dst []float32, _ int) { clear(dst) })
	spec.OnChange = func(active Spec) { changes <- active }

	_, err = d.Open(spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	nd.SetSampleRate(96000)
	select {
	case active := <-changes:
		assert.Equal(t, uint32(96000), active.SampleRate)
	case <-time.After(2 * time.Second):
		t.Fatal("no rate change reported")
	}
	assert.Equal(t, uint32(96000), d.ActiveSpec().SampleRate)
}

func TestNullDriverDeliversMidiToPort(t *testing.T) {
	t.Parallel()

	d, err := NewNullBackend(DefaultOptions()).NewDriver("default")
	require.NoError(t, err)

	port := &recordingPort{}
	d.SetMidiPort(port)
	require.True(t, d.PushMidiEvent(midi.Event{Opcode: midi.ControlChange, Channel: 2, Data1: 7, Data2: 100}))

	_, err = d.Open(DefaultSpec(func(dst []float32, _ int) { clear(dst) }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.Eventually(t, func() bool { return len(port.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xB2, 7, 100}, port.messages()[0])
}

func TestExpandBackendNames(t *testing.T) {
	t.Parallel()

	names := ExpandBackendNames([]string{"null", "auto", "oto", "null"})
	assert.Equal(t, "null", names[0])
	assert.Contains(t, names, OtoBackendName)
	assert.Len(t, names, len(PlatformBackends())+2)
}

func TestDecodeDeviceID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ":0,0", decodeDeviceID("3a302c30"))
	assert.Equal(t, "00ff", decodeDeviceID("00ff"))
	assert.Equal(t, "zz", decodeDeviceID("zz"))
}
