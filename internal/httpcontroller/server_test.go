package httpcontroller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/device"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *device.Manager) {
	t.Helper()

	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(driver.NewNullBackend(driver.DefaultOptions())))
	cfg := device.DefaultConfig()
	cfg.CacheTTL = 0
	cfg.WatchPaths = nil
	m := device.NewManager(reg, nil, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return New(m, opts...), m
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type fakeMidi struct {
	mu     sync.Mutex
	port   string
	events []midi.Event
}

func (f *fakeMidi) AvailableDevices(context.Context) []midi.PortInfo {
	return []midi.PortInfo{{ID: "serial:/dev/ttyS0", Name: "/dev/ttyS0"}, {ID: audiocore.NoneDeviceID, Name: audiocore.NoneDeviceName}}
}

func (f *fakeMidi) Connect(_ context.Context, id string) error {
	if id != "serial:/dev/ttyS0" && id != audiocore.NoneDeviceID {
		return audiocore.ErrMidiPortNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.port = id
	return nil
}

func (f *fakeMidi) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.port = ""
}

func (f *fakeMidi) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *fakeMidi) SendEvent(ev midi.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func TestGetDevicesListsNoneAndNullDevice(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[DevicesResponse](t, rec)
	ids := make([]string, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, audiocore.NoneDeviceID)
	assert.Contains(t, ids, "null:default")
	assert.NotEmpty(t, resp.BufferSizes)
}

func TestSelectDevice(t *testing.T) {
	t.Parallel()

	s, m := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/devices/select", `{"device_id":"null:missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decode[ErrorResponse](t, rec).Code)

	rec = do(t, s, http.MethodPost, "/api/v1/devices/select", `{"device_id":"null:default"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null:default", decode[DevicesResponse](t, rec).Current)
	assert.Equal(t, "null:default", m.Current())

	rec = do(t, s, http.MethodPost, "/api/v1/devices/select", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetBufferSize(t *testing.T) {
	t.Parallel()

	s, m := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/devices/select", `{"device_id":"null:default"}`).Code)

	rec := do(t, s, http.MethodPost, "/api/v1/buffersize", `{"size":100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/buffersize", `{"size":256}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint32(256), decode[DevicesResponse](t, rec).BufferSize)
	assert.Equal(t, uint32(256), m.OutputDeviceBufferSize())
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	s, m := newTestServer(t, WithMidi(&fakeMidi{port: "none"}))
	require.NoError(t, m.SelectOutputDevice(t.Context(), "null:default"))

	spec := driver.DefaultSpec(func(dst []float32, _ int) { clear(dst) })
	spec.FramesPerPeriod = 256
	_, err := m.Open(t.Context(), spec)
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, "null:default", resp.Device)
	assert.Equal(t, device.StateOpen.String(), resp.State)
	require.NotNil(t, resp.Spec)
	assert.Equal(t, uint32(256), resp.Spec.FramesPerPeriod)
	assert.Nil(t, resp.Engine)
	assert.Equal(t, "none", resp.MidiPort)
}

func TestMidiEndpoints(t *testing.T) {
	t.Parallel()

	disabled, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, disabled, http.MethodPost, "/api/v1/midi", `{"opcode":"note_on"}`).Code)

	fm := &fakeMidi{}
	s, _ := newTestServer(t, WithMidi(fm))

	rec := do(t, s, http.MethodGet, "/api/v1/midi/ports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "serial:/dev/ttyS0")

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/midi/connect", `{"port_id":"gomidi:nope"}`).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/midi/connect", `{"port_id":"serial:/dev/ttyS0"}`).Code)
	assert.Equal(t, "serial:/dev/ttyS0", fm.DeviceID())

	rec = do(t, s, http.MethodPost, "/api/v1/midi", `{"opcode":"note_on","channel":1,"data1":60,"data2":100}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, fm.events, 1)
	assert.Equal(t, midi.NoteOn, fm.events[0].Opcode)
	assert.Equal(t, uint8(60), fm.events[0].Data1)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/midi", `{"opcode":"sysex"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/midi", `{"opcode":"note_on","channel":16}`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	am, err := metrics.NewAudioMetrics(reg)
	require.NoError(t, err)
	am.AddUnderruns("engine-1", 3, 6)

	hm, err := metrics.NewHTTPMetrics(reg)
	require.NoError(t, err)

	s, _ := newTestServer(t, WithGatherer(reg), WithHTTPMetrics(hm))
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/devices", "").Code)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "audiobridge_ring_underruns_total")
	assert.Contains(t, body, `audiobridge_http_requests_total{method="GET",path="/api/v1/devices",status_code="200"} 1`)
}

func TestGetSystem(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/system", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SystemResponse](t, rec)
	assert.Positive(t, resp.NumCPU)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotZero(t, resp.MemoryTotal)
	assert.Positive(t, resp.ProcessMemMB)
}
