package driver

import (
	"context"
	"encoding/hex"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logging"
)

// malgoBackends maps backend names to miniaudio backends.
var malgoBackends = map[string]malgo.Backend{
	"alsa":      malgo.BackendAlsa,
	"pulse":     malgo.BackendPulseaudio,
	"jack":      malgo.BackendJack,
	"wasapi":    malgo.BackendWasapi,
	"coreaudio": malgo.BackendCoreaudio,
}

// PlatformBackends returns the miniaudio backend names worth trying on the
// current operating system, most preferred first.
func PlatformBackends() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{"jack", "pulse", "alsa"}
	case "windows":
		return []string{"wasapi"}
	case "darwin":
		return []string{"coreaudio"}
	default:
		return nil
	}
}

// MalgoBackend outputs through one miniaudio backend.
type MalgoBackend struct {
	name    string
	backend malgo.Backend
	opts    Options
	mu      sync.Mutex
}

// NewMalgoBackend creates the backend called name, one of "alsa", "pulse",
// "jack", "wasapi" or "coreaudio".
func NewMalgoBackend(name string, opts Options) (*MalgoBackend, error) {
	b, ok := malgoBackends[name]
	if !ok {
		return nil, errors.New(audiocore.ErrUnknownBackend).
			Component("audiocore.driver").
			Context("backend", name).
			Context("os", runtime.GOOS).
			Build()
	}
	return &MalgoBackend{name: name, backend: b, opts: opts}, nil
}

func (m *MalgoBackend) Name() string { return m.name }

func (m *MalgoBackend) initContext() (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext([]malgo.Backend{m.backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Context("backend", m.name).
			Build()
	}
	return ctx, nil
}

// Devices lists playback devices, skipping the discard sink.
func (m *MalgoBackend) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mctx, err := m.initContext()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		return nil, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			Context("operation", "enumerate_devices").
			Context("backend", m.name).
			Build()
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		devices = append(devices, DeviceInfo{
			ID:        decodeDeviceID(infos[i].ID.String()),
			Name:      infos[i].Name(),
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

func (m *MalgoBackend) NewDriver(deviceID string) (Driver, error) {
	d := &malgoDriver{owner: m}
	b, err := newBase(m.name, deviceID, m.opts, d.start)
	if err != nil {
		return nil, err
	}
	d.base = b
	return d, nil
}

type malgoDriver struct {
	*base
	owner *MalgoBackend
}

func (d *malgoDriver) start(spec Spec, bind func(Spec) *period) (Spec, func() error, error) {
	mctx, err := d.owner.initContext()
	if err != nil {
		return Spec{}, nil, err
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	infos, err := mctx.Devices(malgo.Playback)
	if err != nil {
		release()
		return Spec{}, nil, err
	}
	info, err := selectDevice(infos, d.deviceID)
	if err != nil {
		release()
		return Spec{}, nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(spec.Channels)
	cfg.Playback.DeviceID = info.ID.Pointer()
	cfg.SampleRate = spec.SampleRate
	cfg.PeriodSizeInFrames = spec.FramesPerPeriod
	cfg.Periods = 2
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.Alsa.NoMMap = 1

	// The data callback can fire from Start, before bind returns below.
	var p *period
	ready := make(chan struct{})
	logger := logging.ServiceOrDefault("audiocore.driver")

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			select {
			case <-ready:
				p.renderBytes(out, int(frames))
			default:
				clear(out)
			}
		},
		Stop: func() {
			logger.Debug("malgo device stopped", "backend", d.owner.name, "device", d.deviceID)
		},
	})
	if err != nil {
		release()
		return Spec{}, nil, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_device").
			DeviceContext(d.deviceID, d.owner.name).
			Build()
	}

	if device.PlaybackFormat() != malgo.FormatF32 {
		device.Uninit()
		release()
		return Spec{}, nil, errors.Newf("device format %d is not f32", device.PlaybackFormat()).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			DeviceContext(d.deviceID, d.owner.name).
			Build()
	}

	// miniaudio delivers fixed-size callbacks of the configured period.
	granted := spec
	granted.SampleRate = device.SampleRate()
	granted.Channels = uint16(device.PlaybackChannels())
	p = bind(granted)
	close(ready)

	if err := device.Start(); err != nil {
		device.Uninit()
		release()
		return Spec{}, nil, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_device").
			DeviceContext(d.deviceID, d.owner.name).
			Build()
	}

	return granted, func() error {
		stopErr := device.Stop()
		device.Uninit()
		release()
		return stopErr
	}, nil
}

// selectDevice finds a device by decoded id, then exact name, then the
// default entry for "default".
func selectDevice(devices []malgo.DeviceInfo, id string) (*malgo.DeviceInfo, error) {
	for i := range devices {
		if decodeDeviceID(devices[i].ID.String()) == id {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if devices[i].Name() == id {
			return &devices[i], nil
		}
	}
	if id == "" || id == "default" {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		if len(devices) > 0 {
			return &devices[0], nil
		}
	}

	return nil, errors.New(audiocore.ErrUnknownDevice).
		Component("audiocore.driver").
		Context("device_id", id).
		Context("available_devices", len(devices)).
		Build()
}

// decodeDeviceID turns miniaudio's hex id into the backend's native id,
// such as ":0,0" for ALSA hardware. Ids that are not text stay hex.
func decodeDeviceID(hexID string) string {
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return hexID
	}
	for _, c := range raw {
		if c < 0x20 || c > 0x7e {
			return hexID
		}
	}
	return string(raw)
}
