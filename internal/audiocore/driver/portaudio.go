//go:build portaudio

package driver

import (
	"context"
	"strconv"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// PortAudioBackendName is the name of the PortAudio backend.
const PortAudioBackendName = "portaudio"

// PortAudioBackend outputs through PortAudio. Device ids are PortAudio
// device indexes.
type PortAudioBackend struct {
	opts Options

	mu    sync.Mutex
	users int
}

// NewPortAudioBackend returns the PortAudio backend; ok is false when the
// binary was built without PortAudio.
func NewPortAudioBackend(opts Options) (Backend, bool) {
	return &PortAudioBackend{opts: opts}, true
}

func (p *PortAudioBackend) Name() string { return PortAudioBackendName }

// acquire initializes the library for the first user.
func (p *PortAudioBackend) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.users == 0 {
		if err := portaudio.Initialize(); err != nil {
			return errors.New(err).
				Component("audiocore.driver").
				Category(errors.CategoryAudioDevice).
				Context("operation", "initialize").
				Context("backend", PortAudioBackendName).
				Build()
		}
	}
	p.users++
	return nil
}

func (p *PortAudioBackend) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users--
	if p.users == 0 {
		_ = portaudio.Terminate()
	}
}

func (p *PortAudioBackend) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	all, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	def, _ := portaudio.DefaultOutputDevice()

	var devices []DeviceInfo
	for _, d := range all {
		if d.MaxOutputChannels < 1 {
			continue
		}
		devices = append(devices, DeviceInfo{
			ID:        strconv.Itoa(d.Index),
			Name:      d.Name,
			IsDefault: def != nil && def.Index == d.Index,
		})
	}
	return devices, nil
}

func (p *PortAudioBackend) NewDriver(deviceID string) (Driver, error) {
	d := &portAudioDriver{owner: p}
	b, err := newBase(PortAudioBackendName, deviceID, p.opts, d.start)
	if err != nil {
		return nil, err
	}
	d.base = b
	return d, nil
}

type portAudioDriver struct {
	*base
	owner *PortAudioBackend
}

func (d *portAudioDriver) device() (*portaudio.DeviceInfo, error) {
	if d.deviceID == "default" {
		return portaudio.DefaultOutputDevice()
	}
	all, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	idx, err := strconv.Atoi(d.deviceID)
	if err == nil {
		for _, dev := range all {
			if dev.Index == idx && dev.MaxOutputChannels > 0 {
				return dev, nil
			}
		}
	}
	return nil, errors.New(audiocore.ErrUnknownDevice).
		Component("audiocore.driver").
		DeviceContext(d.deviceID, PortAudioBackendName).
		Build()
}

func (d *portAudioDriver) start(spec Spec, bind func(Spec) *period) (Spec, func() error, error) {
	if err := d.owner.acquire(); err != nil {
		return Spec{}, nil, err
	}

	dev, err := d.device()
	if err != nil {
		d.owner.release()
		return Spec{}, nil, err
	}

	granted := spec
	if int(granted.Channels) > dev.MaxOutputChannels {
		granted.Channels = uint16(dev.MaxOutputChannels)
	}

	var p *period
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: int(granted.Channels),
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(granted.SampleRate),
		FramesPerBuffer: int(granted.FramesPerPeriod),
	}
	stream, err := portaudio.OpenStream(params, func(out [][]float32) {
		p.renderPlanar(out, len(out[0]))
	})
	if err != nil {
		d.owner.release()
		return Spec{}, nil, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			Context("operation", "open_stream").
			DeviceContext(d.deviceID, PortAudioBackendName).
			Build()
	}

	if info := stream.Info(); info != nil && info.SampleRate > 0 {
		granted.SampleRate = uint32(info.SampleRate)
	}
	p = bind(granted)

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		d.owner.release()
		return Spec{}, nil, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_stream").
			DeviceContext(d.deviceID, PortAudioBackendName).
			Build()
	}

	return granted, func() error {
		defer d.owner.release()
		stopErr := stream.Stop()
		if err := stream.Close(); err != nil && stopErr == nil {
			stopErr = err
		}
		return stopErr
	}, nil
}
