package driver

import (
	"context"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/tphakala/audiobridge/internal/errors"
)

// OtoBackendName is the name of the oto backend.
const OtoBackendName = "oto"

// oto allows a single context per process. The first open decides its
// format; later opens are granted that format.
var otoShared struct {
	mu   sync.Mutex
	ctx  *oto.Context
	spec Spec
}

// OtoBackend outputs through the platform default device using oto.
type OtoBackend struct {
	opts Options
}

// NewOtoBackend creates the oto backend.
func NewOtoBackend(opts Options) *OtoBackend {
	return &OtoBackend{opts: opts}
}

func (o *OtoBackend) Name() string { return OtoBackendName }

func (o *OtoBackend) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []DeviceInfo{{ID: "default", Name: "System default (oto)", IsDefault: true}}, nil
}

func (o *OtoBackend) NewDriver(deviceID string) (Driver, error) {
	d := &otoDriver{}
	b, err := newBase(OtoBackendName, deviceID, o.opts, d.start)
	if err != nil {
		return nil, err
	}
	d.base = b
	return d, nil
}

type otoDriver struct {
	*base
}

// sharedOtoContext returns the process oto context, creating it for spec
// on first use, together with the format it runs at.
func sharedOtoContext(spec Spec) (*oto.Context, Spec, error) {
	otoShared.mu.Lock()
	defer otoShared.mu.Unlock()

	if otoShared.ctx != nil {
		granted := spec
		granted.SampleRate = otoShared.spec.SampleRate
		granted.Channels = otoShared.spec.Channels
		return otoShared.ctx, granted, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   int(spec.SampleRate),
		ChannelCount: int(spec.Channels),
		Format:       oto.FormatFloat32LE,
		BufferSize:   spec.PeriodDuration(),
	})
	if err != nil {
		return nil, Spec{}, errors.New(err).
			Component("audiocore.driver").
			Category(errors.CategoryAudioDevice).
			Context("operation", "new_context").
			Context("backend", OtoBackendName).
			Build()
	}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, Spec{}, errors.Newf("oto context not ready after 5s").
			Component("audiocore.driver").
			Category(errors.CategoryTimeout).
			Context("backend", OtoBackendName).
			Build()
	}

	otoShared.ctx = ctx
	otoShared.spec = spec
	return ctx, spec, nil
}

func (d *otoDriver) start(spec Spec, bind func(Spec) *period) (Spec, func() error, error) {
	ctx, granted, err := sharedOtoContext(spec)
	if err != nil {
		return Spec{}, nil, err
	}

	p := bind(granted)
	player := ctx.NewPlayer(&periodReader{p: p, frameBytes: int(granted.Channels) * 4})
	player.SetBufferSize(int(granted.FramesPerPeriod) * int(granted.Channels) * 4)
	player.Play()

	return granted, func() error {
		player.Pause()
		return player.Close()
	}, nil
}

// periodReader adapts the period routine to the pull-style io.Reader oto
// consumes.
type periodReader struct {
	p          *period
	frameBytes int
}

func (r *periodReader) Read(buf []byte) (int, error) {
	frames := len(buf) / r.frameBytes
	if frames == 0 {
		return 0, nil
	}
	r.p.renderBytes(buf, frames)
	return frames * r.frameBytes, nil
}
