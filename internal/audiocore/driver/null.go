package driver

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// NullBackendName is the name of the software-clocked backend.
const NullBackendName = "null"

// NullBackend drives the period routine from a software clock and
// discards the output. It serves as the fallback when no hardware backend
// can open and as a deterministic device in tests.
type NullBackend struct {
	name string
	opts Options

	mu      sync.Mutex
	devices []DeviceInfo
	grant   func(Spec) Spec
	openErr map[string]error
	drivers []*NullDriver
}

// NewNullBackend creates a backend offering one "default" device.
func NewNullBackend(opts Options) *NullBackend {
	return &NullBackend{
		name:    NullBackendName,
		opts:    opts,
		devices: []DeviceInfo{{ID: "default", Name: "Null output", IsDefault: true}},
		openErr: make(map[string]error),
	}
}

// WithName renames the backend so several can be registered side by side.
func (n *NullBackend) WithName(name string) *NullBackend {
	n.name = name
	return n
}

func (n *NullBackend) Name() string { return n.name }

// SetDevices replaces the device list.
func (n *NullBackend) SetDevices(devices ...DeviceInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.devices = slices.Clone(devices)
}

// SetGrant installs a function deciding the granted spec for a request.
func (n *NullBackend) SetGrant(grant func(requested Spec) Spec) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.grant = grant
}

// FailOpen makes opening deviceID fail with err; a nil err clears it.
func (n *NullBackend) FailOpen(deviceID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.openErr, deviceID)
		return
	}
	n.openErr[deviceID] = err
}

func (n *NullBackend) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.devices), nil
}

func (n *NullBackend) NewDriver(deviceID string) (Driver, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !slices.ContainsFunc(n.devices, func(d DeviceInfo) bool { return d.ID == deviceID }) {
		return nil, errors.New(audiocore.ErrUnknownDevice).
			Component("audiocore.driver").
			DeviceContext(deviceID, n.name).
			Build()
	}

	d := &NullDriver{owner: n}
	b, err := newBase(n.name, deviceID, n.opts, d.start)
	if err != nil {
		return nil, err
	}
	d.base = b
	n.drivers = append(n.drivers, d)
	return d, nil
}

// Drivers returns every driver created so far.
func (n *NullBackend) Drivers() []*NullDriver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.drivers)
}

func (n *NullBackend) negotiate(deviceID string, spec Spec) (Spec, error) {
	n.mu.Lock()
	err := n.openErr[deviceID]
	grant := n.grant
	n.mu.Unlock()

	if err != nil {
		return Spec{}, err
	}
	if grant != nil {
		spec = grant(spec)
	}
	return spec, nil
}

// NullDriver is a driver of NullBackend.
type NullDriver struct {
	*base
	owner *NullBackend

	clockMu sync.Mutex
	rate    chan uint32
}

func (d *NullDriver) start(spec Spec, bind func(Spec) *period) (Spec, func() error, error) {
	granted, err := d.owner.negotiate(d.deviceID, spec)
	if err != nil {
		return Spec{}, nil, err
	}
	p := bind(granted)

	rate := make(chan uint32, 1)
	d.clockMu.Lock()
	d.rate = rate
	d.clockMu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	go d.clock(granted, p, rate, stop, done)

	return granted, func() error {
		d.clockMu.Lock()
		d.rate = nil
		d.clockMu.Unlock()
		close(stop)
		<-done
		return nil
	}, nil
}

// clock runs one period per period duration until stop closes.
func (d *NullDriver) clock(spec Spec, p *period, rate <-chan uint32, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	frames := int(spec.FramesPerPeriod)
	out := make([]float32, frames*int(spec.Channels))

	ticker := time.NewTicker(max(spec.PeriodDuration(), time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case r := <-rate:
			spec.SampleRate = r
			ticker.Reset(max(spec.PeriodDuration(), time.Millisecond))
			// OnChange may close this driver, which waits for this loop.
			go d.changeSampleRate(r)
		case <-ticker.C:
			p.renderInterleaved(out, frames)
		}
	}
}

// SetSampleRate simulates the audio server switching rate while open.
func (d *NullDriver) SetSampleRate(rate uint32) {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	if d.rate == nil {
		return
	}
	select {
	case d.rate <- rate:
	default:
	}
}
