package midi

import (
	"context"

	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// DriverProvider exposes the outputs of the registered gomidi driver. With
// no driver compiled in (see the rtmidi build tag) it lists nothing.
type DriverProvider struct {
	driver func() drivers.Driver
}

// NewDriverProvider returns a provider over drivers.Get().
func NewDriverProvider() *DriverProvider {
	return &DriverProvider{driver: drivers.Get}
}

// Name implements PortProvider.
func (p *DriverProvider) Name() string { return "gomidi" }

// Ports lists the driver outputs by name.
func (p *DriverProvider) Ports(_ context.Context) ([]PortInfo, error) {
	drv := p.driver()
	if drv == nil {
		return nil, nil
	}

	outs, err := drv.Outs()
	if err != nil {
		return nil, errors.New(err).
			Component("audiocore.midi").
			Category(errors.CategoryMIDI).
			Context("operation", "list_driver_outputs").
			Context("driver", drv.String()).
			Build()
	}

	ports := make([]PortInfo, 0, len(outs))
	for _, out := range outs {
		ports = append(ports, PortInfo{ID: out.String(), Name: out.String()})
	}
	return ports, nil
}

// Open opens the driver output named id.
func (p *DriverProvider) Open(id string) (Port, error) {
	drv := p.driver()
	if drv == nil {
		return nil, errors.New(audiocore.ErrMidiPortNotFound).
			Component("audiocore.midi").
			Context("port", id).
			Build()
	}

	outs, err := drv.Outs()
	if err != nil {
		return nil, errors.New(err).
			Component("audiocore.midi").
			Category(errors.CategoryMIDI).
			Context("operation", "list_driver_outputs").
			Build()
	}

	for _, out := range outs {
		if out.String() != id {
			continue
		}
		if err := out.Open(); err != nil {
			return nil, errors.New(err).
				Component("audiocore.midi").
				Category(errors.CategoryMIDI).
				Context("operation", "open_driver_output").
				Context("port", id).
				Build()
		}
		return &driverPort{out: out}, nil
	}

	return nil, errors.New(audiocore.ErrMidiPortNotFound).
		Component("audiocore.midi").
		Context("port", id).
		Build()
}

type driverPort struct {
	out drivers.Out
}

func (d *driverPort) Name() string          { return d.out.String() }
func (d *driverPort) Send(msg []byte) error { return d.out.Send(msg) }
func (d *driverPort) Close() error          { return d.out.Close() }
