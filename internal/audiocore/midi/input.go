package midi

import (
	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// InputPorts lists the inputs of the registered gomidi driver.
func InputPorts() []string {
	ins := gomidi.GetInPorts()
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names
}

// ListenInput calls fn for every supported channel message arriving on
// the driver input named name until stop is called. fn runs on the
// driver's goroutine.
func ListenInput(name string, fn func(Event)) (stop func(), err error) {
	in, err := gomidi.FindInPort(name)
	if err != nil {
		return nil, errors.New(audiocore.ErrMidiPortNotFound).
			Component("audiocore.midi").
			Context("port", name).
			Context("direction", "in").
			Build()
	}

	stop, err = gomidi.ListenTo(in, func(msg gomidi.Message, _ int32) {
		if ev, ok := FromMessage(msg); ok {
			fn(ev)
		}
	})
	if err != nil {
		return nil, errors.New(err).
			Component("audiocore.midi").
			Category(errors.CategoryMIDI).
			Context("operation", "listen_input").
			Context("port", name).
			Build()
	}
	return stop, nil
}
