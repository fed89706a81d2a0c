package midi

import (
	"context"
)

// Port is an open MIDI output. Send receives the raw bytes of one message
// and may be called from the driver callback, so implementations must not
// block for long.
type Port interface {
	Name() string
	Send(msg []byte) error
	Close() error
}

// PortInfo describes an output port offered by a PortProvider.
type PortInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PortProvider enumerates and opens one family of MIDI outputs.
type PortProvider interface {
	// Name is a short provider name used as the id prefix, e.g. "serial".
	Name() string
	Ports(ctx context.Context) ([]PortInfo, error)
	Open(id string) (Port, error)
}

// discardPort accepts and drops every message.
type discardPort struct{}

func (discardPort) Name() string        { return "discard" }
func (discardPort) Send(_ []byte) error { return nil }
func (discardPort) Close() error        { return nil }

// Discard is a Port that drops everything.
var Discard Port = discardPort{}
