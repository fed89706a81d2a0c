package midi

import (
	"context"
	"sync"

	"go.bug.st/serial"

	"github.com/tphakala/audiobridge/internal/errors"
)

// DINBaudRate is the MIDI 1.0 DIN serial bit rate.
const DINBaudRate = 31250

// SerialProvider opens serial ports wired to a DIN MIDI output, such as a
// USB UART or a Raspberry Pi PL011.
type SerialProvider struct {
	BaudRate int

	// listPorts is swapped in tests.
	listPorts func() ([]string, error)
}

// NewSerialProvider returns a provider using baudRate, or DINBaudRate when zero.
func NewSerialProvider(baudRate int) *SerialProvider {
	if baudRate <= 0 {
		baudRate = DINBaudRate
	}
	return &SerialProvider{BaudRate: baudRate, listPorts: serial.GetPortsList}
}

// Name implements PortProvider.
func (p *SerialProvider) Name() string { return "serial" }

// Ports lists the serial device paths.
func (p *SerialProvider) Ports(_ context.Context) ([]PortInfo, error) {
	names, err := p.listPorts()
	if err != nil {
		return nil, errors.New(err).
			Component("audiocore.midi").
			Category(errors.CategoryMIDI).
			Context("operation", "list_serial_ports").
			Build()
	}

	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, PortInfo{ID: name, Name: name})
	}
	return ports, nil
}

// Open opens the serial device at id with 8N1 framing.
func (p *SerialProvider) Open(id string) (Port, error) {
	sp, err := serial.Open(id, &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.New(err).
			Component("audiocore.midi").
			Category(errors.CategoryMIDI).
			Context("operation", "open_serial_port").
			Context("port", id).
			Context("baud_rate", p.BaudRate).
			Build()
	}
	return &serialPort{name: id, port: sp}, nil
}

type serialPort struct {
	name string
	mu   sync.Mutex
	port serial.Port
}

func (s *serialPort) Name() string { return s.name }

func (s *serialPort) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.port.Write(msg)
	return err
}

func (s *serialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}
