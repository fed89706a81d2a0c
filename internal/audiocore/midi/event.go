// Package midi models MIDI channel events, the bounded queue that carries
// them to the driver callback and the output ports that serialize them.
package midi

import (
	"fmt"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// Opcode is a MIDI channel voice message type.
type Opcode uint8

const (
	OpcodeInvalid Opcode = iota
	NoteOff
	NoteOn
	PolyAftertouch
	ControlChange
	ProgramChange
	ChannelPressure
	PitchBend
)

func (o Opcode) String() string {
	switch o {
	case NoteOff:
		return "note_off"
	case NoteOn:
		return "note_on"
	case PolyAftertouch:
		return "poly_aftertouch"
	case ControlChange:
		return "control_change"
	case ProgramChange:
		return "program_change"
	case ChannelPressure:
		return "channel_pressure"
	case PitchBend:
		return "pitch_bend"
	default:
		return "invalid"
	}
}

// ParseOpcode maps the names returned by Opcode.String back to opcodes.
func ParseOpcode(s string) (Opcode, bool) {
	for o := NoteOff; o <= PitchBend; o++ {
		if o.String() == s {
			return o, true
		}
	}
	return OpcodeInvalid, false
}

// Supported reports whether output ports serialize this opcode.
func (o Opcode) Supported() bool {
	switch o {
	case NoteOn, NoteOff, ControlChange, ProgramChange, PitchBend:
		return true
	default:
		return false
	}
}

// status returns the high nibble of the status byte.
func (o Opcode) status() byte {
	switch o {
	case NoteOff:
		return 0x80
	case NoteOn:
		return 0x90
	case PolyAftertouch:
		return 0xA0
	case ControlChange:
		return 0xB0
	case ProgramChange:
		return 0xC0
	case ChannelPressure:
		return 0xD0
	case PitchBend:
		return 0xE0
	default:
		return 0
	}
}

// PitchBendCenter is the 14-bit pitch bend value for no bend.
const PitchBendCenter = 0x2000

// Event is a MIDI channel event.
type Event struct {
	Opcode  Opcode
	Channel uint8 // 0-15
	Data1   uint8 // note, controller or program, 0-127
	Data2   uint8 // velocity or controller value, 0-127

	// PitchBend is the 14-bit value for PitchBend events, 0-16383.
	PitchBend uint16

	Timestamp time.Duration
}

// Note returns a NoteOn event; velocity 0 is sent as NoteOn with zero velocity.
func Note(channel, key, velocity uint8) Event {
	return Event{Opcode: NoteOn, Channel: channel, Data1: key, Data2: velocity}
}

// Validate checks ranges and that the opcode is serializable.
func (e Event) Validate() error {
	if !e.Opcode.Supported() {
		return errors.New(audiocore.ErrUnsupportedOpcode).
			Component("audiocore.midi").
			Category(errors.CategoryValidation).
			Context("opcode", e.Opcode.String()).
			Build()
	}

	var problem string
	switch {
	case e.Channel > 15:
		problem = "channel"
	case e.Data1 > 127:
		problem = "data1"
	case e.Data2 > 127:
		problem = "data2"
	case e.Opcode == PitchBend && e.PitchBend > 0x3FFF:
		problem = "pitch_bend"
	}
	if problem != "" {
		return errors.New(audiocore.ErrInvalidEvent).
			Component("audiocore.midi").
			Category(errors.CategoryValidation).
			Context("field", problem).
			Context("opcode", e.Opcode.String()).
			Build()
	}

	return nil
}

// Encode writes the wire bytes of e into dst and returns the byte count.
// It returns 0 for unsupported opcodes. It does not allocate.
func (e Event) Encode(dst *[3]byte) int {
	if !e.Opcode.Supported() {
		return 0
	}

	dst[0] = e.Opcode.status() | (e.Channel & 0x0F)
	switch e.Opcode {
	case ProgramChange:
		dst[1] = e.Data1 & 0x7F
		return 2
	case PitchBend:
		dst[1] = byte(e.PitchBend & 0x7F)
		dst[2] = byte((e.PitchBend >> 7) & 0x7F)
		return 3
	default:
		dst[1] = e.Data1 & 0x7F
		dst[2] = e.Data2 & 0x7F
		return 3
	}
}

// Message converts e into a gomidi message for control-path ports.
func (e Event) Message() (gomidi.Message, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	switch e.Opcode {
	case NoteOn:
		return gomidi.NoteOn(e.Channel, e.Data1, e.Data2), nil
	case NoteOff:
		return gomidi.NoteOffVelocity(e.Channel, e.Data1, e.Data2), nil
	case ControlChange:
		return gomidi.ControlChange(e.Channel, e.Data1, e.Data2), nil
	case ProgramChange:
		return gomidi.ProgramChange(e.Channel, e.Data1), nil
	default:
		return gomidi.Pitchbend(e.Channel, int16(int(e.PitchBend)-PitchBendCenter)), nil
	}
}

// FromMessage parses a gomidi channel message. ok is false for messages
// that are not supported channel events.
func FromMessage(msg gomidi.Message) (ev Event, ok bool) {
	var ch, d1, d2 uint8
	var rel int16
	var abs uint16

	switch {
	case msg.GetNoteOn(&ch, &d1, &d2):
		return Event{Opcode: NoteOn, Channel: ch, Data1: d1, Data2: d2}, true
	case msg.GetNoteOff(&ch, &d1, &d2):
		return Event{Opcode: NoteOff, Channel: ch, Data1: d1, Data2: d2}, true
	case msg.GetControlChange(&ch, &d1, &d2):
		return Event{Opcode: ControlChange, Channel: ch, Data1: d1, Data2: d2}, true
	case msg.GetProgramChange(&ch, &d1):
		return Event{Opcode: ProgramChange, Channel: ch, Data1: d1}, true
	case msg.GetPitchBend(&ch, &rel, &abs):
		return Event{Opcode: PitchBend, Channel: ch, PitchBend: abs}, true
	}

	return Event{}, false
}

func (e Event) String() string {
	if e.Opcode == PitchBend {
		return fmt.Sprintf("%s ch=%d value=%d", e.Opcode, e.Channel, e.PitchBend)
	}
	return fmt.Sprintf("%s ch=%d data1=%d data2=%d", e.Opcode, e.Channel, e.Data1, e.Data2)
}
