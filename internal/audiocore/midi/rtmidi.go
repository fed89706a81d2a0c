//go:build rtmidi

package midi

// The rtmidi driver needs cgo and the RtMidi library, so it is opt-in.
import _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
