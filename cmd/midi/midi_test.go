package midi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/errors"
)

func TestParseEvent(t *testing.T) {
	t.Parallel()

	ev, err := parseEvent(3, []string{"note_on", "60", "100"})
	require.NoError(t, err)
	assert.Equal(t, midi.Event{Opcode: midi.NoteOn, Channel: 3, Data1: 60, Data2: 100}, ev)

	ev, err = parseEvent(0, []string{"pitch_bend"})
	require.NoError(t, err)
	assert.Equal(t, uint16(midi.PitchBendCenter), ev.PitchBend)

	ev, err = parseEvent(0, []string{"pitch_bend", "16383"})
	require.NoError(t, err)
	assert.Equal(t, uint16(16383), ev.PitchBend)

	ev, err = parseEvent(1, []string{"program_change", "12"})
	require.NoError(t, err)
	assert.Equal(t, uint8(12), ev.Data1)
}

func TestParseEventRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := parseEvent(0, []string{"sysex"})
	require.ErrorIs(t, err, audiocore.ErrUnsupportedOpcode)

	_, err = parseEvent(0, []string{"note_on", "128"})
	require.ErrorIs(t, err, audiocore.ErrInvalidEvent)

	_, err = parseEvent(0, []string{"control_change", "seven"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = parseEvent(16, []string{"note_off", "60"})
	require.ErrorIs(t, err, audiocore.ErrInvalidEvent)
}
