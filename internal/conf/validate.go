package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateMainSettings,
		validateAudioSettings,
		validateMIDISettings,
		validateRecordSettings,
		validateMQTTSettings,
		validateWebServerSettings,
		validateTelemetrySettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateMainSettings(s *Settings) []string {
	var errs []string
	if s.Main.Log.Enabled && s.Main.Log.Path == "" {
		errs = append(errs, "main.log.path is required when file logging is enabled")
	}
	if s.Main.Log.MaxSize < 0 || s.Main.Log.MaxBackups < 0 || s.Main.Log.MaxAge < 0 {
		errs = append(errs, "main.log rotation values must not be negative")
	}
	return errs
}

func validateAudioSettings(s *Settings) []string {
	a := &s.Audio
	var errs []string

	if strings.TrimSpace(a.Backend) == "" {
		errs = append(errs, "audio.backend must not be empty")
	}
	if a.SampleRate < 8000 || a.SampleRate > 384000 {
		errs = append(errs, fmt.Sprintf("audio.samplerate must be between 8000 and 384000, got %d", a.SampleRate))
	}
	if a.Channels < 1 || a.Channels > 32 {
		errs = append(errs, fmt.Sprintf("audio.channels must be between 1 and 32, got %d", a.Channels))
	}
	if a.BufferSize < 16 || a.BufferSize > 4096 {
		errs = append(errs, fmt.Sprintf("audio.buffersize must be between 16 and 4096, got %d", a.BufferSize))
	}
	if a.RingBufferFrames < 0 {
		errs = append(errs, "audio.ringbufferframes must not be negative")
	}
	if a.MidiEventsPerPeriod < 1 {
		errs = append(errs, "audio.midieventsperperiod must be at least 1")
	}
	if a.MidiQueueCapacity < 1 {
		errs = append(errs, "audio.midiqueuecapacity must be at least 1")
	}

	switch strings.ToLower(a.Render.Mode) {
	case "idle", "realtime":
	default:
		errs = append(errs, fmt.Sprintf("audio.render.mode must be idle or realtime, got %q", a.Render.Mode))
	}
	if a.Render.MinReserveIdle < 0 || a.Render.MinReserveRealtime < 0 {
		errs = append(errs, "audio.render reserves must not be negative")
	}

	if a.Listener.Enabled && a.Listener.Interval <= 0 {
		errs = append(errs, "audio.listener.interval must be positive when the listener is enabled")
	}
	if a.Enumeration.CacheTTL < 0 {
		errs = append(errs, "audio.enumeration.cachettl must not be negative")
	}
	return errs
}

func validateMIDISettings(s *Settings) []string {
	if !s.MIDI.Enabled {
		return nil
	}
	var errs []string
	if s.MIDI.Port == "" {
		errs = append(errs, "midi.port is required when midi is enabled")
	}
	if s.MIDI.BaudRate < 0 {
		errs = append(errs, "midi.baudrate must not be negative")
	}
	return errs
}

func validateRecordSettings(s *Settings) []string {
	if !s.Record.Enabled {
		return nil
	}
	var errs []string
	if s.Record.Path == "" {
		errs = append(errs, "record.path is required when recording is enabled")
	}
	switch s.Record.BitDepth {
	case 16, 24, 32:
	default:
		errs = append(errs, fmt.Sprintf("record.bitdepth must be 16, 24 or 32, got %d", s.Record.BitDepth))
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	if s.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	} else if u, err := url.Parse(s.MQTT.Broker); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker must be a URL such as tcp://host:1883, got %q", s.MQTT.Broker))
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic is required when mqtt is enabled")
	}
	return errs
}

func validateWebServerSettings(s *Settings) []string {
	if !s.WebServer.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.WebServer.Listen); err != nil {
		return []string{fmt.Sprintf("webserver.listen must be host:port, got %q", s.WebServer.Listen)}
	}
	return nil
}

func validateTelemetrySettings(s *Settings) []string {
	if s.Telemetry.Enabled && s.Telemetry.DSN == "" {
		return []string{"telemetry.dsn is required when telemetry is enabled"}
	}
	return nil
}
