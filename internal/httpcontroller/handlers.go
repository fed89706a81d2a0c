package httpcontroller

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/audiobridge/internal/audiocore/device"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/errors"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// DevicesResponse lists outputs and buffer sizes.
type DevicesResponse struct {
	Devices     []device.Record `json:"devices"`
	Current     string          `json:"current"`
	BufferSize  uint32          `json:"buffer_size"`
	BufferSizes []uint32        `json:"buffer_sizes"`
}

// SelectDeviceRequest is the body of POST /api/v1/devices/select.
type SelectDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// BufferSizeRequest is the body of POST /api/v1/buffersize.
type BufferSizeRequest struct {
	Size uint32 `json:"size"`
}

// SpecResponse is the active stream format.
type SpecResponse struct {
	SampleRate      uint32 `json:"sample_rate"`
	Channels        uint16 `json:"channels"`
	FramesPerPeriod uint32 `json:"frames_per_period"`
}

// EngineResponse carries render engine counters.
type EngineResponse struct {
	Running        bool    `json:"running"`
	SoftwareTiming bool    `json:"software_timing"`
	RingFill       float64 `json:"ring_fill"`
	Underruns      uint64  `json:"underruns"`
	MissingFrames  uint64  `json:"missing_frames"`
	RenderedFrames uint64  `json:"rendered_frames"`
	WorkerInterval string  `json:"worker_interval"`
	Periods        uint64  `json:"periods"`
	MidiSent       uint64  `json:"midi_sent"`
	MidiDropped    uint64  `json:"midi_dropped"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Device     string          `json:"device"`
	State      string          `json:"state"`
	Spec       *SpecResponse   `json:"spec,omitempty"`
	BufferSize uint32          `json:"buffer_size"`
	Engine     *EngineResponse `json:"engine,omitempty"`
	MidiPort   string          `json:"midi_port,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// MidiRequest is the body of POST /api/v1/midi.
type MidiRequest struct {
	Opcode    string `json:"opcode"`
	Channel   uint8  `json:"channel"`
	Data1     uint8  `json:"data1"`
	Data2     uint8  `json:"data2"`
	PitchBend uint16 `json:"pitch_bend"`
}

// MidiConnectRequest is the body of POST /api/v1/midi/connect.
type MidiConnectRequest struct {
	PortID string `json:"port_id"`
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryNotFound):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryState):
		return http.StatusConflict
	case errors.IsCategory(err, errors.CategoryLimit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError logs err and writes an ErrorResponse.
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	s.logger.Warn(message, "error", err, "path", c.Request().URL.Path, "status", code)
	resp := ErrorResponse{Message: message, Code: code}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Error = message
	}
	return c.JSON(code, resp)
}

// GetDevices handles GET /api/v1/devices
func (s *Server) GetDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, DevicesResponse{
		Devices:     s.devices.AvailableOutputDevices(c.Request().Context()),
		Current:     s.devices.Current(),
		BufferSize:  s.devices.OutputDeviceBufferSize(),
		BufferSizes: s.devices.AvailableBufferSizes(),
	})
}

// SelectDevice handles POST /api/v1/devices/select
func (s *Server) SelectDevice(c echo.Context) error {
	var req SelectDeviceRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if err := s.devices.SelectOutputDevice(c.Request().Context(), req.DeviceID); err != nil {
		return s.handleError(c, err, "selecting output device failed", statusFor(err))
	}
	return s.GetDevices(c)
}

// SetBufferSize handles POST /api/v1/buffersize
func (s *Server) SetBufferSize(c echo.Context) error {
	var req BufferSizeRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if err := s.devices.SetOutputDeviceBufferSize(c.Request().Context(), req.Size); err != nil {
		return s.handleError(c, err, "changing buffer size failed", statusFor(err))
	}
	return s.GetDevices(c)
}

// GetStatus handles GET /api/v1/status
func (s *Server) GetStatus(c echo.Context) error {
	resp := StatusResponse{
		Device:     s.devices.Current(),
		State:      s.devices.State().String(),
		BufferSize: s.devices.OutputDeviceBufferSize(),
		Timestamp:  time.Now(),
	}
	if spec := s.devices.ActiveSpec(); spec.SampleRate != 0 {
		resp.Spec = &SpecResponse{
			SampleRate:      spec.SampleRate,
			Channels:        spec.Channels,
			FramesPerPeriod: spec.FramesPerPeriod,
		}
	}
	if s.engine != nil {
		st := s.engine.Stats()
		er := &EngineResponse{
			Running:        s.engine.Running(),
			SoftwareTiming: st.SoftwareTiming,
			Underruns:      st.Ring.Underruns,
			MissingFrames:  st.Ring.MissingFrames,
			RenderedFrames: st.Worker.RenderedFrames,
			WorkerInterval: st.Worker.Interval.String(),
			Periods:        st.Driver.Periods,
			MidiSent:       st.Driver.MidiSent,
			MidiDropped:    st.Driver.MidiOverflow + st.Driver.MidiUnsupported + st.Driver.MidiSendErrors,
		}
		if st.Ring.Capacity > 0 {
			er.RingFill = float64(st.Ring.Readable) / float64(st.Ring.Capacity)
		}
		resp.Engine = er
	}
	if s.midi != nil {
		resp.MidiPort = s.midi.DeviceID()
	}
	return c.JSON(http.StatusOK, resp)
}

// GetMidiPorts handles GET /api/v1/midi/ports
func (s *Server) GetMidiPorts(c echo.Context) error {
	if s.midi == nil {
		return s.handleError(c, nil, "midi output disabled", http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ports":   s.midi.AvailableDevices(c.Request().Context()),
		"current": s.midi.DeviceID(),
	})
}

// ConnectMidi handles POST /api/v1/midi/connect
func (s *Server) ConnectMidi(c echo.Context) error {
	if s.midi == nil {
		return s.handleError(c, nil, "midi output disabled", http.StatusNotFound)
	}
	var req MidiConnectRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if err := s.midi.Connect(c.Request().Context(), req.PortID); err != nil {
		return s.handleError(c, err, "connecting midi port failed", statusFor(err))
	}
	return c.JSON(http.StatusOK, map[string]string{"current": s.midi.DeviceID()})
}

// SendMidi handles POST /api/v1/midi
func (s *Server) SendMidi(c echo.Context) error {
	if s.midi == nil {
		return s.handleError(c, nil, "midi output disabled", http.StatusNotFound)
	}
	var req MidiRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	op, ok := midi.ParseOpcode(req.Opcode)
	if !ok {
		return s.handleError(c, nil, "unknown opcode "+req.Opcode, http.StatusBadRequest)
	}

	ev := midi.Event{
		Opcode:    op,
		Channel:   req.Channel,
		Data1:     req.Data1,
		Data2:     req.Data2,
		PitchBend: req.PitchBend,
	}
	if err := s.midi.SendEvent(ev); err != nil {
		return s.handleError(c, err, "sending midi event failed", statusFor(err))
	}
	return c.NoContent(http.StatusAccepted)
}
