// Package httpcontroller exposes device selection, buffer size, status,
// MIDI sends and Prometheus metrics over HTTP.
package httpcontroller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/audiobridge/internal/audiocore/device"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/engine"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logging"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// DeviceController is the device manager surface the API drives.
type DeviceController interface {
	AvailableOutputDevices(ctx context.Context) []device.Record
	SelectOutputDevice(ctx context.Context, id string) error
	SetOutputDeviceBufferSize(ctx context.Context, size uint32) error
	OutputDeviceBufferSize() uint32
	AvailableBufferSizes() []uint32
	Current() string
	State() device.State
	ActiveSpec() driver.Spec
}

// EngineStatus reports render engine counters.
type EngineStatus interface {
	Running() bool
	Stats() engine.Stats
}

// MidiController is the MIDI output surface the API drives.
type MidiController interface {
	AvailableDevices(ctx context.Context) []midi.PortInfo
	Connect(ctx context.Context, id string) error
	Disconnect()
	DeviceID() string
	SendEvent(ev midi.Event) error
}

// Server encapsulates the Echo server and what it controls.
type Server struct {
	Echo *echo.Echo

	devices  DeviceController
	engine   EngineStatus
	midi     MidiController
	gatherer prometheus.Gatherer
	metrics  *metrics.HTTPMetrics
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEngine adds engine counters to the status endpoint.
func WithEngine(e EngineStatus) Option {
	return func(s *Server) { s.engine = e }
}

// WithMidi enables the MIDI endpoints.
func WithMidi(m MidiController) Option {
	return func(s *Server) { s.midi = m }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHTTPMetrics records per-route request metrics.
func WithHTTPMetrics(m *metrics.HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server with all routes registered.
func New(devices DeviceController, opts ...Option) *Server {
	s := &Server{
		Echo:     echo.New(),
		devices:  devices,
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.ServiceOrDefault("http"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.configureMiddleware()
	s.initRoutes()
	return s
}

func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:          true,
		LogStatus:       true,
		LogMethod:       true,
		LogLatency:      true,
		LogError:        true,
		LogResponseSize: true,
		HandleError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if s.metrics != nil {
				s.metrics.RecordRequest(v.Method, c.Path(), v.Status, v.Latency, v.ResponseSize)
			}
			level := slog.LevelDebug
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			s.logger.Log(context.Background(), level, "http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"error", v.Error)
			return nil
		},
	}))
}

func (s *Server) initRoutes() {
	api := s.Echo.Group("/api/v1")
	api.GET("/devices", s.GetDevices)
	api.POST("/devices/select", s.SelectDevice)
	api.POST("/buffersize", s.SetBufferSize)
	api.GET("/status", s.GetStatus)
	api.GET("/system", s.GetSystem)
	api.GET("/midi/ports", s.GetMidiPorts)
	api.POST("/midi/connect", s.ConnectMidi)
	api.POST("/midi", s.SendMidi)

	s.Echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Echo.Start(addr)
	}()
	s.logger.Info("HTTP server started", "listen", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("http").
			Category(errors.CategoryNetwork).
			Context("listen", addr).
			Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.Echo.Shutdown(shutdownCtx)
	<-errCh
	s.logger.Info("HTTP server stopped")
	return err
}
