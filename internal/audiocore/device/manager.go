// Package device selects the output device, owns the current driver and
// keeps it open across device and buffer-size changes.
package device

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/events"
	"github.com/tphakala/audiobridge/internal/logging"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// State is the lifecycle state of the current driver.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateClosed
	StateReopening
)

var stateNames = []string{"unopened", "open", "closed", "reopening"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Record is an entry of the output device list.
type Record struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Backend     string `json:"backend,omitempty"`
	IsDefault   bool   `json:"is_default,omitempty"`
}

// Publisher receives device notifications.
type Publisher interface {
	Publish(ev events.Event)
}

// Config tunes a Manager.
type Config struct {
	// CacheTTL is how long an enumeration is reused; zero disables caching.
	CacheTTL time.Duration
	// ListenerInterval is the polling period of Listen.
	ListenerInterval time.Duration
	// WatchPaths are directories whose changes trigger re-enumeration.
	WatchPaths []string
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         2 * time.Second,
		ListenerInterval: 2 * time.Second,
		WatchPaths:       []string{"/dev/snd"},
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records manager metrics.
func WithMetrics(m *metrics.AudioMetrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithID overrides the generated manager id.
func WithID(id string) Option {
	return func(mgr *Manager) { mgr.id = id }
}

const devicesKey = "devices"

// Manager owns the backend registry and the current output driver.
type Manager struct {
	id        string
	registry  *driver.Registry
	publisher Publisher
	metrics   *metrics.AudioMetrics
	logger    *slog.Logger
	cfg       Config

	devices *cache.Cache
	group   singleflight.Group

	mu         sync.Mutex
	current    driver.Driver
	currentID  string
	state      State
	request    driver.Spec
	granted    driver.Spec
	wantOpen   bool
	bufferSize uint32
	midiPort   midi.Port

	listenMu sync.Mutex
	known    []string

	obsMu     sync.Mutex
	observers map[uint64]func(events.Event)
	nextObs   uint64

	reopens atomic.Uint64
}

// NewManager creates a manager over registry. No device is selected until
// SelectOutputDevice.
func NewManager(registry *driver.Registry, publisher Publisher, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		id:        uuid.NewString(),
		registry:  registry,
		publisher: publisher,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.ServiceOrDefault("audiocore.device").With("manager_id", m.id)
	if cfg.CacheTTL > 0 {
		// No janitor goroutine; expired entries are skipped on Get.
		m.devices = cache.New(cfg.CacheTTL, 0)
	}
	m.recordState(StateUnopened)
	return m
}

// ID returns the manager instance id.
func (m *Manager) ID() string { return m.id }

// Registry returns the backend registry.
func (m *Manager) Registry() *driver.Registry { return m.registry }

// AvailableOutputDevices lists "none" followed by every backend's devices
// in registration order. Backends that fail to enumerate are logged and
// skipped.
func (m *Manager) AvailableOutputDevices(ctx context.Context) []Record {
	if m.devices != nil {
		if cached, ok := m.devices.Get(devicesKey); ok {
			return slices.Clone(cached.([]Record))
		}
	}
	return m.enumerate(ctx).records
}

// enumeration is one probe of every backend. failed names the backends
// whose probe returned an error and so contributed no records.
type enumeration struct {
	records []Record
	failed  []string
}

// enumerate probes every backend, sharing one probe among concurrent
// callers, and refreshes the cache.
func (m *Manager) enumerate(ctx context.Context) enumeration {
	v, _, _ := m.group.Do(devicesKey, func() (any, error) {
		records := []Record{{ID: audiocore.NoneDeviceID, DisplayName: audiocore.NoneDeviceName}}

		devices, failed, err := m.registry.Devices(ctx)
		if err != nil {
			m.logger.Warn("device enumeration incomplete", "failed_backends", failed, "error", err)
		}
		for _, d := range devices {
			records = append(records, Record{
				ID:          d.ID,
				DisplayName: d.Name,
				Backend:     d.Backend,
				IsDefault:   d.IsDefault,
			})
		}

		if m.devices != nil {
			m.devices.Set(devicesKey, records, cache.DefaultExpiration)
		}
		return enumeration{records: records, failed: failed}, nil
	})
	e := v.(enumeration)
	return enumeration{records: slices.Clone(e.records), failed: slices.Clone(e.failed)}
}

func (m *Manager) deviceExists(ctx context.Context, id string) bool {
	return slices.ContainsFunc(m.AvailableOutputDevices(ctx), func(r Record) bool { return r.ID == id })
}

// SelectOutputDevice makes id the current device. Selecting the current
// device does nothing. When a client has the output open, the new device is
// opened with the previous request, also after a disconnect or a failed
// reopen left the output closed; if that fails the new device stays
// selected and closed and the error is returned. After Close the new device
// is only selected.
func (m *Manager) SelectOutputDevice(ctx context.Context, id string) error {
	if id == "" {
		id = audiocore.NoneDeviceID
	}

	m.mu.Lock()
	if m.currentID == id {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if !m.deviceExists(ctx, id) {
		return errors.New(audiocore.ErrUnknownDevice).
			Component("audiocore.device").
			Context("device_id", id).
			Build()
	}

	var n notices
	defer m.deliver(&n)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have won the race while enumerating.
	if m.currentID == id {
		return nil
	}

	var next driver.Driver
	if id != audiocore.NoneDeviceID {
		d, err := m.registry.NewDriver(id)
		if err != nil {
			return err
		}
		if m.bufferSize != 0 {
			if err := d.SetOutputDeviceBufferSize(m.bufferSize); err != nil {
				m.logger.Warn("device rejected buffer size", "device_id", id, "buffer_size", m.bufferSize, "error", err)
			}
		}
		if m.midiPort != nil {
			d.SetMidiPort(m.midiPort)
		}
		next = d
	}

	previous := m.currentID
	wasOpen := m.state == StateOpen
	request := m.reopenRequest()

	if wasOpen {
		m.setState(StateReopening)
	}
	if err := m.closeCurrent(); err != nil {
		m.logger.Warn("closing previous device failed", "device_id", previous, "error", err)
	}

	m.current = next
	m.currentID = id
	if next != nil && m.metrics != nil {
		m.metrics.RecordDeviceChange(m.id, next.Backend())
	}

	n.events = append(n.events, events.Event{
		Kind:       events.KindOutputDeviceChanged,
		Source:     "device",
		DeviceID:   id,
		PreviousID: previous,
	})
	m.logger.Info("output device selected", "device_id", id, "previous_id", previous)

	m.setState(StateUnopened)
	if !m.wantOpen || m.current == nil || request.Callback == nil {
		return nil
	}

	m.reopens.Add(1)
	if m.metrics != nil {
		m.metrics.RecordReopen(m.id, "device_change")
	}
	_, err := m.openLocked(request, &n)
	return err
}

// SetOutputDeviceBufferSize changes the frames per period. An open device
// is closed, reconfigured and reopened; a closed one is only reconfigured.
// Exactly one BufferSizeChanged notification follows a change.
func (m *Manager) SetOutputDeviceBufferSize(_ context.Context, size uint32) error {
	var n notices
	defer m.deliver(&n)

	m.mu.Lock()
	defer m.mu.Unlock()

	if size == m.currentBufferSizeLocked() {
		return nil
	}
	if !slices.Contains(m.availableBufferSizesLocked(), size) {
		return errors.New(audiocore.ErrInvalidBufferSize).
			Component("audiocore.device").
			Context("buffer_size", size).
			Context("device_id", m.currentID).
			Build()
	}

	wasOpen := m.state == StateOpen
	request := m.reopenRequest()

	if wasOpen {
		m.setState(StateReopening)
		if err := m.closeCurrent(); err != nil {
			m.logger.Warn("closing device for buffer size change failed", "error", err)
		}
		m.setState(StateClosed)
	}

	m.bufferSize = size
	if m.current != nil {
		if err := m.current.SetOutputDeviceBufferSize(size); err != nil {
			return err
		}
	}

	// The notification carries what the reopened device granted, which
	// may differ from size.
	granted := size
	var err error
	if wasOpen && m.current != nil {
		m.reopens.Add(1)
		if m.metrics != nil {
			m.metrics.RecordReopen(m.id, "buffer_size")
		}
		var active driver.Spec
		if active, err = m.openLocked(request, &n); err == nil {
			granted = active.FramesPerPeriod
		}
	}

	n.events = append([]events.Event{{
		Kind:       events.KindBufferSizeChanged,
		Source:     "device",
		DeviceID:   m.currentID,
		BufferSize: granted,
	}}, n.events...)
	m.logger.Info("output buffer size changed", "buffer_size", granted, "requested", size, "device_id", m.currentID)
	return err
}

// OutputDeviceBufferSize returns the frames per period in use or configured.
func (m *Manager) OutputDeviceBufferSize() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBufferSizeLocked()
}

func (m *Manager) currentBufferSizeLocked() uint32 {
	if m.current != nil {
		if n := m.current.OutputDeviceBufferSize(); n != 0 {
			return n
		}
	}
	return m.bufferSize
}

// AvailableBufferSizes lists the buffer sizes of the current device.
func (m *Manager) AvailableBufferSizes() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableBufferSizesLocked()
}

func (m *Manager) availableBufferSizesLocked() []uint32 {
	if m.current != nil {
		return m.current.AvailableBufferSizes()
	}
	return driver.PowerOfTwoBufferSizes(0)
}

// Open opens the current device with requested and returns the granted
// spec. The request is remembered for later reopens, and after a successful
// open device changes keep the output open until Close.
func (m *Manager) Open(_ context.Context, requested driver.Spec) (driver.Spec, error) {
	var n notices
	defer m.deliver(&n)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return driver.Spec{}, errors.New(audiocore.ErrNoDevice).
			Component("audiocore.device").
			Context("device_id", m.currentID).
			Build()
	}
	granted, err := m.openLocked(requested, &n)
	if err == nil {
		m.wantOpen = true
	}
	return granted, err
}

// openLocked opens the current driver and, when the granted format differs
// from the previous grant, queues a SpecChanged notification and the
// request's OnChange.
func (m *Manager) openLocked(requested driver.Spec, n *notices) (driver.Spec, error) {
	m.request = requested

	start := time.Now()
	granted, err := m.current.Open(requested)
	if err != nil {
		m.setState(StateClosed)
		m.logger.Error("opening output device failed", "device_id", m.currentID, "error", err)
		return driver.Spec{}, err
	}

	m.setState(StateOpen)
	if m.metrics != nil {
		m.metrics.RecordOpenDuration(m.id, m.current.Backend(), time.Since(start).Seconds())
		m.metrics.SetActiveFormat(m.id, granted.SampleRate, granted.FramesPerPeriod)
	}
	m.logger.Info("output device opened",
		"device_id", m.currentID,
		"sample_rate", granted.SampleRate,
		"channels", granted.Channels,
		"frames_per_period", granted.FramesPerPeriod)

	previous := m.granted
	m.granted = granted
	if previous.SampleRate != 0 && !previous.SameFormat(granted) {
		n.events = append(n.events, events.Event{
			Kind:       events.KindSpecChanged,
			Source:     "device",
			DeviceID:   m.currentID,
			SampleRate: granted.SampleRate,
			BufferSize: granted.FramesPerPeriod,
		})
		if requested.OnChange != nil {
			onChange := requested.OnChange
			n.changes = append(n.changes, func() { onChange(granted) })
		}
	}
	return granted, nil
}

// Close closes the current device. Later selections no longer open the
// new device.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wantOpen = false
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	if m.current == nil || !m.current.IsOpen() {
		return nil
	}
	err := m.closeCurrent()
	m.setState(StateClosed)
	return err
}

// Disconnect closes the current device and selects "none". A client that
// had the output open keeps its request, so the next selected device is
// opened with it.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	id := m.currentID
	err := m.closeLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("closing disconnected device failed", "device_id", id, "error", err)
	}
	m.publish(events.Event{Kind: events.KindDeviceDisconnected, Source: "device", DeviceID: id})
	return m.SelectOutputDevice(ctx, audiocore.NoneDeviceID)
}

// Current returns the selected device id, "" before any selection.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// Driver returns the current driver or nil.
func (m *Manager) Driver() driver.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveSpec returns the granted spec of the open device.
func (m *Manager) ActiveSpec() driver.Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return driver.Spec{}
	}
	return m.current.ActiveSpec()
}

// Reopens returns how many times a device was reopened by a change.
func (m *Manager) Reopens() uint64 {
	return m.reopens.Load()
}

// PushMidiEvent queues ev on the current driver.
func (m *Manager) PushMidiEvent(ev midi.Event) bool {
	m.mu.Lock()
	d := m.current
	m.mu.Unlock()
	if d == nil {
		return false
	}
	return d.PushMidiEvent(ev)
}

// SetMidiPort sets the MIDI output of the current and future drivers.
func (m *Manager) SetMidiPort(port midi.Port) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.midiPort = port
	if m.current != nil {
		m.current.SetMidiPort(port)
	}
}

// DriverStats returns the current driver's counters.
func (m *Manager) DriverStats() driver.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return driver.Stats{}
	}
	return m.current.Stats()
}

// reopenRequest is the spec a replacement driver is opened with: the
// active spec of the current device when open, else the last request.
func (m *Manager) reopenRequest() driver.Spec {
	req := m.request
	if m.current != nil && m.current.IsOpen() {
		active := m.current.ActiveSpec()
		active.Callback = req.Callback
		active.OnChange = req.OnChange
		return active
	}
	return req
}

func (m *Manager) closeCurrent() error {
	if m.current == nil || !m.current.IsOpen() {
		return nil
	}
	return m.current.Close()
}

func (m *Manager) setState(s State) {
	m.state = s
	m.recordState(s)
}

func (m *Manager) recordState(s State) {
	if m.metrics != nil {
		m.metrics.SetDeviceState(m.id, s.String(), stateNames)
	}
}

// notices are collected under the lock and delivered after it is released.
type notices struct {
	events  []events.Event
	changes []func()
}

func (m *Manager) deliver(n *notices) {
	m.publish(n.events...)
	for _, fn := range n.changes {
		fn()
	}
}

func (m *Manager) publish(evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	if m.publisher != nil {
		for _, ev := range evs {
			m.publisher.Publish(ev)
		}
	}

	m.obsMu.Lock()
	observers := make([]func(events.Event), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.obsMu.Unlock()
	for _, ev := range evs {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

// Observe calls fn with every notification the manager publishes, on the
// publishing goroutine and without the manager's lock held. The returned
// function removes fn.
func (m *Manager) Observe(fn func(events.Event)) (cancel func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	if m.observers == nil {
		m.observers = make(map[uint64]func(events.Event))
	}
	m.nextObs++
	id := m.nextObs
	m.observers[id] = fn
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}
