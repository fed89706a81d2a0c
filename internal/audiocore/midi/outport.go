package midi

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/events"
	"github.com/tphakala/audiobridge/internal/logging"
)

// EventSink accepts events for delivery on the next driver period.
type EventSink interface {
	PushMidiEvent(ev Event) bool
}

// Publisher receives port notifications.
type Publisher interface {
	Publish(ev events.Event)
}

// OutPort aggregates the ports of several providers behind one connect
// and send surface. It also implements Port so the driver callback can
// write to whichever port is connected without locking.
type OutPort struct {
	sink      EventSink
	providers []PortProvider
	publisher Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	deviceID string
	current  atomic.Pointer[portBox]
	known    []string
	sendErrs atomic.Uint64
}

type portBox struct{ port Port }

// NewOutPort creates an unconnected output port manager.
func NewOutPort(sink EventSink, publisher Publisher, providers ...PortProvider) *OutPort {
	return &OutPort{
		sink:      sink,
		providers: providers,
		publisher: publisher,
		logger:    logging.ServiceOrDefault("audiocore.midi"),
	}
}

// SetSink replaces the event sink, used when the driver changes.
func (o *OutPort) SetSink(sink EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = sink
}

// AvailableDevices lists every provider port plus the "none" entry.
// A failing provider contributes nothing.
func (o *OutPort) AvailableDevices(ctx context.Context) []PortInfo {
	byProvider, _ := o.enumerate(ctx)
	var out []PortInfo
	for _, p := range o.providers {
		out = append(out, byProvider[p.Name()]...)
	}
	return append(out, PortInfo{ID: audiocore.NoneDeviceID, Name: audiocore.NoneDeviceName})
}

// enumerate returns the qualified ports of each provider and the names of
// the providers whose enumeration failed.
func (o *OutPort) enumerate(ctx context.Context) (map[string][]PortInfo, []string) {
	byProvider := make(map[string][]PortInfo, len(o.providers))
	var failed []string
	for _, p := range o.providers {
		ports, err := p.Ports(ctx)
		if err != nil {
			o.logger.Warn("midi port enumeration failed", "provider", p.Name(), "error", err)
			failed = append(failed, p.Name())
			continue
		}
		for _, port := range ports {
			byProvider[p.Name()] = append(byProvider[p.Name()], PortInfo{ID: p.Name() + ":" + port.ID, Name: port.Name})
		}
	}
	return byProvider, failed
}

func (o *OutPort) deviceExists(ctx context.Context, id string) bool {
	return slices.ContainsFunc(o.AvailableDevices(ctx), func(p PortInfo) bool { return p.ID == id })
}

// Connect opens the port with the given aggregated id. Connecting to
// "none" disconnects. A port-changed notification follows every attempt
// on an existing id.
func (o *OutPort) Connect(ctx context.Context, id string) error {
	if !o.deviceExists(ctx, id) {
		return errors.New(audiocore.ErrMidiPortNotFound).
			Component("audiocore.midi").
			Context("port", id).
			Build()
	}
	defer o.notify(id)

	if id == "" || id == audiocore.NoneDeviceID {
		o.Disconnect()
		return nil
	}

	providerName, portID, _ := strings.Cut(id, ":")
	idx := slices.IndexFunc(o.providers, func(p PortProvider) bool { return p.Name() == providerName })
	if idx < 0 {
		return errors.New(audiocore.ErrMidiPortNotFound).
			Component("audiocore.midi").
			Context("port", id).
			Build()
	}

	port, err := o.providers[idx].Open(portID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	old := o.current.Swap(&portBox{port: port})
	o.deviceID = id
	o.mu.Unlock()

	if old != nil {
		_ = old.port.Close()
	}

	o.logger.Info("midi output connected", "port", id)
	return nil
}

// Disconnect closes the connected port, if any.
func (o *OutPort) Disconnect() {
	o.mu.Lock()
	old := o.current.Swap(nil)
	prev := o.deviceID
	o.deviceID = ""
	o.mu.Unlock()

	if old == nil {
		return
	}
	if err := old.port.Close(); err != nil {
		o.logger.Warn("closing midi port failed", "port", prev, "error", err)
	}
	o.logger.Info("midi output disconnected", "port", prev)
}

// IsConnected reports whether a port is connected.
func (o *OutPort) IsConnected() bool {
	return o.current.Load() != nil
}

// DeviceID returns the connected port id or "".
func (o *OutPort) DeviceID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deviceID
}

// SendEvent validates ev and queues it for the next driver period.
func (o *OutPort) SendEvent(ev Event) error {
	if !o.IsConnected() {
		return audiocore.ErrMidiNotConnected
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	sink := o.sink
	o.mu.Unlock()

	if sink == nil || !sink.PushMidiEvent(ev) {
		return errors.New(audiocore.ErrQueueFull).
			Component("audiocore.midi").
			Context("event", ev.String()).
			Build()
	}
	return nil
}

// Name implements Port.
func (o *OutPort) Name() string {
	return o.DeviceID()
}

// Send implements Port for the driver callback. Without a connected
// port the message is dropped.
func (o *OutPort) Send(msg []byte) error {
	box := o.current.Load()
	if box == nil {
		return nil
	}
	if err := box.port.Send(msg); err != nil {
		o.sendErrs.Add(1)
		return err
	}
	return nil
}

// Close implements Port.
func (o *OutPort) Close() error {
	o.Disconnect()
	return nil
}

// SendErrors returns how many port writes failed.
func (o *OutPort) SendErrors() uint64 {
	return o.sendErrs.Load()
}

// Refresh re-enumerates ports, disconnects when the connected port
// vanished and reports whether the list changed. A provider whose
// enumeration fails keeps the ports it had at the previous refresh.
func (o *OutPort) Refresh(ctx context.Context) bool {
	byProvider, failed := o.enumerate(ctx)

	o.mu.Lock()
	var ids []string
	for _, p := range o.providers {
		name := p.Name()
		if slices.Contains(failed, name) {
			for _, id := range o.known {
				if strings.HasPrefix(id, name+":") {
					ids = append(ids, id)
				}
			}
			continue
		}
		for _, port := range byProvider[name] {
			ids = append(ids, port.ID)
		}
	}
	ids = append(ids, audiocore.NoneDeviceID)
	changed := o.known != nil && !slices.Equal(o.known, ids)
	o.known = ids
	current := o.deviceID
	o.mu.Unlock()

	if current != "" && !slices.Contains(ids, current) {
		o.logger.Warn("connected midi port removed", "port", current)
		o.Disconnect()
		o.notify("")
	}

	if changed && o.publisher != nil {
		o.publisher.Publish(events.Event{
			Kind:    events.KindAvailableDevicesChanged,
			Source:  "midi",
			Devices: ids,
		})
	}
	return changed
}

// Watch calls Refresh every interval until ctx is done.
func (o *OutPort) Watch(ctx context.Context, interval time.Duration) {
	o.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Refresh(ctx)
		}
	}
}

func (o *OutPort) notify(id string) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(events.Event{
		Kind:     events.KindMidiPortChanged,
		Source:   "midi",
		DeviceID: id,
	})
}
