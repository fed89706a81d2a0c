package device

import (
	"context"
	"os"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/driver"
	"github.com/tphakala/audiobridge/internal/events"
)

// Listen watches for device changes until ctx is done. Changes under the
// configured watch paths trigger an immediate check; a ticker polls in
// between for backends that do not show up in the filesystem.
func (m *Manager) Listen(ctx context.Context) error {
	interval := m.cfg.ListenerInterval
	if interval <= 0 {
		interval = DefaultConfig().ListenerInterval
	}

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if watcher := m.newWatcher(); watcher != nil {
		defer func() { _ = watcher.Close() }()
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	m.CheckDevices(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckDevices(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) {
				m.logger.Debug("device node changed", "path", ev.Name, "op", ev.Op.String())
				m.CheckDevices(ctx)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			m.logger.Warn("device watcher error", "error", err)
		}
	}
}

func (m *Manager) newWatcher() *fsnotify.Watcher {
	var paths []string
	for _, p := range m.cfg.WatchPaths {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("device watcher unavailable, polling only", "error", err)
		return nil
	}
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			m.logger.Warn("cannot watch device path", "path", p, "error", err)
		}
	}
	return watcher
}

// CheckDevices re-enumerates without the cache, publishes
// AvailableDevicesChanged when the list differs from the previous check and
// disconnects the current device when it disappeared. It reports whether
// the list changed. A backend whose probe fails keeps the devices it had at
// the previous check, so a failing probe never looks like a removal.
func (m *Manager) CheckDevices(ctx context.Context) bool {
	e := m.enumerate(ctx)

	m.listenMu.Lock()
	ids := m.mergeKnown(e)
	changed := m.known != nil && !slices.Equal(m.known, ids)
	m.known = ids
	m.listenMu.Unlock()

	if changed {
		m.logger.Info("available output devices changed", "devices", len(ids))
		m.publish(events.Event{
			Kind:    events.KindAvailableDevicesChanged,
			Source:  "device",
			Devices: ids,
		})
	}

	current := m.Current()
	if current == "" || current == audiocore.NoneDeviceID || slices.Contains(ids, current) {
		return changed
	}
	if backend, _, ok := driver.SplitDeviceID(current); ok && slices.Contains(e.failed, backend) {
		return changed
	}
	m.logger.Warn("current output device removed", "device_id", current)
	if err := m.Disconnect(ctx); err != nil {
		m.logger.Error("disconnecting removed device failed", "device_id", current, "error", err)
	}
	return changed
}

// mergeKnown returns the device ids of e in registration order, taking the
// previously known ids for backends that failed. Callers hold listenMu.
func (m *Manager) mergeKnown(e enumeration) []string {
	byBackend := make(map[string][]string)
	for _, r := range e.records {
		byBackend[r.Backend] = append(byBackend[r.Backend], r.ID)
	}
	for _, id := range m.known {
		backend, _, ok := driver.SplitDeviceID(id)
		if ok && slices.Contains(e.failed, backend) {
			byBackend[backend] = append(byBackend[backend], id)
		}
	}

	// "none" has no backend and always leads.
	ids := slices.Clone(byBackend[""])
	for _, name := range m.registry.Names() {
		ids = append(ids, byBackend[name]...)
	}
	return ids
}
