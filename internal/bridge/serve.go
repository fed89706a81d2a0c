package bridge

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/engine"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/httpcontroller"
	"github.com/tphakala/audiobridge/internal/mqtt"
)

// Service is a running engine with its optional MIDI output.
type Service struct {
	Engine *engine.Engine
	Midi   *midi.OutPort
}

// Start selects the configured device, starts an engine for source and,
// when midi.enabled, connects the configured MIDI port.
func (b *Bridge) Start(ctx context.Context, source scheduler.Source) (*Service, error) {
	if err := b.SelectConfiguredDevice(ctx); err != nil {
		b.logger.Warn("configured output device unavailable", "device_id", b.Settings.Audio.Device, "error", err)
	}

	svc := &Service{Engine: b.NewEngine(source)}
	if b.Settings.MIDI.Enabled {
		svc.Midi = b.NewOutPort(svc.Engine)
		svc.Engine.SetMidiPort(svc.Midi)
	}
	if err := svc.Engine.Start(ctx); err != nil {
		return nil, err
	}

	if svc.Midi != nil {
		if port := b.Settings.MIDI.Port; port != "" && port != audiocore.NoneDeviceID {
			if err := svc.Midi.Connect(ctx, port); err != nil {
				b.logger.Warn("configured midi port unavailable", "port", port, "error", err)
			}
		}
	}
	return svc, nil
}

// Stop disconnects MIDI and stops the engine.
func (s *Service) Stop() error {
	if s.Midi != nil {
		s.Midi.Disconnect()
	}
	return s.Engine.Stop()
}

// Serve starts the engine and runs the device listener, MIDI port
// watcher, HTTP API and MQTT publisher until ctx is done or one of them
// fails.
func (b *Bridge) Serve(ctx context.Context, source scheduler.Source) error {
	svc, err := b.Start(ctx, source)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			b.logger.Warn("stopping engine failed", "error", err)
		}
	}()

	if b.Settings.MQTT.Enabled {
		client, err := b.connectMQTT(ctx)
		if err != nil {
			b.logger.Warn("MQTT publishing disabled", "broker", b.Settings.MQTT.Broker, "error", err)
		} else {
			defer client.Disconnect()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.Settings.Audio.Listener.Enabled {
		g.Go(func() error { return b.Devices.Listen(gctx) })
		if svc.Midi != nil {
			g.Go(func() error {
				svc.Midi.Watch(gctx, DeviceConfig(b.Settings).ListenerInterval)
				return nil
			})
		}
	}

	if b.Settings.WebServer.Enabled {
		opts := []httpcontroller.Option{
			httpcontroller.WithEngine(svc.Engine),
			httpcontroller.WithGatherer(b.Metrics.Gatherer()),
			httpcontroller.WithHTTPMetrics(b.Metrics.HTTP),
		}
		if svc.Midi != nil {
			opts = append(opts, httpcontroller.WithMidi(svc.Midi))
		}
		server := httpcontroller.New(b.Devices, opts...)
		g.Go(func() error { return server.Run(gctx, b.Settings.WebServer.Listen) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	b.logger.Info("audiobridge running", "device_id", b.Devices.Current())
	return g.Wait()
}

// connectMQTT connects the broker client and registers the event
// publisher on the bus.
func (b *Bridge) connectMQTT(ctx context.Context) (mqtt.Client, error) {
	s := b.Settings.MQTT
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.Broker
	cfg.Topic = s.Topic
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.ClientID = s.ClientID

	client := mqtt.NewClient(cfg, b.Metrics.MQTT)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := b.Bus.RegisterConsumer(mqtt.NewEventPublisher(client, cfg)); err != nil {
		client.Disconnect()
		return nil, err
	}
	return client, nil
}
