// Package midi implements the midi command and its ports, send and thru
// subcommands.
package midi

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/audiocore/midi"
	"github.com/tphakala/audiobridge/internal/bridge"
	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logging"
	"github.com/tphakala/audiobridge/internal/render"
)

// deliveryTimeout bounds how long send waits for the driver to write the
// queued event.
const deliveryTimeout = 2 * time.Second

// Command creates the midi command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "midi",
		Short: "List MIDI ports and send MIDI events",
	}
	cmd.AddCommand(portsCommand(settings), sendCommand(settings), thruCommand(settings))
	return cmd
}

func portsCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List MIDI output and input ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bridge.New(settings)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OUTPUT\tNAME")
			for _, p := range b.NewOutPort(nil).AvailableDevices(cmd.Context()) {
				fmt.Fprintf(w, "%s\t%s\n", p.ID, p.Name)
			}
			if ins := midi.InputPorts(); len(ins) > 0 {
				fmt.Fprintln(w, "\nINPUT\t")
				for _, in := range ins {
					fmt.Fprintf(w, "%s\t\n", in)
				}
			}
			return w.Flush()
		},
	}
}

// parseEvent builds an event from an opcode name and up to two data bytes.
// Pitch bend takes one 14-bit value.
func parseEvent(channel uint8, args []string) (midi.Event, error) {
	op, ok := midi.ParseOpcode(args[0])
	if !ok {
		return midi.Event{}, errors.New(audiocore.ErrUnsupportedOpcode).
			Component("cmd.midi").
			Context("opcode", args[0]).
			Build()
	}

	limit := 0x7F
	if op == midi.PitchBend {
		limit = 0x3FFF
	}
	values := make([]int, 0, 2)
	for _, a := range args[1:] {
		v, err := strconv.Atoi(a)
		if err != nil {
			return midi.Event{}, errors.New(err).
				Component("cmd.midi").
				Category(errors.CategoryValidation).
				Context("value", a).
				Build()
		}
		if v < 0 || v > limit {
			return midi.Event{}, errors.New(audiocore.ErrInvalidEvent).
				Component("cmd.midi").
				Context("value", v).
				Build()
		}
		values = append(values, v)
	}

	ev := midi.Event{Opcode: op, Channel: channel}
	switch {
	case op == midi.PitchBend:
		ev.PitchBend = midi.PitchBendCenter
		if len(values) > 0 {
			ev.PitchBend = uint16(values[0])
		}
	default:
		if len(values) > 0 {
			ev.Data1 = uint8(values[0])
		}
		if len(values) > 1 {
			ev.Data2 = uint8(values[1])
		}
	}
	return ev, ev.Validate()
}

func sendCommand(settings *conf.Settings) *cobra.Command {
	var channel uint8

	cmd := &cobra.Command{
		Use:   "send <opcode> [data1] [data2]",
		Short: "Send one MIDI event to the configured port",
		Long: "Send one event (note_on, note_off, control_change, program_change, pitch_bend) " +
			"through the audio driver to the port given by --midi-port.",
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := parseEvent(channel, args)
			if err != nil {
				return err
			}
			return withOutPort(cmd.Context(), settings, func(ctx context.Context, svc *bridge.Service) error {
				before := svc.Engine.Stats().Driver.MidiSent
				if err := svc.Midi.SendEvent(ev); err != nil {
					return err
				}

				deadline := time.Now().Add(deliveryTimeout)
				for svc.Engine.Stats().Driver.MidiSent == before {
					if time.Now().After(deadline) || ctx.Err() != nil {
						return errors.Newf("midi event not delivered within %v", deliveryTimeout).
							Component("cmd.midi").
							Category(errors.CategoryMIDI).
							Build()
					}
					time.Sleep(5 * time.Millisecond)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", ev, svc.Midi.DeviceID())
				return nil
			})
		},
	}

	cmd.Flags().Uint8Var(&channel, "channel", 0, "MIDI channel 0-15")
	return cmd
}

func thruCommand(settings *conf.Settings) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "thru",
		Short: "Forward a MIDI input to the configured output port",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withOutPort(ctx, settings, func(ctx context.Context, svc *bridge.Service) error {
				log := logging.ServiceOrDefault("midi.thru")
				stopListen, err := midi.ListenInput(input, func(ev midi.Event) {
					if err := svc.Midi.SendEvent(ev); err != nil {
						log.Debug("midi event dropped", "event", ev.String(), "error", err)
					}
				})
				if err != nil {
					return err
				}
				defer stopListen()

				log.Info("forwarding midi", "input", input, "output", svc.Midi.DeviceID())
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&input, "in", "", "Input port name as listed by \"midi ports\"")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// withOutPort starts a silent engine with MIDI enabled, connects the
// configured port and runs fn.
func withOutPort(ctx context.Context, settings *conf.Settings, fn func(context.Context, *bridge.Service) error) error {
	s := *settings
	s.MIDI.Enabled = true

	b, err := bridge.New(&s)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	svc, err := b.Start(ctx, render.Silence{})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop() }()

	if svc.Midi.DeviceID() == "" {
		return errors.New(audiocore.ErrMidiNotConnected).
			Component("cmd.midi").
			Context("port", s.MIDI.Port).
			Build()
	}
	return fn(ctx, svc)
}
