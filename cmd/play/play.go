// Package play implements the play command.
package play

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiobridge/internal/audiocore/scheduler"
	"github.com/tphakala/audiobridge/internal/bridge"
	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/logging"
	"github.com/tphakala/audiobridge/internal/render"
)

type options struct {
	tone      float64
	amplitude float64
	gain      float64
	duration  time.Duration
	loop      bool
	record    string
	withTone  bool
}

// Command creates the play command rendering a tone or an audio file.
func Command(settings *conf.Settings) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "play [file]",
		Short: "Play an audio file or a test tone",
		Long: fmt.Sprintf("Play an audio file (%v) on the configured output device. Without a file a sine tone is played.",
			render.SupportedExtensions()),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := ""
			if len(args) == 1 {
				file = args[0]
			}
			// A file plays alone unless --tone is given explicitly
			opts.withTone = file == "" || cmd.Flags().Changed("tone")
			return run(cmd.Context(), settings, file, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.tone, "tone", 440, "Tone frequency in Hz, mixed under the file when set explicitly")
	cmd.Flags().Float64Var(&opts.amplitude, "amplitude", 0.2, "Tone amplitude between 0 and 1")
	cmd.Flags().Float64Var(&opts.gain, "gain", 1, "File gain")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Stop after this long, 0 plays until the file ends or interrupted")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "Loop the file")
	cmd.Flags().StringVar(&opts.record, "record", "", "Also write the rendered output to this WAV file")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, path string, opts options) error {
	log := logging.ServiceOrDefault("play")
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(settings)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	rate := uint32(settings.Audio.SampleRate)
	mixer := render.NewMixer()

	var file *render.File
	if path != "" {
		file, err = render.NewFile(path, rate, opts.loop)
		if err != nil {
			return err
		}
		defer func() { _ = file.Close() }()
		mixer.Add(file, float32(opts.gain))
	}
	if opts.withTone && opts.tone > 0 {
		mixer.Add(render.NewTone(opts.tone, float32(opts.amplitude), rate), 1)
	}

	var source scheduler.Source = mixer
	recordPath := opts.record
	if recordPath == "" && settings.Record.Enabled {
		recordPath = settings.Record.Path
	}
	var recorder *render.Recorder
	if recordPath != "" {
		recorder, err = render.NewRecorder(mixer, render.RecorderConfig{
			Path:       recordPath,
			SampleRate: rate,
			Channels:   settings.Audio.Channels,
			BitDepth:   settings.Record.BitDepth,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				log.Warn("closing recording failed", "path", recordPath, "error", err)
			}
		}()
		source = recorder
	}

	svc, err := b.Start(ctx, source)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Stop() }()

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if file != nil && file.Done() {
				return file.Err()
			}
		}
	}
}
