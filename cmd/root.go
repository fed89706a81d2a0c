package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/audiobridge/cmd/config"
	"github.com/tphakala/audiobridge/cmd/devices"
	"github.com/tphakala/audiobridge/cmd/midi"
	"github.com/tphakala/audiobridge/cmd/play"
	"github.com/tphakala/audiobridge/cmd/serve"
	"github.com/tphakala/audiobridge/internal/buildinfo"
	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logging"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	var configFile string
	var closers []func()

	rootCmd := &cobra.Command{
		Use:          "audiobridge",
		Short:        "Low-latency audio and MIDI output bridge",
		Version:      info.GetVersion(),
		SilenceUsage: true,
	}

	if err := setupFlags(rootCmd, &configFile); err != nil {
		fmt.Fprintf(os.Stderr, "error setting up flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		devices.Command(settings),
		play.Command(settings),
		midi.Command(settings),
		serve.Command(settings),
		config.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Flags bound to viper take precedence over the file and environment
		loaded, err := conf.Load(configFile)
		if err != nil {
			return err
		}
		*settings = *loaded

		closeLog, err := initLogging(settings)
		if err != nil {
			return err
		}
		closers = append(closers, closeLog)

		if settings.Telemetry.Enabled {
			flush, err := errors.InitSentry(settings.Telemetry.DSN, info.Release())
			if err != nil {
				logging.Warn("error telemetry disabled", "error", err)
			} else {
				errors.SetTelemetryReporter(errors.NewSentryReporter(true))
				closers = append(closers, flush)
			}
		}
		return nil
	}

	// Finalizers also run when the command fails
	cobra.OnFinalize(func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
	})

	return rootCmd
}

// initLogging sends structured logs to the rotated file when main.log is
// enabled, otherwise to stderr so command output on stdout stays clean.
func initLogging(settings *conf.Settings) (func(), error) {
	level := slog.LevelInfo
	if settings.Debug {
		level = slog.LevelDebug
	}

	closeFn := func() {}
	if lc := settings.Main.Log; lc.Enabled {
		closeFile, err := logging.InitFile(logging.FileConfig{
			Path:       lc.Path,
			MaxSizeMB:  lc.MaxSize,
			MaxBackups: lc.MaxBackups,
			MaxAgeDays: lc.MaxAge,
		})
		if err != nil {
			return nil, err
		}
		closeFn = func() { _ = closeFile() }
	} else {
		logging.Init()
		logging.SetOutput(os.Stderr, os.Stderr)
	}
	logging.SetLevel(level)
	return closeFn, nil
}

// setupFlags defines the global flags and binds them to their settings keys
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to the config file")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("backend", "", "Comma separated audio backends (\"auto\", \"null\", \"alsa\", \"pulse\", \"oto\", ...)")
	flags.String("device", "", "Output device id as listed by \"devices\", or \"none\"")
	flags.Int("samplerate", 0, "Requested sample rate in Hz")
	flags.Int("buffersize", 0, "Requested frames per period")
	flags.String("midi-port", "", "MIDI output port id as listed by \"midi ports\"")

	bindings := map[string]string{
		"debug":            "debug",
		"audio.backend":    "backend",
		"audio.device":     "device",
		"audio.samplerate": "samplerate",
		"audio.buffersize": "buffersize",
		"midi.port":        "midi-port",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
