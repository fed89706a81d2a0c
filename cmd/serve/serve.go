// Package serve implements the serve command.
package serve

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/audiobridge/internal/bridge"
	"github.com/tphakala/audiobridge/internal/conf"
	"github.com/tphakala/audiobridge/internal/render"
)

// Command creates the serve command running the bridge until interrupted.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audio engine with the HTTP API, device listener and MQTT events",
		Long: "Keep the output device open with a silent source so MIDI events and device changes " +
			"are handled in real time. Enabled control surfaces run until the process is interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := bridge.New(settings)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			return b.Serve(ctx, render.NewMixer())
		},
	}

	cmd.Flags().Bool("web", false, "Enable the HTTP API")
	cmd.Flags().String("listen", "", "HTTP API listen address")
	cmd.Flags().Bool("mqtt", false, "Publish events to MQTT")
	cmd.Flags().Bool("listener", false, "Watch for device changes")
	_ = viper.BindPFlag("webserver.enabled", cmd.Flags().Lookup("web"))
	_ = viper.BindPFlag("webserver.listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("mqtt.enabled", cmd.Flags().Lookup("mqtt"))
	_ = viper.BindPFlag("audio.listener.enabled", cmd.Flags().Lookup("listener"))

	return cmd
}
