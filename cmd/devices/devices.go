// Package devices implements the devices command.
package devices

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiobridge/internal/bridge"
	"github.com/tphakala/audiobridge/internal/conf"
)

// Command creates the devices command listing output devices.
func Command(settings *conf.Settings) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio output devices",
		Long:  "List the output devices of every configured backend together with the buffer sizes offered by the default device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bridge.New(settings)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			ctx := cmd.Context()
			records := b.Devices.AvailableOutputDevices(ctx)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBACKEND\tDEFAULT\tNAME")
			for _, r := range records {
				def := ""
				if r.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Backend, def, r.DisplayName)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if err := b.SelectConfiguredDevice(ctx); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nbuffer sizes for %s: %v\n", b.Devices.Current(), b.Devices.AvailableBufferSizes())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the device list as JSON")
	return cmd
}
