// Package config implements the config command.
package config

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/audiobridge/internal/conf"
)

// Command creates the config command printing the effective settings.
func Command(settings *conf.Settings) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the settings after merging defaults, the config file, environment variables and flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" {
				return conf.SaveYAMLConfig(output, settings)
			}
			data, err := conf.MarshalYAML(settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the settings to this file instead of stdout")
	return cmd
}
