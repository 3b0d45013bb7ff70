package main

import (
	"encoding/json"

	"github.com/ggoodman/transport-session-go/config"
	"github.com/spf13/cobra"
)

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as TOML",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := flags.load()
				if err != nil {
					return err
				}
				return cfg.Encode(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the config file",
			RunE: func(cmd *cobra.Command, args []string) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(config.Schema())
			},
		},
	)
	return cmd
}
