package main

import (
	"github.com/cuemby/sagenet/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect node configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration sagenet run would use, after merging the
config file, SAGENET_ environment variables and flags. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(v); err != nil {
				return err
			}
			return config.Show(v, cmd.OutOrStdout())
		},
	})
	return cmd
}
