package main

import (
	"fmt"
	"os"

	"github.com/cuemby/sagenet/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:   "sagenet",
		Short: "sagenet - control plane daemon for self-managing node networks",
		Long: `sagenet runs on every node of a network and on the sage that
coordinates them. It keeps the node's identity, exchanges hello
notifications with its peers, takes and prunes backups and restores a
network from one.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.BindFlags(v, cmd.Flags())
		},
	}
	root.SetVersionTemplate(fmt.Sprintf(
		"sagenet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newConfigCmd(v))
	root.AddCommand(newIdentityCmd(v))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sagenet %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

// loadConfig is shared by the subcommands that need the effective config.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
