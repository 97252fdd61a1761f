package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/sagenet/pkg/identity"
	"github.com/cuemby/sagenet/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newIdentityCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect the node identity files",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print this node and its sage as recorded in the home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return showIdentity(cmd, cfg.HomeDir, asJSON)
		},
	}
	show.Flags().Bool("json", false, "Print the identity files as JSON")
	cmd.AddCommand(show)
	return cmd
}

type identityView struct {
	Self        *types.Node    `json:"self"`
	Sage        *types.Node    `json:"sage,omitempty"`
	SageKey     *types.NodeKey `json:"sageKey,omitempty"`
	RestoreMode bool           `json:"restoreMode"`
}

func showIdentity(cmd *cobra.Command, home string, asJSON bool) error {
	var view identityView
	var err error
	if view.Self, err = identity.ReadNode(home, identity.SelfNodeFile); err != nil {
		return err
	}
	if view.Sage, err = identity.ReadNode(home, identity.SageNodeFile); err != nil {
		return err
	}
	if _, err := os.Stat(identity.MarkerPath(home)); err == nil {
		view.RestoreMode = true
	}
	if data, err := os.ReadFile(filepath.Join(home, identity.SageKeyFile)); err == nil {
		var key types.NodeKey
		if json.Unmarshal(data, &key) == nil {
			view.SageKey = &key
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	if view.Self == nil {
		fmt.Fprintf(out, "No identity in %s; the node has not been activated.\n", home)
		return nil
	}
	self := view.Self
	fmt.Fprintf(out, "Node:     %s (%s)\n", self.UUID, self.FQDN)
	fmt.Fprintf(out, "Network:  %s\n", orNone(self.Network))
	fmt.Fprintf(out, "Account:  %s\n", orNone(self.Account))
	fmt.Fprintf(out, "State:    %s\n", orNone(string(self.State)))
	if view.Sage != nil {
		fmt.Fprintf(out, "Sage:     %s (%s)\n", view.Sage.UUID, view.Sage.FQDN)
	} else {
		fmt.Fprintf(out, "Sage:     %s\n", orNone(self.SageNode))
	}
	if view.SageKey != nil {
		fmt.Fprintf(out, "Sage key: %s, expires %s\n", view.SageKey.UUID, humanize.RelTime(view.SageKey.Expiration, time.Now(), "ago", "from now"))
	}
	if view.RestoreMode {
		fmt.Fprintln(out, "Restore:  staged restore waiting for the sage")
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
