// Package commands implements the wagate CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wagate",
		Short: "Wagate - multi-tenant WhatsApp gateway",
		Long: `Wagate is a multi-tenant WhatsApp gateway daemon. It holds one
WhatsApp multi-device session per agent, pairs devices over QR, survives
restarts by persisting credentials, and forwards inbound messages to
per-tenant webhook endpoints.

Examples:
  wagate serve
  wagate serve --config ./wagate.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
