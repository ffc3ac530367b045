// Package app defines the botgate command tree.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openbotauth/botgate/pkg/logger"
)

// NewRootCmd creates the root command for the botgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "botgate",
		Short: "HTTP message signature verification for bot traffic",
		Long: `botgate verifies RFC 9421 HTTP message signatures from remote agents:
it reconstructs the signature base, resolves the signer's key directory,
prevents replays and translates verdicts into policy-bearing headers.

Run 'botgate serve' for the verifier API or 'botgate proxy' for the
sidecar reverse proxy.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProxyCmd())

	return rootCmd
}
