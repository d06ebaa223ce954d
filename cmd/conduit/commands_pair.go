package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Pair Command
// =============================================================================

// buildPairCmd creates the "pair" command for connecting a client to a
// running gateway.
func buildPairCmd() *cobra.Command {
	var (
		gatewayURL string
		label      string
		exchange   bool
	)

	cmd := &cobra.Command{
		Use:   "pair [code]",
		Short: "Pair a client with a running gateway",
		Long: `Pair a client with a running conduit gateway.

The serve command logs a pairing code at startup when pairing is
enabled. This command renders that code as a QR for a device to scan,
or exchanges it directly for a bearer token with --exchange.`,
		Example: `  # Render the pairing QR and instructions
  conduit pair 4QXKZJ3M

  # Exchange the code for a token right away
  conduit pair 4QXKZJ3M --exchange --label laptop

  # Pair against a remote gateway
  conduit pair 4QXKZJ3M --url http://10.0.0.5:8090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(cmd, pairOptions{
				Code:       args[0],
				GatewayURL: gatewayURL,
				Label:      label,
				Exchange:   exchange,
			})
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", "http://127.0.0.1:8090", "Gateway base URL")
	cmd.Flags().StringVar(&label, "label", "", "Label for the paired client")
	cmd.Flags().BoolVar(&exchange, "exchange", false, "Exchange the code for a token now")

	return cmd
}
