package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the runtime.
// This is the primary command for running conduit.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conduit runtime",
		Long: `Start the conduit runtime with all configured surfaces.

The runtime will:
1. Load configuration from the specified file (or conduit.yaml)
2. Initialize the configured engines (Anthropic, OpenAI, Bedrock)
3. Start the HTTP/WebSocket gateway
4. Start all enabled channel adapters (Telegram, Discord, Slack)
5. Start the scheduler when entries are configured

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conduit serve

  # Start with custom config
  conduit serve --config /etc/conduit/production.yaml

  # Start with debug logging
  conduit serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
