// Package main provides the CLI entry point for the conduit personal
// agent runtime.
//
// Conduit runs an autonomous agent loop against LLM engines (Anthropic,
// OpenAI, AWS Bedrock) with tool execution, long-term memory, and a
// local HTTP/WebSocket gateway, and bridges it into messaging channels
// (Telegram, Discord, Slack).
//
// # Basic Usage
//
// Start the runtime:
//
//	conduit serve --config conduit.yaml
//
// Chat from the terminal without the gateway:
//
//	conduit chat
//
// Check a configuration file:
//
//	conduit config validate --config conduit.yaml
//
// # Environment Variables
//
//   - CONDUIT_CONFIG: Path to configuration file (default: conduit.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//
// A .env file in the working directory is loaded before the
// configuration file is read.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - personal AI agent runtime",
		Long: `Conduit runs an autonomous agent loop with tool execution, memory,
and steering, reachable over HTTP/WebSocket and messaging channels.

Supported engines: Anthropic (Claude), OpenAI (GPT), AWS Bedrock
Supported channels: Telegram, Discord, Slack
Built-in tools: files, shell, web fetch/search, memory, subagent, browser`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildPairCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conduit %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
			return nil
		},
	}
}
