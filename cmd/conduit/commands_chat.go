package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Chat Command
// =============================================================================

// buildChatCmd creates the "chat" command, a terminal REPL against a
// local session without the gateway or channels.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		engineID   string
		model      string
		system     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Long: `Chat with the agent in an interactive terminal session.

The gateway, channels, and scheduler stay off; everything else (tools,
memory, security policy) works exactly as under serve. Type "exit" or
press Ctrl-D to leave; Ctrl-C aborts the session.`,
		Example: `  # Chat with the default engine
  conduit chat

  # Pick an engine and model
  conduit chat --engine openai --model gpt-4o

  # One-shot: run a single message and exit
  conduit chat "summarize the README in this directory"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := ""
			if len(args) > 0 {
				message = args[0]
			}
			return runChat(cmd.Context(), chatOptions{
				ConfigPath: configPath,
				EngineID:   engineID,
				Model:      model,
				System:     system,
				Message:    message,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&engineID, "engine", "", "Engine to use (anthropic, openai, bedrock)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for the chosen engine")
	cmd.Flags().StringVar(&system, "system", "", "System prompt override")

	return cmd
}
