package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/config"
)

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	resolved := resolveConfigPath(configPath)
	cfg, issues, err := config.Inspect(resolved)
	if err != nil {
		return fmt.Errorf("load config %s: %w", resolved, err)
	}

	out := cmd.OutOrStdout()
	if len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintf(out, "  %s\n", issue)
		}
		return fmt.Errorf("%s: %d problem(s) found", resolved, len(issues))
	}

	fmt.Fprintf(out, "%s: configuration OK\n", resolved)
	fmt.Fprintf(out, "  engine:   %s\n", cfg.Engines.Default)
	fmt.Fprintf(out, "  gateway:  %s\n", describeGateway(cfg))
	fmt.Fprintf(out, "  channels: %s\n", describeChannels(cfg))
	fmt.Fprintf(out, "  memory:   %s\n", onOff(cfg.Memory.Enabled))
	fmt.Fprintf(out, "  schedule: %s\n", describeSchedule(cfg))
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

func describeGateway(cfg *config.Config) string {
	if !cfg.Gateway.On() {
		return "off"
	}
	return fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
}

func describeChannels(cfg *config.Config) string {
	var names []string
	if cfg.Channels.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if cfg.Channels.Discord.Enabled {
		names = append(names, "discord")
	}
	if cfg.Channels.Slack.Enabled {
		names = append(names, "slack")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func describeSchedule(cfg *config.Config) string {
	if !cfg.Schedule.Enabled {
		return "off"
	}
	return fmt.Sprintf("%d entries", len(cfg.Schedule.Entries))
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
