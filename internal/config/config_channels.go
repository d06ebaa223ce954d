package config

// ChannelsConfig enables the messaging-channel adapters. Each enabled
// channel bridges inbound messages into sessions and sends the final
// answers back.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram,omitempty"`
	Discord  DiscordConfig  `yaml:"discord,omitempty"`
	Slack    SlackConfig    `yaml:"slack,omitempty"`
}

// TelegramConfig configures the Telegram bot adapter.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	BotToken string `yaml:"bot_token,omitempty"`

	// AllowedUsers restricts who may talk to the bot. Empty allows
	// everyone.
	AllowedUsers []string `yaml:"allowed_users,omitempty"`
}

// DiscordConfig configures the Discord bot adapter.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	BotToken string `yaml:"bot_token,omitempty"`

	AllowedUsers []string `yaml:"allowed_users,omitempty"`
}

// SlackConfig configures the Slack adapter (Web API send, Socket Mode
// receive).
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	BotToken string `yaml:"bot_token,omitempty"`
	AppToken string `yaml:"app_token,omitempty"`

	AllowedUsers []string `yaml:"allowed_users,omitempty"`
}

func (c ChannelsConfig) issues() []string {
	var issues []string
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		issues = append(issues, "channels.telegram: bot_token is required")
	}
	if c.Discord.Enabled && c.Discord.BotToken == "" {
		issues = append(issues, "channels.discord: bot_token is required")
	}
	if c.Slack.Enabled {
		if c.Slack.BotToken == "" {
			issues = append(issues, "channels.slack: bot_token is required")
		}
		if c.Slack.AppToken == "" {
			issues = append(issues, "channels.slack: app_token is required")
		}
	}
	return issues
}
