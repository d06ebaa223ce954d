// Package discord is the Discord channel adapter, built on a gateway
// websocket session.
package discord

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/conduit/internal/channels"
	"github.com/haasonsaas/conduit/internal/observability"
)

const channelID = "discord"

// Config configures the adapter.
type Config struct {
	// Token is the bot token. Required.
	Token string

	// AllowedUsers restricts who may talk to the agent, by user id or
	// username. Empty admits everyone.
	AllowedUsers []string

	// Logger defaults to a stdout JSON logger.
	Logger *observability.Logger
}

// Adapter implements channels.Channel for Discord.
type Adapter struct {
	channels.Handlers

	session *discordgo.Session
	allowed channels.UserFilter
	logger  *observability.Logger

	mu        sync.RWMutex
	connected bool

	runCtx context.Context
	cancel context.CancelFunc
}

// New builds the adapter and its gateway session. The connection is
// opened in Start.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, channels.NewError(channelID, channels.ErrCodeConfig, "bot token is required", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, channels.NewError(channelID, channels.ErrCodeAuthentication, "create session", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &Adapter{
		session: s,
		allowed: channels.AllowUsers(cfg.AllowedUsers),
		logger:  cfg.Logger,
	}, nil
}

func (a *Adapter) ID() string   { return channelID }
func (a *Adapter) Name() string { return "Discord" }

// Start opens the gateway connection and registers event handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)

	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleDisconnect)
	a.session.AddHandler(a.handlePresence)

	if err := a.session.Open(); err != nil {
		a.cancel()
		return channels.NewError(channelID, channels.ErrCodeConnection, "open gateway", err)
	}
	a.setConnected(true)
	a.logger.Info(ctx, "discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.session.Close(); err != nil {
		return channels.NewError(channelID, channels.ErrCodeInternal, "close gateway", err)
	}
	a.setConnected(false)
	a.logger.Info(ctx, "discord adapter stopped")
	return nil
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	in, ok := convert(m.Message, a.allowed)
	if !ok {
		return
	}
	a.DispatchMessage(a.runCtx, in)
}

// convert maps a Discord message to the bridge's inbound shape. Bot
// authors and filtered senders are dropped.
func convert(m *discordgo.Message, allowed channels.UserFilter) (channels.Inbound, bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.Content == "" {
		return channels.Inbound{}, false
	}
	if allowed != nil && !allowed(m.Author.ID) && !allowed(m.Author.Username) {
		return channels.Inbound{}, false
	}
	received := m.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return channels.Inbound{
		Channel:    channelID,
		ChatID:     m.ChannelID,
		UserID:     m.Author.ID,
		UserName:   m.Author.Username,
		MessageID:  m.ID,
		Text:       m.Content,
		ReceivedAt: received,
	}, true
}

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.setConnected(true)
	a.logger.Info(a.runCtx, "discord connection ready",
		"user", r.User.Username, "guilds", len(r.Guilds))
}

func (a *Adapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	// discordgo reconnects on its own; mark unhealthy until the next
	// ready event.
	a.setConnected(false)
	a.logger.Warn(a.runCtx, "discord disconnected")
}

func (a *Adapter) handlePresence(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p.User == nil {
		return
	}
	a.DispatchPresence(a.runCtx, channels.Presence{
		Channel: channelID,
		UserID:  p.User.ID,
		Status:  string(p.Status),
		At:      time.Now(),
	})
}

// Send delivers text to a Discord channel id.
func (a *Adapter) Send(ctx context.Context, recipient, text string) channels.SendResult {
	if !a.IsHealthy() {
		return channels.SendFailed(errors.New("discord: not connected"))
	}
	msg, err := a.session.ChannelMessageSend(recipient, text, discordgo.WithContext(ctx))
	if err != nil {
		return channels.SendFailed(channels.NewError(channelID, channels.ErrCodeInternal, "send message", err))
	}
	return channels.Sent(msg.ID)
}

// IsHealthy reports gateway connectivity.
func (a *Adapter) IsHealthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}
