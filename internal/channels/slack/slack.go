// Package slack is the Slack channel adapter, receiving events over
// Socket Mode and sending through the Web API.
package slack

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/conduit/internal/channels"
	"github.com/haasonsaas/conduit/internal/observability"
)

const channelID = "slack"

// Config configures the adapter.
type Config struct {
	// BotToken is the xoxb- token for the Web API. Required.
	BotToken string

	// AppToken is the xapp- token for Socket Mode. Required.
	AppToken string

	// AllowedUsers restricts who may talk to the agent, by user id.
	// Empty admits everyone.
	AllowedUsers []string

	// Logger defaults to a stdout JSON logger.
	Logger *observability.Logger
}

func (c *Config) validate() error {
	if c.BotToken == "" {
		return channels.NewError(channelID, channels.ErrCodeConfig, "bot token is required", nil)
	}
	if c.AppToken == "" {
		return channels.NewError(channelID, channels.ErrCodeConfig, "app token is required", nil)
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.LogConfig{})
	}
	return nil
}

// Adapter implements channels.Channel for Slack.
type Adapter struct {
	channels.Handlers

	cfg     Config
	client  *slack.Client
	socket  *socketmode.Client
	allowed channels.UserFilter
	logger  *observability.Logger

	mu        sync.RWMutex
	botUserID string
	connected bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the adapter and its clients. The socket connection is
// opened in Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:     cfg,
		client:  client,
		socket:  socketmode.New(client),
		allowed: channels.AllowUsers(cfg.AllowedUsers),
		logger:  cfg.Logger,
	}, nil
}

func (a *Adapter) ID() string   { return channelID }
func (a *Adapter) Name() string { return "Slack" }

// Start authenticates, then runs the Socket Mode connection and event
// loop in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		a.cancel()
		return channels.NewError(channelID, channels.ErrCodeAuthentication, "auth test", err)
	}
	a.mu.Lock()
	a.botUserID = auth.UserID
	a.mu.Unlock()

	a.wg.Add(2)
	go a.handleEvents()
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(a.runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error(a.runCtx, "slack socket mode stopped", "error", err)
			a.setConnected(false)
		}
	}()

	a.logger.Info(ctx, "slack adapter started", "bot_user", auth.UserID)
	return nil
}

// Stop cancels the socket connection and waits for the event loop.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.setConnected(false)
		a.logger.Info(ctx, "slack adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.NewError(channelID, channels.ErrCodeTimeout, "stop timed out", ctx.Err())
	}
}

// handleEvents consumes the Socket Mode event stream.
func (a *Adapter) handleEvents() {
	defer a.wg.Done()
	for {
		select {
		case <-a.runCtx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				a.setConnected(true)
				a.logger.Info(a.runCtx, "slack socket connected")
			case socketmode.EventTypeConnectionError:
				a.setConnected(false)
				a.logger.Warn(a.runCtx, "slack connection error")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(evt)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				// Not handled; ack so Slack stops retrying.
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
			}
		}
	}
}

// handleEventsAPI acks and dispatches one Events API callback.
func (a *Adapter) handleEventsAPI(evt socketmode.Event) {
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.dispatch(ev.Channel, ev.User, ev.Text, ev.TimeStamp)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		if !a.wantsMessage(ev) {
			return
		}
		a.dispatch(ev.Channel, ev.User, ev.Text, ev.TimeStamp)
	}
}

// wantsMessage filters plain message events down to DMs, mentions,
// and thread replies; everything else in a channel is ambient noise.
func (a *Adapter) wantsMessage(ev *slackevents.MessageEvent) bool {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	isDM := strings.HasPrefix(ev.Channel, "D")
	isMention := botUserID != "" && strings.Contains(ev.Text, "<@"+botUserID+">")
	return isDM || isMention || ev.ThreadTimeStamp != ""
}

// dispatch applies the user filter and hands the message to the
// bridge.
func (a *Adapter) dispatch(channel, user, text, ts string) {
	if text == "" || (a.allowed != nil && !a.allowed(user)) {
		return
	}
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()
	if botUserID != "" {
		text = strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUserID+">", ""))
	}
	a.DispatchMessage(a.runCtx, channels.Inbound{
		Channel:    channelID,
		ChatID:     channel,
		UserID:     user,
		MessageID:  ts,
		Text:       text,
		ReceivedAt: parseTimestamp(ts),
	})
}

// parseTimestamp converts a Slack "seconds.micros" timestamp. Zero
// time on parse failure.
func parseTimestamp(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// Send delivers text to a Slack channel id.
func (a *Adapter) Send(ctx context.Context, recipient, text string) channels.SendResult {
	_, ts, err := a.client.PostMessageContext(ctx, recipient, slack.MsgOptionText(text, false))
	if err != nil {
		return channels.SendFailed(channels.NewError(channelID, channels.ErrCodeInternal, "post message", err))
	}
	return channels.Sent(ts)
}

// IsHealthy reports socket connectivity.
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
