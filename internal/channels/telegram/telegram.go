// Package telegram is the Telegram channel adapter, speaking the Bot
// API over long polling.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/conduit/internal/channels"
	"github.com/haasonsaas/conduit/internal/observability"
)

const channelID = "telegram"

// Config configures the adapter.
type Config struct {
	// Token is the bot token from @BotFather. Required.
	Token string

	// AllowedUsers restricts who may talk to the agent, by numeric
	// user id or @username. Empty admits everyone.
	AllowedUsers []string

	// MaxReconnects bounds polling restart attempts. Zero means 5.
	MaxReconnects int

	// ReconnectDelay is the pause between restarts. Zero means 5s.
	ReconnectDelay time.Duration

	// Logger defaults to a stdout JSON logger.
	Logger *observability.Logger
}

func (c *Config) validate() error {
	if c.Token == "" {
		return channels.NewError(channelID, channels.ErrCodeConfig, "bot token is required", nil)
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.LogConfig{})
	}
	return nil
}

// Adapter implements channels.Channel for Telegram.
type Adapter struct {
	channels.Handlers

	cfg     Config
	allowed channels.UserFilter
	logger  *observability.Logger

	mu        sync.RWMutex
	bot       *bot.Bot
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the adapter. The connection is made in Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		allowed: channels.AllowUsers(cfg.AllowedUsers),
		logger:  cfg.Logger,
	}, nil
}

func (a *Adapter) ID() string   { return channelID }
func (a *Adapter) Name() string { return "Telegram" }

// Start creates the bot and begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.cfg.Token)
	if err != nil {
		cancel()
		return channels.NewError(channelID, channels.ErrCodeAuthentication, "create bot", err)
	}
	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)

	a.mu.Lock()
	a.bot = b
	a.mu.Unlock()

	a.wg.Add(1)
	go a.poll(ctx)

	a.logger.Info(ctx, "telegram adapter started")
	return nil
}

// poll runs the long-polling loop, restarting after transient
// failures up to MaxReconnects times.
func (a *Adapter) poll(ctx context.Context) {
	defer a.wg.Done()
	defer a.setConnected(false)

	for attempt := 0; ; attempt++ {
		a.setConnected(true)
		a.bot.Start(ctx) // blocks until ctx is cancelled
		a.setConnected(false)

		if ctx.Err() != nil {
			return
		}
		if attempt+1 >= a.cfg.MaxReconnects {
			a.logger.Error(ctx, "telegram polling gave up",
				"attempts", attempt+1)
			return
		}
		a.logger.Warn(ctx, "telegram polling stopped, restarting",
			"attempt", attempt+1, "delay", a.cfg.ReconnectDelay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// Stop cancels polling and waits for the receive loop, or until ctx
// expires.
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
		a.logger.Info(ctx, "telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return channels.NewError(channelID, channels.ErrCodeTimeout, "stop timed out", ctx.Err())
	}
}

// handleUpdate converts one Telegram update and dispatches it.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil {
		return
	}
	in, ok := convert(update.Message, a.allowed)
	if !ok {
		a.logger.Debug(ctx, "telegram message dropped",
			"chat_id", update.Message.Chat.ID)
		return
	}
	a.DispatchMessage(ctx, in)
}

// convert maps a Telegram message to the bridge's inbound shape,
// applying the user filter. ok is false when the sender is not
// admitted or the message has no text.
func convert(msg *tgmodels.Message, allowed channels.UserFilter) (channels.Inbound, bool) {
	if msg.Text == "" {
		return channels.Inbound{}, false
	}
	var userID, userName string
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
		userName = msg.From.Username
	}
	if allowed != nil && !allowed(userID) && (userName == "" || !allowed("@"+userName)) {
		return channels.Inbound{}, false
	}
	return channels.Inbound{
		Channel:    channelID,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		UserID:     userID,
		UserName:   userName,
		MessageID:  strconv.Itoa(msg.ID),
		Text:       msg.Text,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}, true
}

// Send delivers text to a chat id.
func (a *Adapter) Send(ctx context.Context, recipient, text string) channels.SendResult {
	a.mu.RLock()
	b := a.bot
	a.mu.RUnlock()
	if b == nil {
		return channels.SendFailed(errors.New("telegram: not started"))
	}

	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return channels.SendFailed(channels.NewError(channelID, channels.ErrCodeInvalidInput, "bad chat id "+recipient, err))
	}
	sent, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return channels.SendFailed(channels.NewError(channelID, channels.ErrCodeInternal, "send message", err))
	}
	return channels.Sent(strconv.Itoa(sent.ID))
}

// IsHealthy reports whether the polling loop is live.
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
