package channels

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/internal/steering"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Processing limits, applied per message.
const (
	// maxInputBytes caps inbound message size before it reaches the
	// loop.
	maxInputBytes = 1 << 20

	// maxReplyBytes caps the accumulated reply sent back to the
	// platform.
	maxReplyBytes = 1 << 20

	// defaultMaxConcurrent bounds simultaneous message handlers.
	defaultMaxConcurrent = 8
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Sessions resolves inbound messages to sessions. Required.
	Sessions *sessions.Manager

	// Session is the config template for sessions the bridge creates.
	// ChannelID and UserID are filled per message.
	Session models.SessionConfig

	// Logger defaults to a stdout JSON logger.
	Logger *observability.Logger

	// Observer receives channel_message events. Defaults to a no-op.
	Observer observability.Observer

	// MaxConcurrent bounds simultaneous handlers. Zero means
	// defaultMaxConcurrent.
	MaxConcurrent int
}

// Bridge connects channel adapters to the session manager. Each
// inbound message resolves to a per-conversation session: a fresh run
// when the session is idle, a steering injection when a run is already
// in flight. Final answers are sent back through the adapter the
// message arrived on.
type Bridge struct {
	sessions *sessions.Manager
	template models.SessionConfig
	logger   *observability.Logger
	observer observability.Observer

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewBridge builds a Bridge from cfg.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("channels: session manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NopObserver{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Bridge{
		sessions: cfg.Sessions,
		template: cfg.Session,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Attach registers the bridge as ch's message handler. Replies go
// back through ch.
func (b *Bridge) Attach(ch Channel) {
	ch.OnMessage(func(ctx context.Context, in Inbound) {
		b.enqueue(ctx, ch, in)
	})
}

// AttachAll attaches every adapter in the registry.
func (b *Bridge) AttachAll(reg *Registry) {
	for _, ch := range reg.All() {
		b.Attach(ch)
	}
}

// SessionKey derives the session id for a conversation. One session
// per (channel, chat) pair keeps group chats and DMs separate.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// enqueue hands the message to a bounded handler goroutine. When all
// slots are busy it blocks until one frees or ctx ends, applying
// backpressure to the adapter's receive path.
func (b *Bridge) enqueue(ctx context.Context, ch Channel, in Inbound) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	b.wg.Add(1)
	go func() {
		defer func() {
			<-b.sem
			b.wg.Done()
		}()
		b.handle(ctx, ch, in)
	}()
}

// handle processes one inbound message end to end.
func (b *Bridge) handle(ctx context.Context, ch Channel, in Inbound) {
	if len(in.Text) > maxInputBytes {
		b.logger.Warn(ctx, "inbound message truncated",
			"channel", in.Channel, "chat_id", in.ChatID,
			"original_bytes", len(in.Text))
		in.Text = in.Text[:maxInputBytes]
	}

	key := SessionKey(in.Channel, in.ChatID)
	cfg := b.template
	cfg.ChannelID = in.Channel
	cfg.UserID = in.UserID
	sess, created, err := b.sessions.Ensure(key, cfg)
	if err != nil {
		b.logger.Error(ctx, "resolve channel session failed",
			"channel", in.Channel, "chat_id", in.ChatID, "error", err)
		return
	}
	ctx = observability.WithSessionID(ctx, sess.ID)
	if created {
		b.logger.Info(ctx, "channel session created",
			"channel", in.Channel, "chat_id", in.ChatID, "user_id", in.UserID)
	}
	b.observer.OnChannelMessage(ctx, observability.ChannelMessageEvent{
		Channel:   in.Channel,
		Direction: "inbound",
		SessionID: sess.ID,
	})

	loop, err := b.sessions.Loop(sess.ID)
	if err != nil {
		b.logger.Error(ctx, "channel session vanished", "error", err)
		return
	}
	_ = b.sessions.Touch(sess.ID)

	events, err := loop.Run(ctx, in.Text)
	if errors.Is(err, agent.ErrRunActive) {
		// A run is already answering this conversation; fold the new
		// message into it. The in-flight drain sends the reply.
		loop.Steer(steering.Inject(in.Text))
		b.logger.Debug(ctx, "message injected into active run",
			"channel", in.Channel, "chat_id", in.ChatID)
		return
	}
	if err != nil {
		b.logger.Error(ctx, "channel run failed to start", "error", err)
		b.reply(ctx, ch, in, "Something went wrong starting that request. Please try again.")
		return
	}

	b.drain(ctx, ch, in, sess.ID, events)
}

// drain consumes the run's event stream and sends the terminal
// outcome back to the platform.
func (b *Bridge) drain(ctx context.Context, ch Channel, in Inbound, sessionID string, events <-chan models.AgentEvent) {
	var truncated bool
	var answer string
	for ev := range events {
		switch ev.Type {
		case models.AgentEventComplete:
			answer = ev.Answer
			if len(answer) > maxReplyBytes {
				answer = answer[:maxReplyBytes]
				truncated = true
			}
		case models.AgentEventError:
			b.logger.Error(ctx, "channel run failed", "error", ev.Err)
			b.reply(ctx, ch, in, "The request failed: "+ev.Err)
			return
		case models.AgentEventAborted:
			b.logger.Info(ctx, "channel run aborted", "reason", ev.Reason)
			return
		}
	}

	if answer == "" {
		return
	}
	if truncated {
		b.logger.Warn(ctx, "reply truncated", "session_id", sessionID, "limit", maxReplyBytes)
	}
	b.reply(ctx, ch, in, answer)
	_ = b.sessions.Touch(sessionID)
}

// reply sends text back to the conversation the message came from.
func (b *Bridge) reply(ctx context.Context, ch Channel, in Inbound, text string) {
	res := ch.Send(ctx, in.ChatID, text)
	if !res.Success {
		b.logger.Error(ctx, "channel send failed",
			"channel", in.Channel, "chat_id", in.ChatID, "error", res.Error)
		return
	}
	b.observer.OnChannelMessage(ctx, observability.ChannelMessageEvent{
		Channel:   in.Channel,
		Direction: "outbound",
		SessionID: SessionKey(in.Channel, in.ChatID),
	})
}

// Wait blocks until all in-flight handlers finish or ctx expires.
func (b *Bridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
