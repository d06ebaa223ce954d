// Package channels defines the channel collaborator interface and the
// bridge that routes inbound channel traffic into sessions. Adapters
// for concrete platforms (telegram, discord, slack) live in
// subpackages and stay thin: transport in, transport out, nothing
// else. Conversation state belongs to the session's agent loop.
package channels

import (
	"context"
	"sync"
	"time"
)

// Channel is the interface every platform adapter implements.
type Channel interface {
	// ID is the stable channel identifier (telegram, discord, slack).
	ID() string

	// Name is the human-readable platform name.
	Name() string

	// Start connects to the platform and begins delivering inbound
	// messages to the registered handlers. It returns once the
	// connection is established; delivery runs in the background.
	Start(ctx context.Context) error

	// Stop disconnects and waits for in-flight deliveries, or until
	// ctx expires.
	Stop(ctx context.Context) error

	// Send delivers text to a recipient (a chat, channel, or user id
	// in the platform's own namespace).
	Send(ctx context.Context, recipient, text string) SendResult

	// OnMessage registers a handler for inbound messages. Handlers
	// registered after Start still receive subsequent messages.
	OnMessage(h MessageHandler)

	// OnPresence registers a handler for presence changes on
	// platforms that report them.
	OnPresence(h PresenceHandler)

	// IsHealthy reports whether the adapter considers its connection
	// usable.
	IsHealthy() bool
}

// SendResult is the outcome of a Send.
//
// Invariant: Success == false implies Error is non-empty.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Sent builds a successful SendResult.
func Sent(messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID}
}

// SendFailed builds a failed SendResult from err.
func SendFailed(err error) SendResult {
	msg := "send failed"
	if err != nil {
		msg = err.Error()
	}
	return SendResult{Success: false, Error: msg}
}

// Inbound is a message received from a platform, normalised to the
// fields the bridge needs. ChatID is the conversation to reply into;
// UserID is the sender in the platform's namespace.
type Inbound struct {
	Channel    string
	ChatID     string
	UserID     string
	UserName   string
	MessageID  string
	Text       string
	ReceivedAt time.Time
}

// Presence is a presence change reported by a platform.
type Presence struct {
	Channel string
	UserID  string
	Status  string // online | offline | typing
	At      time.Time
}

// MessageHandler consumes one inbound message. Handlers are invoked
// from the adapter's receive goroutine and must not block for long;
// the bridge hands work off immediately.
type MessageHandler func(ctx context.Context, msg Inbound)

// PresenceHandler consumes one presence change.
type PresenceHandler func(ctx context.Context, p Presence)

// Handlers stores registered callbacks. Adapters embed it to satisfy
// OnMessage and OnPresence and call the Dispatch methods from their
// receive paths. Safe for concurrent use.
type Handlers struct {
	mu         sync.RWMutex
	onMessage  []MessageHandler
	onPresence []PresenceHandler
}

// OnMessage registers h.
func (hs *Handlers) OnMessage(h MessageHandler) {
	if h == nil {
		return
	}
	hs.mu.Lock()
	hs.onMessage = append(hs.onMessage, h)
	hs.mu.Unlock()
}

// OnPresence registers h.
func (hs *Handlers) OnPresence(h PresenceHandler) {
	if h == nil {
		return
	}
	hs.mu.Lock()
	hs.onPresence = append(hs.onPresence, h)
	hs.mu.Unlock()
}

// DispatchMessage invokes every registered message handler in order.
func (hs *Handlers) DispatchMessage(ctx context.Context, msg Inbound) {
	hs.mu.RLock()
	handlers := hs.onMessage
	hs.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, msg)
	}
}

// DispatchPresence invokes every registered presence handler in order.
func (hs *Handlers) DispatchPresence(ctx context.Context, p Presence) {
	hs.mu.RLock()
	handlers := hs.onPresence
	hs.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, p)
	}
}

// UserFilter reports whether a sender may talk to the agent. Adapters
// apply it before dispatching; a nil filter admits everyone.
type UserFilter func(userID string) bool

// AllowUsers builds a UserFilter from an allowlist. An empty list
// admits everyone.
func AllowUsers(ids []string) UserFilter {
	if len(ids) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return func(userID string) bool {
		_, ok := allowed[userID]
		return ok
	}
}
