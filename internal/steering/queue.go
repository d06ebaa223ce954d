// Package steering lets external code nudge a running session between
// yield points: abort the run, inject messages, or swap the system prompt.
package steering

import "sync"

// Kind classifies a steering message.
type Kind string

const (
	// KindAbort terminates the current run at the next yield point.
	KindAbort Kind = "abort"

	// KindInject prepends a synthetic user message before the next
	// engine call.
	KindInject Kind = "inject"

	// KindPriority is an inject tagged "[PRIORITY]".
	KindPriority Kind = "priority"

	// KindContextUpdate replaces the system prompt.
	KindContextUpdate Kind = "context_update"
)

// Message is one steering instruction.
type Message struct {
	Kind Kind

	// Content is the injected text, the replacement system prompt, or
	// the abort reason depending on Kind.
	Content string
}

// Abort builds an abort message with the given reason.
func Abort(reason string) *Message {
	return &Message{Kind: KindAbort, Content: reason}
}

// Inject builds a user-message injection.
func Inject(content string) *Message {
	return &Message{Kind: KindInject, Content: content}
}

// Priority builds a priority injection.
func Priority(content string) *Message {
	return &Message{Kind: KindPriority, Content: content}
}

// ContextUpdate builds a system-prompt replacement.
func ContextUpdate(content string) *Message {
	return &Message{Kind: KindContextUpdate, Content: content}
}

// Queue holds pending steering messages for one session. It is safe for
// concurrent use; the loop drains it at yield points.
type Queue struct {
	mu      sync.Mutex
	pending []*Message
}

// NewQueue creates an empty steering queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a message. Non-blocking; nil messages are ignored.
func (q *Queue) Push(m *Message) {
	if m == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, m)
}

// Drain removes and returns all pending messages, aborts first, FIFO
// within each class. Returns nil when nothing is queued.
func (q *Queue) Drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	out := make([]*Message, 0, len(q.pending))
	for _, m := range q.pending {
		if m.Kind == KindAbort {
			out = append(out, m)
		}
	}
	for _, m := range q.pending {
		if m.Kind != KindAbort {
			out = append(out, m)
		}
	}
	q.pending = nil
	return out
}

// HasAbort reports whether an abort is queued, without draining.
func (q *Queue) HasAbort() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.pending {
		if m.Kind == KindAbort {
			return true
		}
	}
	return false
}

// DropAborts discards queued abort messages, keeping the rest. A run
// calls this at start so an abort aimed at an earlier run cannot kill
// it; injections and context updates stay valid across runs.
func (q *Queue) DropAborts() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, m := range q.pending {
		if m.Kind != KindAbort {
			kept = append(kept, m)
		}
	}
	q.pending = kept
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear discards all queued messages. Called when a session ends.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}
