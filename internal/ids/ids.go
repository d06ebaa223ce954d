// Package ids generates the identifiers used across sessions, runs, and
// messages. Identifiers are UUIDv4 strings with a short type prefix so that
// logs and wire payloads stay self-describing.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns an identifier for a new session.
func NewSessionID() string { return "sess_" + uuid.NewString() }

// NewRunID returns an identifier for a single agent-loop run.
func NewRunID() string { return "run_" + uuid.NewString() }

// NewMessageID returns an identifier for a message.
func NewMessageID() string { return "msg_" + uuid.NewString() }

// NewToolCallID returns an identifier for a tool call synthesized locally
// (engines normally supply their own).
func NewToolCallID() string { return "call_" + uuid.NewString() }

// Short returns an 8-character random suffix for derived identifiers
// such as sub-agent session names.
func Short() string { return uuid.NewString()[:8] }

// IsSessionID reports whether s carries the session prefix.
func IsSessionID(s string) bool { return strings.HasPrefix(s, "sess_") }
