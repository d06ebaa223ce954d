package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conduit/internal/engines"
	"github.com/haasonsaas/conduit/internal/memory"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Weight declares a tool's default execution venue.
type Weight string

const (
	// Lightweight tools run inline on the loop's goroutine.
	Lightweight Weight = "lightweight"

	// Heavyweight tools run on the shared worker pool, subject to the
	// pool's timeout and crash isolation.
	Heavyweight Weight = "heavyweight"
)

// Tool is one capability the model can invoke.
type Tool interface {
	// Name is the registry key the engine calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Weight selects the execution venue.
	Weight() Weight

	// Schema is the JSON-schema parameter object shown to the engine,
	// and the basis for argument validation. Nil means no parameters.
	Schema() json.RawMessage

	// Execute runs the tool. A failed execution is reported as a
	// ToolResult with Success=false; a returned error means the tool
	// itself broke and is treated the same way by the loop.
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*models.ToolResult, error)
}

// ArgValidator is implemented by tools that check their arguments
// before execution. A non-empty slice rejects the call; the messages
// are shown to the model.
type ArgValidator interface {
	ValidateArgs(args json.RawMessage) []string
}

// SnapshotProvider is implemented by tools that can report observable
// state around their execution, for verification. Snapshot failures
// never fail the call.
type SnapshotProvider interface {
	StateSnapshot(ctx context.Context, args json.RawMessage, tc *ToolContext) (*models.StateSnapshot, error)
}

// ToolContext carries the per-session collaborators a tool may need.
// Cancellation travels on the ctx passed to Execute, not here.
type ToolContext struct {
	SessionID string

	// Cwd is the workspace path with the home-directory prefix
	// shortened for display. Tools resolve real paths through Policy,
	// whose workspace root stays absolute.
	Cwd string

	// Policy guards paths, commands, and output. Never nil inside the
	// loop.
	Policy *security.Policy

	// OnProgress streams a human-readable progress line to the run's
	// event stream. May be nil.
	OnProgress func(string)

	// Memory is the session's long-term store. Nil when not configured.
	Memory memory.Backend

	// Engines lets the subagent tool start nested runs. Nil when not
	// configured.
	Engines *engines.Registry

	// Extensions carries host-specific extras keyed by name.
	Extensions map[string]any
}

// Progress reports p through OnProgress when set.
func (tc *ToolContext) Progress(p string) {
	if tc != nil && tc.OnProgress != nil && p != "" {
		tc.OnProgress(p)
	}
}
