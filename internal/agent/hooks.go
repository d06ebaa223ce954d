package agent

import (
	"context"

	"github.com/haasonsaas/conduit/pkg/models"
)

// RunInfo is what hooks see about a run.
type RunInfo struct {
	SessionID string
	RunID     string

	// InitialMessage is the user message that started the run.
	InitialMessage string

	// FinalAnswer is set for OnAfterComplete; empty in OnBeforeFirstRun.
	FinalAnswer string

	// Messages is a snapshot of the conversation at hook time.
	Messages []models.Message
}

// Hooks are optional extension points around a run. Hook errors are
// swallowed after being reported to the observer: memory recall or
// summarisation must never kill a run.
type Hooks struct {
	// OnBeforeFirstRun fires after the initial user message is added
	// and before the first engine call. Typical use: recall relevant
	// memories and inject them into the context.
	OnBeforeFirstRun func(ctx context.Context, info *RunInfo) error

	// OnAfterComplete fires when a run ends with a complete event.
	// Typical use: summarise the conversation into memory.
	OnAfterComplete func(ctx context.Context, info *RunInfo) error
}
