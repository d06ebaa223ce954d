package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/contextmgr"
	"github.com/haasonsaas/conduit/internal/ids"
	"github.com/haasonsaas/conduit/internal/memory"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	memoryBlockOpen  = "<relevant-memories>"
	memoryBlockClose = "</relevant-memories>"

	// minRecallQuery skips recall for greetings and one-word prompts.
	minRecallQuery = 8

	minCaptureLen = 10
	maxCaptureLen = 500
)

// MemoryHooksConfig wires a memory backend into a session's run hooks.
type MemoryHooksConfig struct {
	// Backend stores and recalls entries. Required.
	Backend memory.Backend

	// Context receives the recalled-memories message. Required when
	// AutoRecall is set.
	Context *contextmgr.Manager

	// Logger defaults to a stdout JSON logger.
	Logger *observability.Logger

	// AutoRecall injects relevant memories before the first engine
	// call of each run.
	AutoRecall bool

	// AutoCapture files memorable user and assistant statements after
	// a run completes.
	AutoCapture bool

	// RecallLimit caps injected memories per run. Zero means 3.
	RecallLimit int

	// MaxCaptures caps stored memories per run. Zero means 3.
	MaxCaptures int
}

// MemoryHooks builds Hooks that recall into the context before a run
// and capture from the conversation after it. Both sides are best
// effort: the loop reports hook errors to the observer and carries on.
func MemoryHooks(cfg MemoryHooksConfig) Hooks {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = 3
	}
	if cfg.MaxCaptures <= 0 {
		cfg.MaxCaptures = 3
	}
	mh := &memoryHooks{cfg: cfg}

	var hooks Hooks
	if cfg.AutoRecall && cfg.Backend != nil && cfg.Context != nil {
		hooks.OnBeforeFirstRun = mh.recall
	}
	if cfg.AutoCapture && cfg.Backend != nil {
		hooks.OnAfterComplete = mh.capture
	}
	return hooks
}

type memoryHooks struct {
	cfg MemoryHooksConfig

	mu           sync.Mutex
	lastInjected string
}

// recall queries the backend with the run's initial message and adds
// the results to the context as a system note.
func (mh *memoryHooks) recall(ctx context.Context, info *RunInfo) error {
	query := strings.TrimSpace(info.InitialMessage)
	if len(query) < minRecallQuery || strings.Contains(query, memoryBlockOpen) {
		return nil
	}

	entries, err := mh.cfg.Backend.Recall(ctx, query, mh.cfg.RecallLimit)
	if err != nil {
		return fmt.Errorf("memory recall: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(memoryBlockOpen)
	b.WriteString("\nNotes from previous sessions that may be relevant:\n")
	for _, e := range entries {
		category := string(e.Category)
		if category == "" {
			category = string(memory.CategoryOther)
		}
		fmt.Fprintf(&b, "- [%s] %s\n", category, e.Content)
	}
	b.WriteString(memoryBlockClose)
	block := b.String()

	// The same conversation recalling the same notes again would just
	// bloat the context.
	mh.mu.Lock()
	if block == mh.lastInjected {
		mh.mu.Unlock()
		return nil
	}
	mh.lastInjected = block
	mh.mu.Unlock()

	mh.cfg.Context.AddMessage(models.Message{
		ID:        ids.NewMessageID(),
		Role:      models.RoleSystem,
		Content:   block,
		CreatedAt: time.Now(),
	})
	mh.cfg.Logger.Debug(ctx, "memories recalled",
		"session_id", info.SessionID, "count", len(entries))
	return nil
}

// capture scans the finished conversation for memorable statements
// and files them. Duplicates of already-stored entries are skipped.
func (mh *memoryHooks) capture(ctx context.Context, info *RunInfo) error {
	var stored int
	seen := make(map[string]struct{})
	for _, msg := range info.Messages {
		if stored >= mh.cfg.MaxCaptures {
			break
		}
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if !capturable(content) {
			continue
		}
		if _, dup := seen[content]; dup {
			continue
		}
		seen[content] = struct{}{}
		if mh.alreadyStored(ctx, content) {
			continue
		}

		entry := memory.Entry{
			SessionID: info.SessionID,
			Category:  detectCategory(content),
			Content:   content,
		}
		if err := mh.cfg.Backend.Store(ctx, entry); err != nil {
			mh.cfg.Logger.Warn(ctx, "memory capture failed", "error", err)
			continue
		}
		stored++
	}

	if stored > 0 {
		mh.cfg.Logger.Info(ctx, "memories captured",
			"session_id", info.SessionID, "count", stored)
	}
	return nil
}

// alreadyStored checks the backend for an identical entry. Lookup
// failures err on the side of storing.
func (mh *memoryHooks) alreadyStored(ctx context.Context, content string) bool {
	existing, err := mh.cfg.Backend.Recall(ctx, content, 1)
	if err != nil {
		return false
	}
	return len(existing) > 0 && existing[0].Content == content
}

// captureTriggers marks statements worth keeping: explicit requests,
// preferences, decisions, contact details, personal facts.
var captureTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bremember\b`),
	regexp.MustCompile(`(?i)\bi (like|prefer|hate|love|want|need|always|never)\b`),
	regexp.MustCompile(`(?i)\b(we|i) (decided|will use|are going to)\b`),
	regexp.MustCompile(`\+\d{10,}`),
	regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w{2,}`),
	regexp.MustCompile(`(?i)\bmy\s+\w+\s+is\b`),
	regexp.MustCompile(`(?i)\b(important|crucial|key point)\b`),
}

// capturable reports whether content is worth filing as a memory.
func capturable(content string) bool {
	if len(content) < minCaptureLen || len(content) > maxCaptureLen {
		return false
	}
	// Skip recalled blocks and other tagged machine content.
	if strings.Contains(content, memoryBlockOpen) {
		return false
	}
	if strings.HasPrefix(content, "<") && strings.Contains(content, "</") {
		return false
	}
	if strings.HasPrefix(content, "[") {
		return false
	}
	for _, trigger := range captureTriggers {
		if trigger.MatchString(content) {
			return true
		}
	}
	return false
}

// detectCategory buckets content for recall filtering.
func detectCategory(content string) memory.Category {
	lower := strings.ToLower(content)
	switch {
	case regexp.MustCompile(`\b(prefer|like|love|hate|want)\b`).MatchString(lower):
		return memory.CategoryPreference
	case regexp.MustCompile(`\b(decided|will use|going to)\b`).MatchString(lower):
		return memory.CategoryDecision
	case regexp.MustCompile(`\+\d{10,}|[\w.-]+@[\w.-]+\.\w{2,}|\bis called\b`).MatchString(lower):
		return memory.CategoryEntity
	case regexp.MustCompile(`\b(is|are|has|have)\b`).MatchString(lower):
		return memory.CategoryFact
	}
	return memory.CategoryOther
}
