package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/internal/contextmgr"
	"github.com/haasonsaas/conduit/internal/memory"
	"github.com/haasonsaas/conduit/pkg/models"
)

func testBackend(t *testing.T) *memory.SQLiteBackend {
	t.Helper()
	backend, err := memory.NewSQLite(memory.SQLiteConfig{})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestMemoryHooksRecallInjectsNotes(t *testing.T) {
	backend := testBackend(t)
	ctx := context.Background()
	if err := backend.Store(ctx, memory.Entry{
		Category: memory.CategoryPreference,
		Content:  "favorite editor is helix, not vim",
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	cm := contextmgr.NewManager(contextmgr.Config{})
	hooks := MemoryHooks(MemoryHooksConfig{
		Backend:    backend,
		Context:    cm,
		Logger:     quietLogger(),
		AutoRecall: true,
	})
	if hooks.OnBeforeFirstRun == nil {
		t.Fatal("recall hook not installed")
	}

	err := hooks.OnBeforeFirstRun(ctx, &RunInfo{
		SessionID:      "sess_1",
		InitialMessage: "favorite editor",
	})
	if err != nil {
		t.Fatalf("recall hook: %v", err)
	}

	msgs := cm.Messages()
	var injected *models.Message
	for i := range msgs {
		if msgs[i].Role == models.RoleSystem && strings.Contains(msgs[i].Content, "<relevant-memories>") {
			injected = &msgs[i]
		}
	}
	if injected == nil {
		t.Fatal("no memory block injected")
	}
	if !strings.Contains(injected.Content, "[preference] favorite editor is helix") {
		t.Fatalf("block = %q", injected.Content)
	}
}

func TestMemoryHooksRecallSkipsShortAndMissing(t *testing.T) {
	backend := testBackend(t)
	cm := contextmgr.NewManager(contextmgr.Config{})
	hooks := MemoryHooks(MemoryHooksConfig{
		Backend: backend, Context: cm, Logger: quietLogger(), AutoRecall: true,
	})
	ctx := context.Background()

	if err := hooks.OnBeforeFirstRun(ctx, &RunInfo{InitialMessage: "hi"}); err != nil {
		t.Fatalf("short query: %v", err)
	}
	if err := hooks.OnBeforeFirstRun(ctx, &RunInfo{InitialMessage: "nothing stored about this"}); err != nil {
		t.Fatalf("no hits: %v", err)
	}
	if n := len(cm.Messages()); n != 0 {
		t.Fatalf("context has %d messages, want 0", n)
	}
}

func TestMemoryHooksRecallDedupesRepeatRuns(t *testing.T) {
	backend := testBackend(t)
	ctx := context.Background()
	if err := backend.Store(ctx, memory.Entry{Content: "deploy target is fly.io region fra"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	cm := contextmgr.NewManager(contextmgr.Config{})
	hooks := MemoryHooks(MemoryHooksConfig{
		Backend: backend, Context: cm, Logger: quietLogger(), AutoRecall: true,
	})

	for range 2 {
		if err := hooks.OnBeforeFirstRun(ctx, &RunInfo{InitialMessage: "deploy target"}); err != nil {
			t.Fatalf("recall: %v", err)
		}
	}

	var blocks int
	for _, m := range cm.Messages() {
		if strings.Contains(m.Content, "<relevant-memories>") {
			blocks++
		}
	}
	if blocks != 1 {
		t.Fatalf("memory blocks = %d, want 1", blocks)
	}
}

func TestMemoryHooksCaptureStoresTriggeredStatements(t *testing.T) {
	backend := testBackend(t)
	hooks := MemoryHooks(MemoryHooksConfig{
		Backend: backend, Logger: quietLogger(), AutoCapture: true,
	})
	if hooks.OnAfterComplete == nil {
		t.Fatal("capture hook not installed")
	}

	ctx := context.Background()
	info := &RunInfo{
		SessionID: "sess_cap",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "I prefer tabs over spaces in Go"},
			{Role: models.RoleAssistant, Content: "Noted."},
			{Role: models.RoleUser, Content: "ok"},
			{Role: models.RoleTool, Content: "remember: tool output is never captured"},
		},
	}
	if err := hooks.OnAfterComplete(ctx, info); err != nil {
		t.Fatalf("capture hook: %v", err)
	}

	entries, err := backend.Recall(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stored %d entries, want 1: %+v", len(entries), entries)
	}
	e := entries[0]
	if e.Content != "I prefer tabs over spaces in Go" {
		t.Fatalf("content = %q", e.Content)
	}
	if e.Category != memory.CategoryPreference {
		t.Fatalf("category = %q, want preference", e.Category)
	}
	if e.SessionID != "sess_cap" {
		t.Fatalf("session = %q", e.SessionID)
	}

	// A second completion with the same conversation must not file a
	// duplicate.
	if err := hooks.OnAfterComplete(ctx, info); err != nil {
		t.Fatalf("repeat capture: %v", err)
	}
	entries, err = backend.Recall(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stored %d entries after repeat, want 1", len(entries))
	}
}

func TestMemoryHooksCaptureSkipsMachineContent(t *testing.T) {
	backend := testBackend(t)
	hooks := MemoryHooks(MemoryHooksConfig{
		Backend: backend, Logger: quietLogger(), AutoCapture: true,
	})

	ctx := context.Background()
	err := hooks.OnAfterComplete(ctx, &RunInfo{
		SessionID: "sess_skip",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "<relevant-memories>\n- [fact] remember me\n</relevant-memories>"},
			{Role: models.RoleUser, Content: "[VALIDATION ERROR] remember to fix the args"},
			{Role: models.RoleUser, Content: "remember " + strings.Repeat("x", maxCaptureLen)},
			{Role: models.RoleUser, Content: "short"},
		},
	})
	if err != nil {
		t.Fatalf("capture hook: %v", err)
	}

	entries, err := backend.Recall(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("stored %d entries, want 0: %+v", len(entries), entries)
	}
}

func TestMemoryHooksRequireBackend(t *testing.T) {
	hooks := MemoryHooks(MemoryHooksConfig{AutoRecall: true, AutoCapture: true})
	if hooks.OnBeforeFirstRun != nil || hooks.OnAfterComplete != nil {
		t.Fatal("hooks must stay nil without a backend")
	}
}
