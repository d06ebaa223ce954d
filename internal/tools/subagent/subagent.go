// Package subagent implements the subagent tool: delegate a focused
// task to a child agent loop and return its final answer.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/contextmgr"
	"github.com/haasonsaas/conduit/internal/ids"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Config controls subagent defaults.
type Config struct {
	// EngineID is the engine used when the call does not name one.
	EngineID string

	// Model passed to the child loop.
	Model string

	// MaxIterations bounds the child loop. Zero means 10.
	MaxIterations int

	// Logger for the child loop. Nil means a discard logger.
	Logger *observability.Logger
}

func (c Config) maxIterations() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return 10
}

// Tool spawns a child loop per call. Heavyweight: the child runs to
// completion inside a pool worker, so the parent loop keeps streaming.
// The child gets no tools of its own; it is a pure reasoning delegate.
type Tool struct {
	cfg Config
}

// New creates the subagent tool.
func New(cfg Config) *Tool { return &Tool{cfg: cfg} }

func (t *Tool) Name() string         { return "subagent" }
func (t *Tool) Weight() agent.Weight { return agent.Heavyweight }

func (t *Tool) Description() string {
	return "Delegate a self-contained task to a sub-agent and return its answer."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete task description; the sub-agent sees nothing else.",
			},
			"engine": map[string]interface{}{
				"type":        "string",
				"description": "Engine id to run the sub-agent on (default: the session's engine).",
			},
			"system_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Optional system prompt for the sub-agent.",
			},
		},
		"required": []string{"task"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	if tc == nil || tc.Engines == nil {
		return models.ErrorResult("no engine registry in tool context"), nil
	}
	var input struct {
		Task         string `json:"task"`
		Engine       string `json:"engine"`
		SystemPrompt string `json:"system_prompt"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Task) == "" {
		return models.ErrorResult("task is required"), nil
	}

	engineID := input.Engine
	if engineID == "" {
		engineID = t.cfg.EngineID
	}
	engine, err := tc.Engines.Get(engineID)
	if err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	cm := contextmgr.NewManager(contextmgr.Config{})
	if input.SystemPrompt != "" {
		cm.SetSystemPrompt(input.SystemPrompt)
	}

	childID := tc.SessionID + "-sub-" + ids.Short()
	loop, err := agent.NewLoop(agent.Config{
		SessionID:     childID,
		Engine:        engine,
		Model:         t.cfg.Model,
		Context:       cm,
		Policy:        tc.Policy,
		Logger:        t.cfg.Logger,
		Memory:        tc.Memory,
		MaxIterations: t.cfg.maxIterations(),
	})
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("spawn sub-agent: %v", err)), nil
	}

	tc.Progress("sub-agent " + childID + " working")

	events, err := loop.Run(ctx, input.Task)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("start sub-agent: %v", err)), nil
	}

	var answer, failure string
	aborted := false
	for ev := range events {
		switch ev.Type {
		case models.AgentEventComplete:
			answer = ev.Answer
		case models.AgentEventError:
			failure = ev.Err
		case models.AgentEventAborted:
			aborted = true
		}
	}

	switch {
	case failure != "":
		return models.ErrorResult("sub-agent failed: " + failure), nil
	case aborted:
		return models.ErrorResult("sub-agent aborted"), nil
	}

	payload, err := json.MarshalIndent(map[string]interface{}{
		"subagent": childID,
		"engine":   engineID,
		"answer":   answer,
	}, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return models.SuccessResult(string(payload)), nil
}
