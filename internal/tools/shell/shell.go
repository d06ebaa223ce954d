// Package shell implements the shell tool: policy-gated command
// execution in the workspace with timeouts and bounded output capture.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Config controls shell tool defaults.
type Config struct {
	// DefaultTimeout bounds a command when the call does not set one.
	// Zero means 60s.
	DefaultTimeout time.Duration

	// MaxTimeout caps the per-call timeout. Zero means 10m.
	MaxTimeout time.Duration

	// MaxOutputBytes caps captured stdout and stderr each. Zero means
	// 64kB.
	MaxOutputBytes int
}

func (c Config) defaultTimeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 60 * time.Second
}

func (c Config) maxTimeout() time.Duration {
	if c.MaxTimeout > 0 {
		return c.MaxTimeout
	}
	return 10 * time.Minute
}

func (c Config) maxOutput() int {
	if c.MaxOutputBytes > 0 {
		return c.MaxOutputBytes
	}
	return 64000
}

// Tool runs one shell command per call. Heavyweight: the loop dispatches
// it through the worker pool so a wedged command cannot block the run.
type Tool struct {
	cfg Config
}

// New creates the shell tool.
func New(cfg Config) *Tool { return &Tool{cfg: cfg} }

func (t *Tool) Name() string         { return "shell" }
func (t *Tool) Weight() agent.Weight { return agent.Heavyweight }

func (t *Tool) Description() string {
	return "Run a shell command in the workspace with a timeout and bounded output."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default: 60).",
				"minimum":     0,
			},
			"input": map[string]interface{}{
				"type":        "string",
				"description": "Stdin content to pass to the command.",
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Input          string `json:"input"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ErrorResult(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return models.ErrorResult("command is required"), nil
	}
	if tc == nil || tc.Policy == nil {
		return models.ErrorResult("no security policy in tool context"), nil
	}

	// The command string runs under sh -c, so it is screened the same
	// way: through the script analyzer.
	if decision := tc.Policy.ValidateCommand("sh", []string{"-c", command}); !decision.Allowed {
		return models.ErrorResult("command rejected: " + decision.Reason), nil
	}

	dir := tc.Policy.WorkspaceRoot()
	if input.Cwd != "" {
		pd := tc.Policy.ValidatePath(input.Cwd, security.OpExecute)
		if !pd.Allowed {
			return models.ErrorResult("cwd rejected: " + pd.Reason), nil
		}
		dir = pd.CanonicalPath
	}

	timeout := t.cfg.defaultTimeout()
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	if max := t.cfg.maxTimeout(); timeout > max {
		timeout = max
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()

	stdout := newLimitedBuffer(t.cfg.maxOutput())
	stderr := newLimitedBuffer(t.cfg.maxOutput())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if input.Input != "" {
		cmd.Stdin = strings.NewReader(input.Input)
	}

	tc.Progress("running: " + command)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	timedOut := runCtx.Err() == context.DeadlineExceeded
	payload := map[string]interface{}{
		"command":     command,
		"cwd":         cmd.Dir,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode(runErr),
		"duration_ms": elapsed.Milliseconds(),
		"timed_out":   timedOut,
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}

	if runErr != nil {
		msg := runErr.Error()
		if timedOut {
			msg = fmt.Sprintf("command timed out after %s", timeout)
		}
		return &models.ToolResult{
			Success: false,
			Output:  string(body),
			Error:   msg,
		}, nil
	}
	return models.SuccessResult(string(body)), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output; extra bytes are counted as
// written and dropped so the command never blocks on a full pipe.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	if remaining := b.max - len(b.buf); b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
