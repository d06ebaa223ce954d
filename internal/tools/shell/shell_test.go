package shell

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/pkg/models"
)

func testContext(t *testing.T, autonomy models.Autonomy) (*agent.ToolContext, string) {
	t.Helper()
	dir := t.TempDir()
	policy := security.NewPolicy(security.Options{
		Autonomy:      autonomy,
		WorkspaceRoot: dir,
	})
	tc := &agent.ToolContext{SessionID: "sess_test", Cwd: dir, Policy: policy}
	return tc, dir
}

func rawArgs(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return raw
}

func decodePayload(t *testing.T, res *models.ToolResult) map[string]interface{} {
	t.Helper()
	if res == nil {
		t.Fatal("nil tool result")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(res.Output), &payload); err != nil {
		t.Fatalf("decode payload: %v\n%s", err, res.Output)
	}
	return payload
}

func TestShellEcho(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "echo hello",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("command failed: %s", res.Error)
	}
	payload := decodePayload(t, res)

	if payload["stdout"] != "hello\n" {
		t.Errorf("stdout = %q, want %q", payload["stdout"], "hello\n")
	}
	if int(payload["exit_code"].(float64)) != 0 {
		t.Errorf("exit_code = %v, want 0", payload["exit_code"])
	}
	if payload["timed_out"] != false {
		t.Error("fast command flagged as timed out")
	}
}

func TestShellNonZeroExit(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "exit 3",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("non-zero exit reported as success")
	}
	payload := decodePayload(t, res)
	if int(payload["exit_code"].(float64)) != 3 {
		t.Errorf("exit_code = %v, want 3", payload["exit_code"])
	}
}

func TestShellCapturesStderr(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "echo oops >&2",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)
	if payload["stderr"] != "oops\n" {
		t.Errorf("stderr = %q, want %q", payload["stderr"], "oops\n")
	}
	if payload["stdout"] != "" {
		t.Errorf("stdout = %q, want empty", payload["stdout"])
	}
}

func TestShellStdin(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "cat",
		"input":   "piped in",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)
	if payload["stdout"] != "piped in" {
		t.Errorf("stdout = %q, want %q", payload["stdout"], "piped in")
	}
}

func TestShellRunsInWorkspaceByDefault(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "pwd",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)
	got := strings.TrimSpace(payload["stdout"].(string))
	if got != tc.Policy.WorkspaceRoot() {
		t.Errorf("pwd = %q, want workspace root %q", got, tc.Policy.WorkspaceRoot())
	}
}

func TestShellRelativeCwd(t *testing.T) {
	tc, dir := testContext(t, models.AutonomyFull)
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "pwd",
		"cwd":     "sub",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)
	got := strings.TrimSpace(payload["stdout"].(string))
	if !strings.HasSuffix(got, string(filepath.Separator)+"sub") {
		t.Errorf("pwd = %q, want a path ending in /sub", got)
	}
}

func TestShellTimeout(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	tool := New(Config{DefaultTimeout: 100 * time.Millisecond})

	start := time.Now()
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "sleep 5",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if res.Success {
		t.Fatal("timed-out command reported as success")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q, want timeout message", res.Error)
	}
	payload := decodePayload(t, res)
	if payload["timed_out"] != true {
		t.Error("timed_out flag not set")
	}
}

func TestShellOutputCapped(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	tool := New(Config{MaxOutputBytes: 10})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "printf 'aaaaaaaaaaaaaaaaaaaa'",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)
	if got := payload["stdout"].(string); len(got) != 10 {
		t.Errorf("captured %d bytes, want 10", len(got))
	}
}

func TestShellRejectedAtReadOnlyAutonomy(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyReadOnly)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "echo hello",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("shell ran at readonly autonomy")
	}
	if !strings.Contains(res.Error, "command rejected") {
		t.Errorf("error = %q, want command rejection", res.Error)
	}
}

func TestShellDangerousScriptRejectedWhenSupervised(t *testing.T) {
	tc, _ := testContext(t, models.AutonomySupervised)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "echo hi; rm -rf /",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("chained script ran at supervised autonomy")
	}
	if !strings.Contains(res.Error, "shell script rejected") {
		t.Errorf("error = %q, want script analysis rejection", res.Error)
	}
}

func TestShellSimpleScriptAllowedWhenSupervised(t *testing.T) {
	tc, _ := testContext(t, models.AutonomySupervised)
	tool := New(Config{})

	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "echo fine",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("plain echo rejected at supervised autonomy: %s", res.Error)
	}
}

func TestShellReportsProgress(t *testing.T) {
	tc, _ := testContext(t, models.AutonomyFull)
	var lines []string
	tc.OnProgress = func(p string) { lines = append(lines, p) }
	tool := New(Config{})

	if _, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"command": "echo hello",
	}), tc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "echo hello") {
		t.Errorf("progress lines = %v", lines)
	}
}
