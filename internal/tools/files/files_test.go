package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/pkg/models"
)

func testContext(t *testing.T) (*agent.ToolContext, string) {
	t.Helper()
	dir := t.TempDir()
	policy := security.NewPolicy(security.Options{
		Autonomy:      models.AutonomyFull,
		WorkspaceRoot: dir,
		WorkspaceOnly: true,
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
	if !res.Success {
		t.Fatalf("tool failed: %s", res.Error)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(res.Output), &payload); err != nil {
		t.Fatalf("decode payload: %v\n%s", err, res.Output)
	}
	return payload
}

func TestReadRoundTrip(t *testing.T) {
	tc, dir := testContext(t)
	content := "line one\nline two\n"
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadTool(Config{})
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{"path": "notes.txt"}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)

	if payload["content"] != content {
		t.Errorf("content = %q, want %q", payload["content"], content)
	}
	if payload["truncated"] != false {
		t.Error("short file reported as truncated")
	}
	if int(payload["bytes"].(float64)) != len(content) {
		t.Errorf("bytes = %v, want %d", payload["bytes"], len(content))
	}
}

func TestReadOffsetAndLimit(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "digits.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadTool(Config{})
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path":      "digits.txt",
		"offset":    2,
		"max_bytes": 4,
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)

	if payload["content"] != "2345" {
		t.Errorf("content = %q, want %q", payload["content"], "2345")
	}
	if payload["truncated"] != true {
		t.Error("partial read not flagged truncated")
	}
}

func TestReadHonorsConfiguredCap(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", 100)), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadTool(Config{MaxReadBytes: 10})
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{"path": "big.txt"}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)

	if got := payload["content"].(string); len(got) != 10 {
		t.Errorf("read %d bytes, want 10", len(got))
	}
	if payload["truncated"] != true {
		t.Error("capped read not flagged truncated")
	}
}

func TestReadMissingFile(t *testing.T) {
	tc, _ := testContext(t)
	tool := NewReadTool(Config{})
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{"path": "absent.txt"}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("reading a missing file succeeded")
	}
	if !strings.Contains(res.Error, "open file") {
		t.Errorf("error = %q, want open failure", res.Error)
	}
}

func TestReadRejectsWorkspaceEscape(t *testing.T) {
	tc, _ := testContext(t)
	tool := NewReadTool(Config{})
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path": "../../../../tmp/outside.txt",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("workspace escape succeeded")
	}
	if !strings.Contains(res.Error, "path rejected") {
		t.Errorf("error = %q, want policy rejection", res.Error)
	}
}

func TestWriteCreatesNestedDirectories(t *testing.T) {
	tc, dir := testContext(t)
	tool := NewWriteTool()
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path":    "a/b/c.txt",
		"content": "nested",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)

	if int(payload["bytes_written"].(float64)) != len("nested") {
		t.Errorf("bytes_written = %v, want %d", payload["bytes_written"], len("nested"))
	}
	data, err := os.ReadFile(filepath.Join(dir, "a", "b", "c.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "nested" {
		t.Errorf("file contents = %q, want %q", data, "nested")
	}
}

func TestWriteAppend(t *testing.T) {
	tc, dir := testContext(t)
	tool := NewWriteTool()
	ctx := context.Background()

	for _, chunk := range []string{"first\n", "second\n"} {
		res, err := tool.Execute(ctx, rawArgs(t, map[string]interface{}{
			"path":    "log.txt",
			"content": chunk,
			"append":  true,
		}), tc)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		decodePayload(t, res)
	}

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("appended contents = %q", data)
	}
}

func TestWriteOverwritesByDefault(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "cfg.txt"), []byte("old old old"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewWriteTool()
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path":    "cfg.txt",
		"content": "new",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	decodePayload(t, res)

	data, _ := os.ReadFile(filepath.Join(dir, "cfg.txt"))
	if string(data) != "new" {
		t.Errorf("contents = %q, want full overwrite", data)
	}
}

func TestWriteRejectedAtReadOnlyAutonomy(t *testing.T) {
	dir := t.TempDir()
	policy := security.NewPolicy(security.Options{
		Autonomy:      models.AutonomyReadOnly,
		WorkspaceRoot: dir,
	})
	tc := &agent.ToolContext{SessionID: "sess_test", Policy: policy}

	tool := NewWriteTool()
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path":    "x.txt",
		"content": "nope",
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("write succeeded at readonly autonomy")
	}
	if !strings.Contains(res.Error, "read-only") {
		t.Errorf("error = %q, want read-only denial", res.Error)
	}
}

func TestWriteSnapshotRecordsTarget(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "seen.txt"), []byte("before"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewWriteTool()
	snap, err := tool.StateSnapshot(context.Background(), rawArgs(t, map[string]interface{}{
		"path":    "seen.txt",
		"content": "after",
	}), tc)
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	if snap.State["exists"] != "true" {
		t.Error("snapshot missed existing file")
	}
	if snap.State["size"] != "6" {
		t.Errorf("snapshot size = %q, want 6", snap.State["size"])
	}
	if snap.State["sha256"] == "" {
		t.Error("snapshot missing content hash")
	}

	snap, err = tool.StateSnapshot(context.Background(), rawArgs(t, map[string]interface{}{
		"path":    "unseen.txt",
		"content": "after",
	}), tc)
	if err != nil {
		t.Fatalf("StateSnapshot: %v", err)
	}
	if snap.State["exists"] != "false" {
		t.Error("snapshot invented a missing file")
	}
}

func TestEditSingleReplacement(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tool := NewEditTool()
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path": "main.go",
		"edits": []map[string]interface{}{
			{"old_text": "func main() {}", "new_text": "func main() { run() }"},
		},
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)

	if int(payload["replaced"].(float64)) != 1 {
		t.Errorf("replaced = %v, want 1", payload["replaced"])
	}
	data, _ := os.ReadFile(filepath.Join(dir, "main.go"))
	if !strings.Contains(string(data), "run()") {
		t.Errorf("edit not applied: %q", data)
	}

	info, err := os.Stat(filepath.Join(dir, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("edit changed file mode to %v", info.Mode().Perm())
	}
}

func TestEditOldTextNotFound(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewEditTool()
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path": "f.txt",
		"edits": []map[string]interface{}{
			{"old_text": "goodbye", "new_text": "farewell"},
		},
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("edit with absent old_text succeeded")
	}
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("error = %q, want not-found", res.Error)
	}
}

func TestEditAmbiguousWithoutReplaceAll(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewEditTool()
	ctx := context.Background()

	res, err := tool.Execute(ctx, rawArgs(t, map[string]interface{}{
		"path": "f.txt",
		"edits": []map[string]interface{}{
			{"old_text": "aaa", "new_text": "ccc"},
		},
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("ambiguous edit succeeded without replace_all")
	}
	if !strings.Contains(res.Error, "matches 2 times") {
		t.Errorf("error = %q, want ambiguity count", res.Error)
	}

	res, err = tool.Execute(ctx, rawArgs(t, map[string]interface{}{
		"path": "f.txt",
		"edits": []map[string]interface{}{
			{"old_text": "aaa", "new_text": "ccc", "replace_all": true},
		},
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)
	if int(payload["replaced"].(float64)) != 2 {
		t.Errorf("replaced = %v, want 2", payload["replaced"])
	}
	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "ccc bbb ccc" {
		t.Errorf("contents = %q", data)
	}
}

func TestEditSequentialEditsSeeEachOther(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewEditTool()
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path": "f.txt",
		"edits": []map[string]interface{}{
			{"old_text": "alpha", "new_text": "beta"},
			{"old_text": "beta", "new_text": "gamma"},
		},
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	decodePayload(t, res)

	data, _ := os.ReadFile(filepath.Join(dir, "f.txt"))
	if string(data) != "gamma" {
		t.Errorf("contents = %q, want %q", data, "gamma")
	}
}

func TestListNonRecursive(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.txt", "a.txt", filepath.Join("sub", "deep.txt")} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tool := NewListTool(Config{})
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{"path": "."}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)

	entries := payload["entries"].([]interface{})
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3 (a.txt, b.txt, sub)", len(entries))
	}
	first := entries[0].(map[string]interface{})
	if first["path"] != "a.txt" {
		t.Errorf("entries not sorted: first = %v", first["path"])
	}
	for _, e := range entries {
		if e.(map[string]interface{})["path"] == "deep.txt" {
			t.Error("non-recursive list descended into sub/")
		}
	}
}

func TestListRecursiveWithLimit(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.txt", "b.txt", filepath.Join("sub", "c.txt"), filepath.Join("sub", "d.txt")} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tool := NewListTool(Config{MaxListEntries: 3})
	res, err := tool.Execute(context.Background(), rawArgs(t, map[string]interface{}{
		"path":      ".",
		"recursive": true,
	}), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)

	if int(payload["count"].(float64)) != 3 {
		t.Errorf("count = %v, want 3", payload["count"])
	}
	if payload["truncated"] != true {
		t.Error("limited walk not flagged truncated")
	}
}

func TestListDefaultsToWorkspaceRoot(t *testing.T) {
	tc, dir := testContext(t)
	if err := os.WriteFile(filepath.Join(dir, "only.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewListTool(Config{})
	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`), tc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodePayload(t, res)
	if int(payload["count"].(float64)) != 1 {
		t.Errorf("count = %v, want 1", payload["count"])
	}
}
