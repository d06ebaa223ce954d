// Package files implements the filesystem tools: file_read, file_write,
// file_edit, and file_list. Paths are validated and canonicalised by the
// session's security policy; relative paths resolve against the
// workspace root.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/pkg/models"
)

// Config controls filesystem tool defaults.
type Config struct {
	// MaxReadBytes caps a single file_read. Zero means the 200kB default.
	MaxReadBytes int

	// MaxListEntries caps a single file_list. Zero means 500.
	MaxListEntries int
}

func (c Config) readLimit() int {
	if c.MaxReadBytes > 0 {
		return c.MaxReadBytes
	}
	return 200000
}

func (c Config) listLimit() int {
	if c.MaxListEntries > 0 {
		return c.MaxListEntries
	}
	return 500
}

// resolve runs path through the policy and returns the canonical path.
func resolve(tc *agent.ToolContext, path string, op security.Operation) (string, error) {
	if tc == nil || tc.Policy == nil {
		return "", fmt.Errorf("no security policy in tool context")
	}
	decision := tc.Policy.ValidatePath(path, op)
	if !decision.Allowed {
		return "", fmt.Errorf("path rejected: %s", decision.Reason)
	}
	return decision.CanonicalPath, nil
}

func toolError(message string) *models.ToolResult {
	return models.ErrorResult(message)
}

func jsonResult(v any) *models.ToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return models.SuccessResult(string(payload))
}

// fileState captures what a snapshot records about one path.
func fileState(path string) map[string]string {
	state := map[string]string{"path": path}
	info, err := os.Stat(path)
	if err != nil {
		state["exists"] = "false"
		return state
	}
	state["exists"] = "true"
	state["size"] = fmt.Sprintf("%d", info.Size())
	if info.Mode().IsRegular() && info.Size() < 4<<20 {
		if data, err := os.ReadFile(path); err == nil {
			sum := sha256.Sum256(data)
			state["sha256"] = hex.EncodeToString(sum[:])
		}
	}
	return state
}

// ReadTool reads a file with offset and byte-limit support.
type ReadTool struct {
	cfg Config
}

// NewReadTool creates the file_read tool.
func NewReadTool(cfg Config) *ReadTool { return &ReadTool{cfg: cfg} }

func (t *ReadTool) Name() string { return "file_read" }
func (t *ReadTool) Weight() agent.Weight { return agent.Lightweight }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Byte offset to start reading from (default: 0).",
				"minimum":     0,
			},
			"max_bytes": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum bytes to read (capped by tool default).",
				"minimum":     0,
			},
		},
		"required": []string{"path"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}
	if input.Offset < 0 {
		return toolError("offset must be >= 0"), nil
	}

	resolved, err := resolve(tc, input.Path, security.OpRead)
	if err != nil {
		return toolError(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return toolError(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.cfg.readLimit()
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	truncated := input.Offset+int64(len(buf)) < info.Size()
	return jsonResult(map[string]interface{}{
		"path":      input.Path,
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"truncated": truncated,
	}), nil
}

// WriteTool writes or appends file contents within the workspace.
type WriteTool struct{}

// NewWriteTool creates the file_write tool.
func NewWriteTool() *WriteTool { return &WriteTool{} }

func (t *WriteTool) Name() string { return "file_write" }
func (t *WriteTool) Weight() agent.Weight { return agent.Lightweight }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default)."
}

func (t *WriteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to write (relative to workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File contents to write.",
			},
			"append": map[string]interface{}{
				"type":        "boolean",
				"description": "Append instead of overwrite (default: false).",
			},
		},
		"required": []string{"path", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// StateSnapshot records the target file's state so a verifier can
// compare before and after the write.
func (t *WriteTool) StateSnapshot(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.StateSnapshot, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	resolved, err := resolve(tc, input.Path, security.OpRead)
	if err != nil {
		return nil, err
	}
	return &models.StateSnapshot{
		Timestamp:   time.Now().UTC(),
		State:       fileState(resolved),
		Description: "file_write target " + input.Path,
	}, nil
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := resolve(tc, input.Path, security.OpWrite)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(input.Content)
	if err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"path":          input.Path,
		"bytes_written": n,
		"append":        input.Append,
	}), nil
}

// EditTool applies find/replace edits to a file.
type EditTool struct{}

// NewEditTool creates the file_edit tool.
func NewEditTool() *EditTool { return &EditTool{} }

func (t *EditTool) Name() string { return "file_edit" }
func (t *EditTool) Weight() agent.Weight { return agent.Lightweight }

func (t *EditTool) Description() string {
	return "Apply one or more find/replace edits to a file in the workspace."
}

func (t *EditTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to edit (relative to workspace).",
			},
			"edits": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"old_text": map[string]interface{}{
							"type":        "string",
							"description": "Text to replace.",
						},
						"new_text": map[string]interface{}{
							"type":        "string",
							"description": "Replacement text.",
						},
						"replace_all": map[string]interface{}{
							"type":        "boolean",
							"description": "Replace all occurrences (default: false).",
						},
					},
					"required": []string{"old_text", "new_text"},
				},
			},
		},
		"required": []string{"path", "edits"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// StateSnapshot records the file's state before the edit.
func (t *EditTool) StateSnapshot(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.StateSnapshot, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	resolved, err := resolve(tc, input.Path, security.OpRead)
	if err != nil {
		return nil, err
	}
	return &models.StateSnapshot{
		Timestamp:   time.Now().UTC(),
		State:       fileState(resolved),
		Description: "file_edit target " + input.Path,
	}, nil
}

func (t *EditTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil
	}
	if len(input.Edits) == 0 {
		return toolError("edits must not be empty"), nil
	}

	resolved, err := resolve(tc, input.Path, security.OpWrite)
	if err != nil {
		return toolError(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	content := string(data)

	replaced := 0
	for i, edit := range input.Edits {
		if edit.OldText == "" {
			return toolError(fmt.Sprintf("edit %d: old_text must not be empty", i)), nil
		}
		count := strings.Count(content, edit.OldText)
		if count == 0 {
			return toolError(fmt.Sprintf("edit %d: old_text not found in %s", i, input.Path)), nil
		}
		if edit.ReplaceAll {
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			replaced += count
			continue
		}
		if count > 1 {
			return toolError(fmt.Sprintf("edit %d: old_text matches %d times; provide more context or set replace_all", i, count)), nil
		}
		content = strings.Replace(content, edit.OldText, edit.NewText, 1)
		replaced++
	}

	info, err := os.Stat(resolved)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(resolved, []byte(content), mode); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"path":     input.Path,
		"edits":    len(input.Edits),
		"replaced": replaced,
		"bytes":    len(content),
	}), nil
}

// ListTool lists directory entries.
type ListTool struct {
	cfg Config
}

// NewListTool creates the file_list tool.
func NewListTool(cfg Config) *ListTool { return &ListTool{cfg: cfg} }

func (t *ListTool) Name() string { return "file_list" }
func (t *ListTool) Weight() agent.Weight { return agent.Lightweight }

func (t *ListTool) Description() string {
	return "List directory entries in the workspace, optionally recursive."
}

func (t *ListTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (default: workspace root).",
			},
			"recursive": map[string]interface{}{
				"type":        "boolean",
				"description": "Walk subdirectories (default: false).",
			},
		},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ListTool) Execute(ctx context.Context, args json.RawMessage, tc *agent.ToolContext) (*models.ToolResult, error) {
	var input struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
		}
	}
	if input.Path == "" {
		input.Path = "."
	}

	resolved, err := resolve(tc, input.Path, security.OpRead)
	if err != nil {
		return toolError(err.Error()), nil
	}

	type entry struct {
		Path string `json:"path"`
		Dir  bool   `json:"dir,omitempty"`
		Size int64  `json:"size,omitempty"`
	}

	limit := t.cfg.listLimit()
	var entries []entry
	truncated := false

	if input.Recursive {
		err = filepath.WalkDir(resolved, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil // unreadable subtree, keep going
			}
			if path == resolved {
				return nil
			}
			if len(entries) >= limit {
				truncated = true
				return filepath.SkipAll
			}
			rel, relErr := filepath.Rel(resolved, path)
			if relErr != nil {
				rel = path
			}
			e := entry{Path: rel, Dir: d.IsDir()}
			if info, infoErr := d.Info(); infoErr == nil && !d.IsDir() {
				e.Size = info.Size()
			}
			entries = append(entries, e)
			return nil
		})
		if err != nil {
			return toolError(fmt.Sprintf("walk directory: %v", err)), nil
		}
	} else {
		dirEntries, readErr := os.ReadDir(resolved)
		if readErr != nil {
			return toolError(fmt.Sprintf("read directory: %v", readErr)), nil
		}
		for _, d := range dirEntries {
			if len(entries) >= limit {
				truncated = true
				break
			}
			e := entry{Path: d.Name(), Dir: d.IsDir()}
			if info, infoErr := d.Info(); infoErr == nil && !d.IsDir() {
				e.Size = info.Size()
			}
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return jsonResult(map[string]interface{}{
		"path":      input.Path,
		"entries":   entries,
		"count":     len(entries),
		"truncated": truncated,
	}), nil
}
