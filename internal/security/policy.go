// Package security decides whether tool operations may proceed, scrubs
// outbound tool output of secrets, and screens freeform input for
// injection attempts. A Policy is immutable after construction and safe
// to share across sessions.
package security

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Operation classifies what a caller wants to do.
type Operation string

const (
	OpRead        Operation = "read"
	OpWrite       Operation = "write"
	OpExecute     Operation = "execute"
	OpDestructive Operation = "destructive"
)

// Options configures a Policy.
type Options struct {
	// Autonomy sets the permissiveness tier. Empty defaults to
	// supervised.
	Autonomy models.Autonomy

	// WorkspaceRoot is the directory tools operate in. Paths are
	// resolved against it.
	WorkspaceRoot string

	// WorkspaceOnly rejects paths that escape WorkspaceRoot.
	WorkspaceOnly bool

	// BlockedPaths are extra roots to deny on top of the fixed set.
	BlockedPaths []string

	// StateDir is the runtime's own state directory (pairing store,
	// memory db). Always blocked so tools cannot read credentials.
	StateDir string

	// AllowedCommands extends the per-tier command allowlist.
	AllowedCommands []string
}

// Policy is the decision engine. All methods return decision values;
// expected denials never surface as errors.
type Policy struct {
	autonomy      models.Autonomy
	workspaceRoot string
	workspaceOnly bool
	blocked       []string
	commands      map[string]struct{}
}

// Fixed deny roots. Home-relative entries are expanded at construction.
var fixedBlockedPaths = []string{
	"/etc", "/boot", "/sys", "/proc", "/dev",
	"~/.ssh", "~/.gnupg",
}

// NewPolicy builds an immutable policy from opts.
func NewPolicy(opts Options) *Policy {
	autonomy := opts.Autonomy
	if !autonomy.Valid() {
		autonomy = models.AutonomySupervised
	}

	root := opts.WorkspaceRoot
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		if resolved, err := canonicalize(root); err == nil {
			root = resolved
		}
	}

	home, _ := os.UserHomeDir()
	blocked := make([]string, 0, len(fixedBlockedPaths)+len(opts.BlockedPaths)+1)
	for _, b := range fixedBlockedPaths {
		blocked = append(blocked, expandHome(b, home))
	}
	if opts.StateDir != "" {
		blocked = append(blocked, filepath.Clean(opts.StateDir))
	}
	for _, b := range opts.BlockedPaths {
		blocked = append(blocked, filepath.Clean(expandHome(b, home)))
	}

	commands := make(map[string]struct{})
	for _, c := range commandsForTier(autonomy) {
		commands[c] = struct{}{}
	}
	for _, c := range opts.AllowedCommands {
		if c = strings.TrimSpace(c); c != "" {
			commands[c] = struct{}{}
		}
	}

	return &Policy{
		autonomy:      autonomy,
		workspaceRoot: root,
		workspaceOnly: opts.WorkspaceOnly,
		blocked:       blocked,
		commands:      commands,
	}
}

// Autonomy returns the policy's permissiveness tier.
func (p *Policy) Autonomy() models.Autonomy {
	return p.autonomy
}

// WorkspaceRoot returns the canonical workspace directory, or "" when
// unset.
func (p *Policy) WorkspaceRoot() string {
	return p.workspaceRoot
}

// RequiresConfirmation reports whether op needs a human in the loop at
// this autonomy tier.
func (p *Policy) RequiresConfirmation(op Operation) bool {
	switch p.autonomy {
	case models.AutonomyFull:
		return false
	case models.AutonomySupervised:
		return op == OpDestructive
	default: // readonly
		return op != OpRead
	}
}

func expandHome(path, home string) string {
	if home == "" || !strings.HasPrefix(path, "~/") {
		return path
	}
	return filepath.Join(home, path[2:])
}
