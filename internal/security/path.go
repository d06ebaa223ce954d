package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

// PathDecision is the outcome of ValidatePath.
type PathDecision struct {
	Allowed bool

	// Reason explains a denial.
	Reason string

	// CanonicalPath is the symlink-resolved absolute path when it could
	// be computed, for use by the tool that asked.
	CanonicalPath string
}

// ValidatePath decides whether path may be used for op. Relative paths
// resolve against the workspace root. The path is canonicalised through
// the deepest existing ancestor so symlinked and dot-laden paths cannot
// dodge the checks; write targets that do not exist yet still validate.
func (p *Policy) ValidatePath(path string, op Operation) PathDecision {
	if path == "" {
		return PathDecision{Reason: "empty path"}
	}
	if strings.ContainsRune(path, 0) {
		return PathDecision{Reason: "path contains NUL byte"}
	}

	if p.autonomy == models.AutonomyReadOnly && op != OpRead {
		return PathDecision{Reason: fmt.Sprintf("%s denied: autonomy level is read-only", op)}
	}

	abs := path
	if !filepath.IsAbs(abs) {
		base := p.workspaceRoot
		if base == "" {
			if wd, err := os.Getwd(); err == nil {
				base = wd
			}
		}
		abs = filepath.Join(base, abs)
	}

	canonical, err := canonicalize(abs)
	if err != nil {
		return PathDecision{Reason: fmt.Sprintf("cannot resolve path: %v", err)}
	}

	if p.workspaceOnly && p.workspaceRoot != "" && !within(canonical, p.workspaceRoot) {
		return PathDecision{Reason: "path escapes workspace", CanonicalPath: canonical}
	}

	for _, blocked := range p.blocked {
		if within(canonical, blocked) {
			return PathDecision{Reason: fmt.Sprintf("path under protected root %s", blocked), CanonicalPath: canonical}
		}
	}

	return PathDecision{Allowed: true, CanonicalPath: canonical}
}

// canonicalize resolves symlinks through the deepest existing ancestor
// and rejoins the not-yet-existing remainder.
func canonicalize(path string) (string, error) {
	p := filepath.Clean(path)
	var remainder []string

	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			if len(remainder) == 0 {
				return resolved, nil
			}
			// Rejoin deepest-first.
			for i, j := 0, len(remainder)-1; i < j; i, j = i+1, j-1 {
				remainder[i], remainder[j] = remainder[j], remainder[i]
			}
			return filepath.Join(append([]string{resolved}, remainder...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		dir := filepath.Dir(p)
		if dir == p {
			return "", err
		}
		remainder = append(remainder, filepath.Base(p))
		p = dir
	}
}

// within reports whether path is root or inside it.
func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
