package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

// CommandDecision is the outcome of ValidateCommand.
type CommandDecision struct {
	Allowed bool
	Reason  string
}

// Commands callable at readonly autonomy: inspection only.
var readOnlyCommands = []string{
	"ls", "cat", "head", "tail", "grep", "rg", "find", "pwd", "echo",
	"wc", "file", "stat", "which", "date", "whoami", "uname", "du", "df",
	"ps", "sort", "uniq", "diff",
}

// Additional commands callable at supervised autonomy.
var supervisedCommands = []string{
	"bash", "sh", "git", "go", "make", "npm", "npx", "node", "python3",
	"python", "pip", "cargo", "mkdir", "cp", "mv", "touch", "sed", "awk",
	"tar", "gzip", "gunzip", "tr", "cut", "curl", "jq", "patch",
}

func commandsForTier(autonomy models.Autonomy) []string {
	switch autonomy {
	case models.AutonomyReadOnly:
		return readOnlyCommands
	default:
		return append(append([]string{}, readOnlyCommands...), supervisedCommands...)
	}
}

// argMetacharacters are rejected in exec-style arguments regardless of
// autonomy; arguments are never interpreted by a shell, so these only
// appear in injection attempts.
const argMetacharacters = ";&|><$`\n"

// ValidateCommand decides whether cmd with args may run. The base name
// must be allowlisted at readonly and supervised tiers. Shell
// metacharacters in arguments are always rejected, except that a
// `bash -c` / `sh -c` script string is analysed as a script: dangerous
// constructs reject it below full autonomy.
func (p *Policy) ValidateCommand(cmd string, args []string) CommandDecision {
	if strings.TrimSpace(cmd) == "" {
		return CommandDecision{Reason: "empty command"}
	}

	base := filepath.Base(cmd)

	if p.autonomy != models.AutonomyFull {
		if _, ok := p.commands[base]; !ok {
			return CommandDecision{Reason: fmt.Sprintf("command %q not in %s allowlist", base, p.autonomy)}
		}
	}

	if script, ok := shellScriptArg(base, args); ok {
		if p.autonomy == models.AutonomyFull {
			return CommandDecision{Allowed: true}
		}
		analysis := analyzeShell(script)
		if !analysis.Safe {
			return CommandDecision{Reason: fmt.Sprintf("shell script rejected: %s", analysis.Reason)}
		}
		return CommandDecision{Allowed: true}
	}

	for _, arg := range args {
		if i := strings.IndexAny(arg, argMetacharacters); i >= 0 {
			return CommandDecision{Reason: fmt.Sprintf("argument contains shell metacharacter %q", arg[i])}
		}
	}

	return CommandDecision{Allowed: true}
}

// shellScriptArg extracts the script string from bash/sh -c invocations.
func shellScriptArg(base string, args []string) (string, bool) {
	if base != "bash" && base != "sh" {
		return "", false
	}
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			return "", false
		}
		if a == "-c" || strings.HasSuffix(a, "c") {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", false
		}
	}
	return "", false
}
