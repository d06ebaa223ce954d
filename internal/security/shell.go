package security

import (
	"sort"
	"strings"
)

// shellAnalysis is the verdict on a shell script string.
type shellAnalysis struct {
	Safe   bool
	Tokens []shellToken
	Reason string
}

// shellToken is one dangerous construct found in a script.
type shellToken struct {
	Token    string
	Position int
	Risk     string
}

// shellRisks maps dangerous constructs to risk categories. Scanning
// checks longer tokens first so ">>" is not double-reported as ">".
var shellRisks = map[string]string{
	";":  "command_chain",
	"&&": "command_chain",
	"||": "command_chain",
	"|":  "pipe",
	">":  "redirect",
	">>": "redirect",
	"<":  "redirect",
	"`":  "subshell",
	"$(": "subshell",
	"&":  "background",
	"\n": "command_chain",
}

var shellRiskDescriptions = map[string]string{
	"command_chain": "command chaining executes multiple commands",
	"pipe":          "pipes hand output to another command",
	"redirect":      "redirects read or overwrite files",
	"subshell":      "subshells execute arbitrary commands",
	"background":    "background execution spawns detached processes",
}

// analyzeShell scans a script for dangerous constructs outside quoted
// regions. Single-quoted, double-quoted, and backslash-escaped spans are
// inert.
func analyzeShell(script string) shellAnalysis {
	analysis := shellAnalysis{Safe: true}
	if script == "" {
		return analysis
	}

	quoted := quotedMask(script)

	patterns := make([]string, 0, len(shellRisks))
	for p := range shellRisks {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) > len(patterns[j]) })

	claimed := make([]bool, len(script))
	for _, pattern := range patterns {
		for idx := 0; ; {
			pos := strings.Index(script[idx:], pattern)
			if pos == -1 {
				break
			}
			at := idx + pos
			idx = at + len(pattern)

			skip := false
			for i := at; i < at+len(pattern); i++ {
				if quoted[i] || claimed[i] {
					skip = true
					break
				}
			}
			if skip {
				continue
			}
			for i := at; i < at+len(pattern); i++ {
				claimed[i] = true
			}

			analysis.Safe = false
			analysis.Tokens = append(analysis.Tokens, shellToken{
				Token:    pattern,
				Position: at,
				Risk:     shellRisks[pattern],
			})
		}
	}

	if !analysis.Safe {
		seen := make(map[string]bool)
		var reasons []string
		for _, tok := range analysis.Tokens {
			if !seen[tok.Risk] {
				seen[tok.Risk] = true
				reasons = append(reasons, shellRiskDescriptions[tok.Risk])
			}
		}
		sort.Strings(reasons)
		analysis.Reason = strings.Join(reasons, "; ")
	}
	return analysis
}

// quotedMask marks the bytes of script that sit inside quotes or behind
// a backslash escape.
func quotedMask(script string) []bool {
	mask := make([]bool, len(script))
	inSingle, inDouble, escaped := false, false, false

	for i := 0; i < len(script); i++ {
		c := script[i]

		if escaped {
			escaped = false
			mask[i] = true
			continue
		}

		switch {
		case c == '\\' && !inSingle:
			escaped = true
			mask[i] = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			mask[i] = true
		case c == '"' && !inSingle:
			inDouble = !inDouble
			mask[i] = true
		case inSingle || inDouble:
			mask[i] = true
		}
	}
	return mask
}
