package security

import "regexp"

// RedactedPlaceholder replaces every matched secret span.
const RedactedPlaceholder = "[REDACTED]"

// SanitizeResult is the outcome of SanitizeOutput.
type SanitizeResult struct {
	// Clean is the text with secret spans replaced.
	Clean string

	// Redacted reports whether anything was replaced.
	Redacted bool

	// Patterns names the redaction patterns that matched, in pattern
	// order, once each.
	Patterns []string
}

type redaction struct {
	name string
	re   *regexp.Regexp
	// repl, when non-empty, is the replacement template; otherwise the
	// whole match is replaced by the placeholder.
	repl string
}

// redactions are applied in order. Specific key shapes run before the
// generic assignment pattern so matches are attributed precisely. Value
// charsets exclude '[' so an already-redacted span never re-matches,
// which keeps SanitizeOutput idempotent.
var redactions = []redaction{
	{name: "anthropic_api_key", re: regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`)},
	{name: "openai_api_key", re: regexp.MustCompile(`sk-[a-zA-Z0-9]{16,}`)},
	{name: "aws_access_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{name: "jwt", re: regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)},
	{name: "bearer_token", re: regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9_.=-]{16,}`)},
	{
		name: "private_key",
		re:   regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	},
	{
		name: "generic_secret",
		re:   regexp.MustCompile(`(?i)\b(secret|password|passwd|pwd|token|api[_-]?key|access[_-]?key)(\s*[:=]\s*)["']?([^\s"'\[]{8,})["']?`),
		repl: "$1$2" + RedactedPlaceholder,
	},
}

// SanitizeOutput scrubs secret-looking spans from tool output before it
// enters the conversation context. Idempotent: sanitising sanitised text
// changes nothing.
func (p *Policy) SanitizeOutput(text string) SanitizeResult {
	result := SanitizeResult{Clean: text}
	if text == "" {
		return result
	}

	for _, r := range redactions {
		if !r.re.MatchString(result.Clean) {
			continue
		}
		if r.repl != "" {
			result.Clean = r.re.ReplaceAllString(result.Clean, r.repl)
		} else {
			result.Clean = r.re.ReplaceAllString(result.Clean, RedactedPlaceholder)
		}
		result.Redacted = true
		result.Patterns = append(result.Patterns, r.name)
	}
	return result
}
