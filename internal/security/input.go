package security

import "regexp"

// InputAssessment is the outcome of ValidateInput.
type InputAssessment struct {
	Safe bool

	// Threats names the heuristics that fired.
	Threats []string
}

type threatPattern struct {
	name string
	re   *regexp.Regexp
}

// Heuristic, not airtight: the goal is to flag the obvious injection
// shapes for the observer and for supervised-mode gating.
var threatPatterns = []threatPattern{
	{"instruction_override", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,30}\b(previous|prior|above|all)\b.{0,20}\b(instructions?|prompts?|rules?)\b`)},
	{"role_hijack", regexp.MustCompile(`(?i)\b(you are now|pretend (to be|you are)|act as)\b.{0,40}\b(admin|root|unrestricted|jailbroken|dan)\b`)},
	{"system_prompt_probe", regexp.MustCompile(`(?i)\b(reveal|print|show|repeat)\b.{0,30}\b(system prompt|initial instructions|hidden rules)\b`)},
	{"shell_injection", regexp.MustCompile("[;`]|\\$\\(|&&|\\|\\||rm\\s+-rf")},
	{"encoded_payload", regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`)},
}

var exfiltrationURL = regexp.MustCompile(`(?i)\b(send|post|upload|forward|curl)\b.{0,60}https?://`)
var secretMention = regexp.MustCompile(`(?i)\b(password|secret|token|api[_-]?key|credential)`)

// ValidateInput screens freeform user or engine input for prompt
// injection and exfiltration shapes. historyHint, when provided, is a
// digest of recent context; a request to ship data to a URL is only
// flagged as exfiltration when the text or the hint mentions secrets.
func (p *Policy) ValidateInput(text, historyHint string) InputAssessment {
	assessment := InputAssessment{Safe: true}
	if text == "" {
		return assessment
	}

	for _, t := range threatPatterns {
		if t.re.MatchString(text) {
			assessment.Threats = append(assessment.Threats, t.name)
		}
	}

	if exfiltrationURL.MatchString(text) &&
		(secretMention.MatchString(text) || secretMention.MatchString(historyHint)) {
		assessment.Threats = append(assessment.Threats, "exfiltration_url")
	}

	assessment.Safe = len(assessment.Threats) == 0
	return assessment
}
