package models

import "time"

// VerificationOutcome classifies a post-run assessment.
type VerificationOutcome string

const (
	VerificationSuccess VerificationOutcome = "success"
	VerificationPartial VerificationOutcome = "partial"
	VerificationFailure VerificationOutcome = "failure"
)

// VerificationResult is the verdict of a task-level verifier on a
// completed run. Outcomes of partial or failure feed a system hint back
// into the context; they never terminate the run.
type VerificationResult struct {
	Outcome     VerificationOutcome `json:"outcome"`
	Confidence  float64             `json:"confidence"`
	Reasoning   string              `json:"reasoning,omitempty"`
	Issues      []string            `json:"issues,omitempty"`
	Suggestions []string            `json:"suggestions,omitempty"`
}

// StateSnapshot captures observable state around a mutating tool call,
// for use by verification.
type StateSnapshot struct {
	Timestamp   time.Time         `json:"timestamp"`
	State       map[string]string `json:"state"`
	Description string            `json:"description,omitempty"`
}
