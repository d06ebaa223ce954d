package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

// VerifyRequest is everything a verifier may inspect about a finished
// run.
type VerifyRequest struct {
	// TaskDescription is the user message the run started from.
	TaskDescription string

	// FinalAnswer is the assistant's terminal answer.
	FinalAnswer string

	// Messages is the conversation after the run, compaction applied.
	Messages []models.Message

	// ToolResults are the run's tool outcomes, in execution order.
	ToolResults []models.ToolResult

	// Snapshots are the state snapshots captured around mutating tools.
	Snapshots []models.StateSnapshot
}

// Verifier assesses whether a completed run actually did its task. The
// verdict is advisory: partial and failure outcomes feed a hint back
// into the context for the next run, they never change the run's
// terminal event.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (*models.VerificationResult, error)
}

// VerifierFunc adapts a function to a Verifier.
type VerifierFunc func(ctx context.Context, req VerifyRequest) (*models.VerificationResult, error)

// Verify calls the function.
func (f VerifierFunc) Verify(ctx context.Context, req VerifyRequest) (*models.VerificationResult, error) {
	return f(ctx, req)
}

// FormatVerifier is a cheap structural check: the answer must be
// non-empty, and a run whose every tool call failed cannot claim
// success. It is the default judge when no semantic verifier is wired.
type FormatVerifier struct{}

// Verify implements Verifier.
func (FormatVerifier) Verify(_ context.Context, req VerifyRequest) (*models.VerificationResult, error) {
	if strings.TrimSpace(req.FinalAnswer) == "" {
		return &models.VerificationResult{
			Outcome:    models.VerificationFailure,
			Confidence: 0.9,
			Reasoning:  "run produced an empty answer",
			Issues:     []string{"final answer is empty"},
		}, nil
	}

	failed := 0
	for _, r := range req.ToolResults {
		if !r.Success {
			failed++
		}
	}
	if n := len(req.ToolResults); n > 0 && failed == n {
		return &models.VerificationResult{
			Outcome:    models.VerificationPartial,
			Confidence: 0.6,
			Reasoning:  fmt.Sprintf("all %d tool calls failed; the answer may not reflect real state", n),
			Issues:     []string{"every tool execution returned an error"},
			Suggestions: []string{
				"re-check the failing tool arguments",
				"confirm the workspace paths and permissions",
			},
		}, nil
	}

	return &models.VerificationResult{
		Outcome:    models.VerificationSuccess,
		Confidence: 0.5,
		Reasoning:  "answer present and tool activity consistent",
	}, nil
}

// verificationNote renders the system message appended after a partial
// or failed verification so the next run sees the verdict.
func verificationNote(vr *models.VerificationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[VERIFICATION %s] %s", strings.ToUpper(string(vr.Outcome)), vr.Reasoning)
	if len(vr.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for _, s := range vr.Suggestions {
			b.WriteString("\n- ")
			b.WriteString(s)
		}
	}
	return b.String()
}
