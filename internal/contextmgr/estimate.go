package contextmgr

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/conduit/pkg/models"
)

// CharsPerToken is the character-to-token ratio for the heuristic
// estimator.
const CharsPerToken = 4

// TokenEstimator approximates the token cost of text. Estimates decide
// when to compact; they never need to be exact.
type TokenEstimator interface {
	Estimate(text string) int
}

type heuristicEstimator struct{}

func (heuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// HeuristicEstimator returns the default estimator: ceil(chars / 4).
func HeuristicEstimator() TokenEstimator {
	return heuristicEstimator{}
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}

// TiktokenEstimator returns an estimator backed by a real BPE encoding,
// e.g. "cl100k_base". More accurate than the heuristic but pays an
// encoding pass per message.
func TiktokenEstimator(encoding string) (TokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &tiktokenEstimator{enc: enc}, nil
}

// messageText flattens the estimable content of a message.
func messageText(m models.Message) string {
	text := m.Content
	for _, tc := range m.ToolCalls {
		text += tc.Name
		text += string(tc.Args)
	}
	return text
}
