// Package history provides the bounded conversation buffer used by agents
// and the token-budget compressor applied before oracle calls.
package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// Estimator counts tokens for messages. It uses the cl100k_base BPE when
// the encoding is available and falls back to a bytes/4 heuristic when it
// is not (e.g. offline environments).
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// messageOverheadTokens approximates the per-message framing cost of chat
// serialisation (role markers, separators).
const messageOverheadTokens = 4

// NewEstimator creates a lazy estimator. The encoding is resolved on first
// use so construction never blocks.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// CountText returns the token estimate for a plain string.
func (e *Estimator) CountText(s string) int {
	if s == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	// Heuristic: ~4 bytes per token for English-ish text.
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessage returns the token estimate for one conversation message,
// including tool call and tool result payloads.
func (e *Estimator) CountMessage(m models.ConversationMessage) int {
	n := messageOverheadTokens + e.CountText(m.Content)
	for _, tc := range m.ToolCalls {
		n += e.CountText(tc.Name)
		for k, v := range tc.Input {
			n += e.CountText(k)
			if s, ok := v.(string); ok {
				n += e.CountText(s)
			} else {
				n += 4
			}
		}
	}
	for _, tr := range m.ToolResults {
		n += e.CountText(tr.Output) + e.CountText(tr.Error)
	}
	return n
}

// CountMessages sums CountMessage over a slice.
func (e *Estimator) CountMessages(msgs []models.ConversationMessage) int {
	total := 0
	for _, m := range msgs {
		total += e.CountMessage(m)
	}
	return total
}
