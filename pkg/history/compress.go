package history

import (
	"fmt"
	"strings"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// TruncationMarker is appended to any message body cut down to the
// per-message cap. Prefix-preserving: the head of the content survives.
const TruncationMarker = "…[truncated]"

// CompressorConfig tunes the context compressor.
type CompressorConfig struct {
	// RecentCount messages at the tail are always kept (possibly truncated
	// individually).
	RecentCount int
	// PerMessageCap bounds the token size of any single kept message.
	PerMessageCap int
}

// DefaultCompressorConfig returns the standard compressor settings.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{RecentCount: 6, PerMessageCap: 2000}
}

// Compressor trims a message list to a token budget while preserving the
// most recent turns. Compressing already-compressed input under the same
// budget is a no-op.
type Compressor struct {
	cfg       CompressorConfig
	estimator *Estimator
}

// NewCompressor creates a compressor with the given config.
func NewCompressor(cfg CompressorConfig, estimator *Estimator) *Compressor {
	if cfg.RecentCount <= 0 {
		cfg.RecentCount = DefaultCompressorConfig().RecentCount
	}
	if cfg.PerMessageCap <= 0 {
		cfg.PerMessageCap = DefaultCompressorConfig().PerMessageCap
	}
	if estimator == nil {
		estimator = NewEstimator()
	}
	return &Compressor{cfg: cfg, estimator: estimator}
}

// Compress returns a message list whose token estimate fits budget.
//
// The last RecentCount messages are kept (each truncated to the
// per-message cap if oversized); remaining budget is filled by walking
// older messages newest-to-oldest. When any messages are dropped a
// synthetic continuity note is prepended.
func (c *Compressor) Compress(msgs []models.ConversationMessage, budget int) []models.ConversationMessage {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	// Fast path: already fits and no message exceeds the cap.
	if c.fits(msgs, budget) {
		return msgs
	}

	recent := c.cfg.RecentCount
	if recent > len(msgs) {
		recent = len(msgs)
	}

	// Tail, individually capped.
	kept := make([]models.ConversationMessage, 0, len(msgs))
	used := 0
	for _, m := range msgs[len(msgs)-recent:] {
		m = c.capMessage(m)
		kept = append(kept, m)
		used += c.estimator.CountMessage(m)
	}

	// Fill the remaining budget newest-to-oldest from the older messages.
	// A small reserve keeps room for the omission note so the output stays
	// within budget even when messages are dropped.
	const noteReserve = 12
	var older []models.ConversationMessage
	dropped := 0
	for i := len(msgs) - recent - 1; i >= 0; i-- {
		m := c.capMessage(msgs[i])
		cost := c.estimator.CountMessage(m)
		if used+cost > budget-noteReserve {
			dropped = i + 1
			break
		}
		older = append([]models.ConversationMessage{m}, older...)
		used += cost
	}

	out := make([]models.ConversationMessage, 0, 1+len(older)+len(kept))
	if dropped > 0 {
		out = append(out, omissionNote(dropped))
	}
	out = append(out, older...)
	out = append(out, kept...)
	return out
}

// fits reports whether msgs is already within budget with every message
// under the per-message cap (taking prior omission notes as given).
func (c *Compressor) fits(msgs []models.ConversationMessage, budget int) bool {
	total := 0
	for i, m := range msgs {
		n := c.estimator.CountMessage(m)
		recent := i >= len(msgs)-c.cfg.RecentCount
		if recent && n > c.cfg.PerMessageCap {
			return false
		}
		total += n
	}
	return total <= budget
}

func (c *Compressor) capMessage(m models.ConversationMessage) models.ConversationMessage {
	if c.estimator.CountMessage(m) <= c.cfg.PerMessageCap {
		return m
	}
	// Truncate the content to roughly the cap, preserving the prefix.
	// 4 bytes/token is the same heuristic the estimator falls back to.
	maxBytes := c.cfg.PerMessageCap * 4
	if len(m.Content) > maxBytes {
		m.Content = m.Content[:maxBytes] + TruncationMarker
	} else if !strings.HasSuffix(m.Content, TruncationMarker) {
		m.Content += TruncationMarker
	}
	return m
}

func omissionNote(n int) models.ConversationMessage {
	return models.ConversationMessage{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("[%d previous messages omitted]", n),
	}
}
