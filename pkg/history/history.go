package history

import (
	"sync"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// trimThreshold is the fill fraction at which NeedsTrim fires.
const trimThreshold = 0.8

// History is a bounded conversation buffer. Messages are append-only;
// trimming removes interior messages but always preserves the first (seed)
// message and the most recent tail.
//
// A History is only mutated from within a single agent loop, but reads may
// come from checkpoint snapshots on other goroutines, so access is guarded.
type History struct {
	mu          sync.Mutex
	maxMessages int
	messages    []models.ConversationMessage
	tokens      int
	estimator   *Estimator
}

// New creates a history bounded at maxMessages.
func New(maxMessages int, estimator *Estimator) *History {
	if maxMessages < 2 {
		maxMessages = 2
	}
	if estimator == nil {
		estimator = NewEstimator()
	}
	return &History{maxMessages: maxMessages, estimator: estimator}
}

// Add appends a message and updates the token estimate.
func (h *History) Add(m models.ConversationMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
	h.tokens += h.estimator.CountMessage(m)
}

// AddToolResults appends a single user-role message whose ToolResults
// mirror the originating assistant tool calls.
func (h *History) AddToolResults(results []models.ToolResult) {
	h.Add(models.ConversationMessage{Role: models.RoleUser, ToolResults: results})
}

// Messages returns a copy of the current message slice.
func (h *History) Messages() []models.ConversationMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.ConversationMessage(nil), h.messages...)
}

// Len returns the number of buffered messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// TokenCount returns the running token estimate.
func (h *History) TokenCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

// PopLast removes and returns the most recent message.
// The second return is false when the history is empty.
func (h *History) PopLast() (models.ConversationMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) == 0 {
		return models.ConversationMessage{}, false
	}
	last := h.messages[len(h.messages)-1]
	h.messages = h.messages[:len(h.messages)-1]
	h.tokens -= h.estimator.CountMessage(last)
	if h.tokens < 0 {
		h.tokens = 0
	}
	return last, true
}

// NeedsTrim reports whether the buffer reached 80% of maxMessages.
func (h *History) NeedsTrim() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.needsTrimLocked()
}

func (h *History) needsTrimLocked() bool {
	return float64(len(h.messages)) >= trimThreshold*float64(h.maxMessages)
}

// TrimIfNeeded trims when NeedsTrim holds. Returns the number of messages
// removed.
func (h *History) TrimIfNeeded() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.needsTrimLocked() {
		return 0
	}
	return h.trimLocked()
}

// Trim drops interior messages, keeping the seed message and the last K
// messages, where K fills the buffer to maxMessages-1.
func (h *History) Trim() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trimLocked()
}

func (h *History) trimLocked() int {
	keepTail := h.maxMessages - 1 // seed takes one slot
	if len(h.messages) <= keepTail+1 {
		return 0
	}
	removed := len(h.messages) - keepTail - 1
	trimmed := make([]models.ConversationMessage, 0, keepTail+1)
	trimmed = append(trimmed, h.messages[0])
	trimmed = append(trimmed, h.messages[len(h.messages)-keepTail:]...)
	h.messages = trimmed
	h.tokens = h.estimator.CountMessages(h.messages)
	return removed
}

// Clone returns an independent copy of the history.
func (h *History) Clone() *History {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &History{
		maxMessages: h.maxMessages,
		messages:    models.CloneMessages(h.messages),
		tokens:      h.tokens,
		estimator:   h.estimator,
	}
}
