package pipeline

import (
	"slices"
	"sync"

	"github.com/MrWong99/linguavox/pkg/provider/llm"
)

// History is the dialogue context sent to the generator: the rendered system
// instruction plus the user and assistant turns that completed successfully.
//
// Only the [Coordinator] appends to a History, and only after a run completes.
// Readers get copies.
type History struct {
	mu       sync.RWMutex
	system   string
	messages []llm.Message
}

// NewHistory returns a History seeded with the system instruction.
func NewHistory(system string) *History {
	return &History{system: system}
}

// System returns the system instruction.
func (h *History) System() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.system
}

// Messages returns a copy of the conversational messages in order.
func (h *History) Messages() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.messages)
}

// Len returns the number of conversational messages, excluding the system
// instruction.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *History) append(msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
}
