package registry

import (
	"sync"

	"github.com/adred-codev/chat-gateway/internal/protocol"
)

// History is the bounded ring buffer of spec §3/§4.C/§9: tail-append,
// head-evict, amortized O(1) per append. Shared across all connections so a
// reconnecting client can replay broadcasts it missed.
type History struct {
	mu    sync.Mutex
	items []protocol.Frame
	max   int
}

// NewHistory builds a History retaining at most max frames.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 100
	}
	return &History{items: make([]protocol.Frame, 0, max), max: max}
}

// Append adds frame to the tail, evicting the oldest entry if the ring is
// full.
func (h *History) Append(frame protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) >= h.max {
		h.items = h.items[1:]
	}
	h.items = append(h.items, frame)
}

// Since returns every retained frame strictly newer than lastMessageID.
// If lastMessageID is empty, or is not present in the retained window,
// the second return value is false and the caller must not replay
// anything (spec §9: avoid out-of-order delivery by refusing to guess).
func (h *History) Since(lastMessageID string) ([]protocol.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lastMessageID == "" {
		return nil, false
	}

	for i, item := range h.items {
		if item.MessageID == lastMessageID {
			rest := h.items[i+1:]
			out := make([]protocol.Frame, len(rest))
			copy(out, rest)
			return out, true
		}
	}
	return nil, false
}

// Len reports the number of retained frames, surfaced by /ws/status.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
