package results

import (
	"log/slog"
	"sync"

	"github.com/MeKo-Tech/tally/internal/ballot"
)

// Hub fans stored records out to live subscribers. A subscriber that falls
// behind by more than its buffer misses records rather than blocking the
// sink.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan ballot.ResultMessage]struct{}
	buffer int
}

// NewHub creates a Hub whose subscribers buffer up to buffer records.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[chan ballot.ResultMessage]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber. The returned cancel function
// unsubscribes and closes the channel.
func (h *Hub) Subscribe() (<-chan ballot.ResultMessage, func()) {
	ch := make(chan ballot.ResultMessage, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast delivers msg to every subscriber with room in its buffer and
// returns how many received it.
func (h *Hub) Broadcast(msg ballot.ResultMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for ch := range h.subs {
		select {
		case ch <- msg:
			sent++
		default:
			slog.Warn("Dropping result for slow subscriber", "ballot_id", msg.BallotID)
		}
	}
	return sent
}
