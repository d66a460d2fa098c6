package app

import (
	"sync"

	"quizchain-service/internal/domain"
	"quizchain-service/internal/metrics"
)

// Hub fans leaderboard snapshots out to live subscribers of a session.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.Leaderboard]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan domain.Leaderboard]struct{})}
}

// Subscribe registers a subscriber seeded with initial. The caller must invoke the
// returned cancel function to avoid leaks.
func (h *Hub) Subscribe(code string, initial domain.Leaderboard) (<-chan domain.Leaderboard, func()) {
	ch := make(chan domain.Leaderboard, 8)
	ch <- initial

	h.mu.Lock()
	if h.subs[code] == nil {
		h.subs[code] = make(map[chan domain.Leaderboard]struct{})
	}
	h.subs[code][ch] = struct{}{}
	h.mu.Unlock()
	metrics.LiveSubscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[code]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, code)
				}
			}
			close(ch)
			h.mu.Unlock()
			metrics.LiveSubscribers.Dec()
		})
	}
	return ch, cancel
}

// HasSubscribers reports whether anyone is listening on code.
func (h *Hub) HasSubscribers(code string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[code]) > 0
}

// Publish delivers lb to every subscriber of its session. A slow subscriber loses
// its oldest pending snapshot instead of blocking the publisher.
func (h *Hub) Publish(lb domain.Leaderboard) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[lb.Session.Code] {
		select {
		case ch <- lb:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- lb
		}
	}
}
