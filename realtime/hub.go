// Package realtime fans progression events out to live listeners such as
// websocket clients showing level-up and badge celebrations.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"progresskit/core"
)

// Filter narrows a subscription. The zero Filter receives everything.
type Filter struct {
	UserID core.UserID
	Types  []core.EventType
	// CelebrationsOnly keeps only events a client would celebrate.
	CelebrationsOnly bool
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev core.Event) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.CelebrationsOnly && !IsCelebration(ev) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// IsCelebration reports whether ev deserves a celebration in the UI.
func IsCelebration(ev core.Event) bool {
	switch ev.Type {
	case core.EventLevelUp, core.EventBadgeUnlocked, core.EventMilestoneReached:
		return true
	}
	return false
}

type subscriber struct {
	ch     chan core.Event
	filter Filter
}

// Hub is a simple pub/sub for broadcasting events to channels. A slow
// subscriber loses events rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

func NewHub() *Hub { return &Hub{subs: map[int]subscriber{}} }

func (h *Hub) Subscribe(buffer int, filter Filter) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = subscriber{ch: ch, filter: filter}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Subscribers counts open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events discarded because a subscriber buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Broadcast delivers ev to every matching subscriber. It has the signature of
// an event bus handler so it can be subscribed directly.
func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// MarshalJSON is a helper to convert events to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}
