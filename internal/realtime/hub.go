// Package realtime fans pipeline events out to connected websocket clients.
// Delivery is best effort: only subscribers connected at publish time see an
// event, and nothing is replayed. A subscriber that falls behind is
// disconnected rather than skipped.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 32

// Broadcaster delivers an encoded frame to everyone subscribed to topic.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, frame []byte) error
}

// Hub holds the subscribers of this process.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	total  int
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscription]struct{})}
}

type Subscription struct {
	hub    *Hub
	topics []string
	ch     chan []byte
	once   sync.Once
	slow   atomic.Bool
}

// C yields frames until the subscription is closed.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Slow reports whether the hub closed the subscription because it fell behind.
func (s *Subscription) Slow() bool { return s.slow.Load() }

func (h *Hub) Subscribe(topics ...string) *Subscription {
	s := &Subscription{hub: h, topics: topics, ch: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		set, ok := h.topics[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.topics[t] = set
		}
		set[s] = struct{}{}
	}
	h.total++
	return s
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, t := range s.topics {
			set := h.topics[t]
			delete(set, s)
			if len(set) == 0 {
				delete(h.topics, t)
			}
		}
		h.total--
		close(s.ch)
	})
}

// Broadcast never blocks on a slow subscriber. A subscriber whose buffer is
// full is closed instead, so it can reconnect and refetch rather than miss
// frames unnoticed.
func (h *Hub) Broadcast(ctx context.Context, topic string, frame []byte) error {
	var slow []*Subscription
	h.mu.RLock()
	for s := range h.topics[topic] {
		select {
		case s.ch <- frame:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		s.slow.Store(true)
		s.Close()
	}
	return nil
}

// Subscribers counts open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
