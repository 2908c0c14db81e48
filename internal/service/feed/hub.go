package feed

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber is one downstream consumer. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg any) error
}

// Hub is the broadcast set. A subscriber whose Send fails is removed.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]Subscriber)}
}

func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	h.subscribers[s.ID()] = s
	total := len(h.subscribers)
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{"subscriber": s.ID(), "total": total}).Info("subscriber registered")
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	_, ok := h.subscribers[id]
	delete(h.subscribers, id)
	total := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		logrus.WithFields(logrus.Fields{"subscriber": id, "total": total}).Info("subscriber removed")
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscribers)
}

// Broadcast sends msg to every subscriber and returns how many accepted it.
func (h *Hub) Broadcast(msg any) int {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			logrus.WithField("subscriber", s.ID()).Warnf("dropping subscriber after failed delivery: %v", err)
			h.Unregister(s.ID())
			continue
		}
		delivered++
	}

	return delivered
}
