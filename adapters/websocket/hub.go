package websocket

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/llama-lens/utils/log"
)

// Hub tracks connected hosts. Every event goes to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.WithCtx(c.ctx).Info("Host connected", zap.Int("hosts", n))
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.Close()
		log.WithCtx(c.ctx).Info("Host disconnected", zap.Int("hosts", n))
	}
}

// Publish sends ev to every host and reports how many accepted it.
func (h *Hub) Publish(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.clients {
		if c.Send(ev) {
			sent++
		}
	}
	return sent
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
