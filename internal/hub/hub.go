// Package hub tracks live WebSocket clients.
package hub

import (
	"context"
	"sync"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/protocol"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
	}
}

// Run serializes registration until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldConnID, client.id).Int("clients", n).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.id)
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldConnID, client.id).Msg("client unregistered")
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
		client.Close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

// Snapshot lists the registered clients for the liveness sweep.
func (h *Hub) Snapshot() []protocol.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
