package sse

import (
	"sync"

	"github.com/study-hub/study-hub/internal/domain/wizard"
)

// Client is one connected event stream for an owner.
type Client struct {
	ClientID string
	Owner    string

	mu     sync.Mutex
	ch     chan wizard.ProgressEvent
	closed bool
}

// NewClient creates a client with a buffered event channel.
func NewClient(clientID, owner string) *Client {
	return &Client{
		ClientID: clientID,
		Owner:    owner,
		ch:       make(chan wizard.ProgressEvent, 16),
	}
}

// Events returns the receive side of the client's channel.
func (c *Client) Events() <-chan wizard.ProgressEvent {
	return c.ch
}

// Close closes the client's channel once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

func (c *Client) trySend(ev wizard.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- ev:
	default:
		// Slow consumer; drop rather than block the orchestrator.
	}
}

// Hub fans wizard progress events out to the owner's connected clients.
// It implements wizard.EventSink.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers an event to every client registered for the owner.
func (h *Hub) Publish(owner string, ev wizard.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Owner == owner {
			c.trySend(ev)
		}
	}
}
