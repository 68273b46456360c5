package chat

import (
	"sort"
	"sync"
	"time"
)

// Client represents one connected socket session.
type Client struct {
	ID          string
	Username    string
	Phone       string
	Conn        Conn
	Outgoing    chan []byte
	ConnectedAt time.Time
}

// Hub manages all connected sessions and delivers frames to them.
// Sessions sharing a phone number form a room.
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Register adds a client to the hub and its phone room.
// It returns the sessions that were already in that room, oldest first.
func (h *Hub) Register(client *Client) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[client.Phone]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[client.Phone] = room
	}
	existing := sortedByAge(room)

	h.clients[client.ID] = client
	room[client.ID] = client
	return existing
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, client.ID)
	if room, ok := h.rooms[client.Phone]; ok {
		delete(room, client.ID)
		if len(room) == 0 {
			delete(h.rooms, client.Phone)
		}
	}
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client returns the session with the given socket id.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Room returns the sessions of a phone number, oldest first.
func (h *Hub) Room(phone string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedByAge(h.rooms[phone])
}

// Deliver queues data for every session in room, or for every session when
// room is empty. Sessions listed in except are skipped, as are sessions whose
// queue is full. It returns the number of sessions the frame was queued for.
func (h *Hub) Deliver(room string, data []byte, except ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if room != "" {
		targets = h.rooms[room]
	}

	delivered := 0
	for id, client := range targets {
		if contains(except, id) {
			continue
		}
		select {
		case client.Outgoing <- data:
			delivered++
		default:
			// Channel is full, skip this client
		}
	}
	return delivered
}

// DeliverTo queues data for one session. It reports false when the session
// is gone or its queue is full.
func (h *Hub) DeliverTo(id string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[id]
	if !ok {
		return false
	}
	select {
	case client.Outgoing <- data:
		return true
	default:
		return false
	}
}

func sortedByAge(room map[string]*Client) []*Client {
	out := make([]*Client, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
