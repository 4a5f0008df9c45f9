package feed

import (
	"context"
	"sync"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// AllBranches is the filter of observers that want every event
const AllBranches = ""

// Hub maintains live feed connections and broadcasts published events
type Hub struct {
	// Map: publisher filter → []*Client ("" receives everything)
	connections map[string][]*Client
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}

	logger Logger
}

// Message is one event to broadcast
type Message struct {
	PublisherID string
	Data        []byte
}

// NewHub creates a new Hub instance
func NewHub(logger Logger) *Hub {
	return &Hub{
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("feed hub started")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			h.logger.Info("feed hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Broadcast queues msg for delivery. It drops the message when the queue
// is full rather than blocking a publish.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("feed broadcast queue full, dropping event", "publisher_id", msg.PublisherID)
	}
}

// Register adds client to the hub. It returns false once the hub stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.connections[client.filter] = append(h.connections[client.filter], client)
	h.logger.Info("feed client registered",
		"filter", client.filter,
		"total_for_filter", len(h.connections[client.filter]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(client)
}

// removeLocked drops client and closes its send channel exactly once
func (h *Hub) removeLocked(client *Client) {
	clients := h.connections[client.filter]
	for i, c := range clients {
		if c != client {
			continue
		}
		h.connections[client.filter] = append(clients[:i], clients[i+1:]...)
		close(client.send)
		if len(h.connections[client.filter]) == 0 {
			delete(h.connections, client.filter)
		}
		h.logger.Debug("feed client unregistered", "filter", client.filter)
		return
	}
}

// deliver sends to observers of the publisher and to observers of all branches
func (h *Hub) deliver(message *Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	targets := append([]*Client(nil), h.connections[AllBranches]...)
	if message.PublisherID != AllBranches {
		targets = append(targets, h.connections[message.PublisherID]...)
	}

	for _, client := range targets {
		select {
		case client.send <- message.Data:
		default:
			h.logger.Warn("feed client send buffer full, closing connection", "filter", client.filter)
			h.removeLocked(client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for filter, clients := range h.connections {
		for _, c := range clients {
			close(c.send)
		}
		delete(h.connections, filter)
	}
}

// ConnectionCount returns the total number of live connections
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}
