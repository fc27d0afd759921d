package websocket

import (
	"encoding/json"
	"sync"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// Handler processes one inbound frame from a client. Handlers run on the
// client's read goroutine; anything slow should be handed off.
type Handler func(c *Client, payload json.RawMessage)

// Hub is the central pub/sub broker for event-channel clients. It maintains
// the registry of connected clients and routes published messages to all
// clients subscribed to a given topic.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine — the Run loop — via channels. Publish is the
// one exception: it holds a read-lock for the shortest possible time to copy
// the target set, then sends outside the lock to avoid blocking the event
// loop while waiting on slow client channels.
//
// Inbound frames dispatch through an explicit handler table built with Handle
// before Run starts; there is no reflective or dynamic registration.
type Hub struct {
	// clients maps each connected client to the set of topics it is
	// subscribed to. Keyed by pointer for O(1) register/unregister.
	clients map[*Client]map[string]struct{}

	// topics maps each topic string to the set of clients subscribed to it.
	// Both maps are always updated together to keep them in sync.
	topics map[string]map[*Client]struct{}

	// mu protects clients and topics during Publish and Join, which touch
	// them from outside the Run goroutine.
	mu sync.RWMutex

	// handlers is the inbound dispatch table. Populated before Run starts,
	// read-only afterwards.
	handlers map[types.EventName]Handler

	// onDisconnect is invoked after a client is removed from the registry.
	// The signaling plane uses it to close a disconnected worker's sessions.
	onDisconnect func(c *Client)

	register   chan *Client
	unregister chan *Client

	// stopped is closed when the hub's Run loop exits.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Register handlers with Handle, then call Run in
// a goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]map[string]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		handlers:   make(map[types.EventName]Handler),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Handle binds an inbound event to its handler. Must be called before Run.
func (h *Hub) Handle(event types.EventName, fn Handler) {
	h.handlers[event] = fn
}

// OnDisconnect sets the hook invoked after a client leaves the registry.
// Must be called before Run.
func (h *Hub) OnDisconnect(fn func(c *Client)) {
	h.onDisconnect = fn
}

// Run starts the hub's event loop. It must be called exactly once, in its own
// goroutine. It exits when ctx is cancelled (via server graceful shutdown).
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// Join may have run already on the upgrade handler's goroutine;
			// keep any topics it recorded.
			if h.clients[client] == nil {
				h.clients[client] = make(map[string]struct{})
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			topics, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				for topic := range topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// Signal the client's writePump to drain and exit.
				client.closeSend()
			}
			h.mu.Unlock()
			if ok && h.onDisconnect != nil {
				h.onDisconnect(client)
			}

		case <-ctx.Done():
			// Close all connected clients on shutdown.
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
			}
			h.clients = make(map[*Client]map[string]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic.
// It is safe to call from any goroutine (engine tasks, HTTP handlers, the
// registry sweep). Clients whose send buffer is full are disconnected so a
// slow consumer cannot stall other subscribers on the same topic.
func (h *Hub) Publish(topic string, msg Message) {
	msg.Topic = topic

	h.mu.RLock()
	targets := h.topics[topic]
	// Copy the target set before releasing the lock so we don't hold it
	// while sending — channel sends can block if a buffer is full.
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.trySend(msg)
	}
}

// Join subscribes client to topic. Safe from any goroutine; used both at
// connection time and dynamically (subscribe_job_logs, worker registration).
func (h *Hub) Join(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics, ok := h.clients[client]
	if !ok {
		topics = make(map[string]struct{})
		h.clients[client] = topics
	}
	topics[topic] = struct{}{}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][client] = struct{}{}
}

// Subscribe registers client with the hub. Called by the HTTP upgrade
// handler after the client is initialised.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
// Called by the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// Send queues a direct message to one client, bypassing topics. Used for
// registration acks, node listings, and error frames.
func (h *Hub) Send(c *Client, msg Message) {
	c.trySend(msg)
}

// ConnectedCount returns the current number of connected clients.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch routes one parsed frame to its handler. A missing handler means
// the event is in the inbound set but this deployment did not bind it; the
// client gets the same protocol error as for an unknown event.
func (h *Hub) dispatch(c *Client, frame Frame) {
	fn, ok := h.handlers[frame.Event]
	if !ok {
		c.trySend(ErrorMessage(types.KindProtocol, "unsupported event "+string(frame.Event)))
		return
	}
	fn(c, frame.Payload)
}
