package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled client from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the client.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size in bytes accepted from the client.
	// Signaling payloads (SDP bodies with many candidates) can reach tens of
	// kilobytes; job payloads never travel on this channel.
	maxMessageSize = 256 * 1024

	// sendBufferSize is the capacity of the per-client message channel.
	// If the buffer fills up the client is considered too slow and is
	// disconnected to prevent backpressure on other subscribers.
	sendBufferSize = 64
)

// upgrader performs the HTTP → WebSocket protocol upgrade.
// CheckOrigin always returns true — origin validation is the responsibility
// of the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a single connected event-channel peer, browser or compute
// node. Each client runs two goroutines: readPump (parses inbound frames and
// dispatches them through the hub's handler table) and writePump (serialises
// outgoing messages onto the wire).
//
// The send channel is the handoff point between the hub's Publish calls and
// the writePump. It is closed by the hub when the client is unregistered,
// which causes writePump to drain and exit cleanly.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the outbound message buffer. The hub writes here; writePump
	// reads from here and forwards to the wire.
	send chan Message

	// sendMu guards send against the close in closeSend. Publish copies its
	// target set outside the hub lock, so a copy can still hold this client
	// after unregistration has closed the channel.
	sendMu sync.Mutex
	closed bool

	// workerID is set once the peer registers as a compute node. The
	// disconnect hook uses it to clean up the node's sessions.
	workerMu sync.Mutex
	workerID string

	// logger is a scoped zap logger with the remote address pre-filled.
	logger *zap.Logger
}

// NewClient creates a Client and upgrades the HTTP connection to WebSocket.
// Topic subscriptions happen afterwards, either at the upgrade handler via
// hub.Join or dynamically from inbound frames.
//
// Returns an error if the upgrade fails (e.g. the request is not a valid
// WebSocket handshake).
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	return c, nil
}

// Run registers the client with the hub and starts the read and write pumps.
// It blocks until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	// writePump runs in a separate goroutine because it blocks on the send
	// channel and the wire write. readPump runs on the current goroutine.
	go c.writePump()
	c.readPump()
}

// BindWorker marks this connection as belonging to the given compute node.
func (c *Client) BindWorker(nodeID string) {
	c.workerMu.Lock()
	c.workerID = nodeID
	c.workerMu.Unlock()
}

// WorkerID returns the bound compute node ID, or "" for browser clients.
func (c *Client) WorkerID() string {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	return c.workerID
}

// trySend queues msg without blocking. A full buffer disconnects the client:
// it is too slow to keep up and must not stall the publisher. Messages for an
// already-closed client are dropped.
func (c *Client) trySend(msg Message) {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
	default:
		// Unsubscribe outside the lock: the hub's unregister path calls
		// closeSend, which needs it.
		c.sendMu.Unlock()
		c.hub.Unsubscribe(c)
	}
}

// closeSend closes the send channel exactly once, signalling writePump to
// drain and exit. Later trySend calls become no-ops.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Send queues a direct message to this client (registration acks, node
// listings, error frames).
func (c *Client) Send(msg Message) {
	c.trySend(msg)
}

// readPump reads incoming frames from the WebSocket connection, parses each
// into the inbound frame union, and dispatches it through the hub's handler
// table. Malformed or unknown frames are answered with a protocol error and
// the connection stays open; only transport errors end the loop.
//
// When the loop exits the client is unregistered from the hub so resources
// are freed and the disconnect hook runs.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Set the initial read deadline. The deadline is reset on every pong and
	// on every application frame.
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.trySend(ErrorMessage(types.KindProtocol, err.Error()))
			continue
		}
		c.hub.dispatch(c, frame)
	}
}

// writePump forwards messages from the send channel to the WebSocket wire.
// It also sends periodic ping frames so readPump can detect stale connections.
//
// writePump is the only goroutine that writes to conn — gorilla/websocket
// connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// The hub closed the channel — send a close frame and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
