package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many nodes reconnect simultaneously.
	jitterFraction = 0.2

	// heartbeatInterval is how often the node sends liveness signals. The
	// coordinator demotes a node whose heartbeat age exceeds its timeout.
	heartbeatInterval = 30 * time.Second

	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

// outFrame is the client→coordinator frame shape.
type outFrame struct {
	Event   types.EventName `json:"event"`
	Payload interface{}     `json:"payload"`
}

// inMessage is the coordinator→client message shape.
type inMessage struct {
	Event   types.EventName `json:"event"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Manager maintains the persistent event-channel connection to the
// coordinator: registration, heartbeats, and the signaling relay. On any
// failure the whole session is torn down and rebuilt with backoff.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	// mu protects conn (replaced on every reconnect) and channelID.
	mu        sync.Mutex
	conn      *gws.Conn
	channelID string

	// writeMu serializes frame writes. The websocket library allows only
	// one writer per connection, and both the heartbeat loop and the
	// read-loop replies call send.
	writeMu sync.Mutex
}

// NewManager creates a Manager. Call Run to start the connection loop.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("connection"),
	}
}

// Run starts the connection loop. It dials the coordinator, registers, and
// begins the heartbeat and read loops. On any error it reconnects with
// exponential backoff. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to coordinator", zap.String("url", m.cfg.SignalingURL))

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("connection failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Successful session — reset backoff for the next reconnect.
		backoff = backoffInitial
	}
}

// connect establishes one event-channel session: dial → register → run loops.
// Returns when the session ends (error or context cancellation).
func (m *Manager) connect(ctx context.Context) error {
	dialer := gws.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.SignalingURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	// Registration carries the node's host facts. The coordinator replies
	// with a registered frame handled in the read loop.
	if err := m.send(outFrame{
		Event:   types.EventRegisterNode,
		Payload: buildDescriptor(m.cfg),
	}); err != nil {
		return fmt.Errorf("registration send failed: %w", err)
	}

	// Both loops run until one fails, then the entire session is torn down
	// and the outer Run loop reconnects.
	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(ctx) }()
	go func() { errCh <- m.readLoop(conn) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = nil
	}
	if ctx.Err() != nil {
		// Graceful shutdown, not a real error.
		return nil
	}
	return err
}

// send writes one frame. The write lock is held across the whole write so
// the heartbeat loop and the read-loop replies never hit the connection
// concurrently.
func (m *Manager) send(f outFrame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gws.TextMessage, data)
}

// heartbeatLoop sends periodic liveness signals until ctx is cancelled or a
// write fails.
func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := m.send(outFrame{
				Event:   types.EventNodeHeartbeat,
				Payload: collectHeartbeat(m.cfg.NodeID),
			})
			if err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
			m.logger.Debug("heartbeat sent", zap.String("node_id", m.cfg.NodeID))
		}
	}
}

// readLoop processes coordinator messages until the connection drops.
func (m *Manager) readLoop(conn *gws.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg inMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("malformed coordinator message", zap.Error(err))
			continue
		}
		m.handleMessage(msg)
	}
}

func (m *Manager) handleMessage(msg inMessage) {
	switch msg.Event {
	case types.EventRegistered:
		var reply struct {
			NodeID    string `json:"node_id"`
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			m.logger.Warn("malformed registered reply", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.channelID = reply.ChannelID
		m.mu.Unlock()
		m.logger.Info("registered with coordinator",
			zap.String("node_id", reply.NodeID),
			zap.String("channel_id", reply.ChannelID),
		)

	case types.EventHeartbeatAck:
		m.logger.Debug("heartbeat acknowledged")

	case types.EventOffer:
		m.handleOffer(msg.Payload)

	case types.EventICECandidate:
		// The data channel is a direct endpoint, so transport candidates
		// carry nothing the node needs.
		m.logger.Debug("transport candidate ignored")

	case types.EventError:
		m.logger.Warn("coordinator error frame", zap.ByteString("payload", msg.Payload))

	default:
		m.logger.Debug("unhandled event", zap.String("event", string(msg.Event)))
	}
}

// handleOffer answers a relayed session offer with this node's data-channel
// endpoint for that session. The coordinator relays the answer payload
// verbatim to the offering client.
func (m *Manager) handleOffer(payload json.RawMessage) {
	var offer struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(payload, &offer); err != nil || offer.SessionID == "" {
		m.logger.Warn("offer missing session_id, dropped")
		return
	}

	answer := map[string]string{
		"session_id": offer.SessionID,
		"node_id":    m.cfg.NodeID,
		"endpoint":   m.peerURL(offer.SessionID),
	}
	if err := m.send(outFrame{Event: types.EventAnswer, Payload: answer}); err != nil {
		m.logger.Warn("answer send failed",
			zap.String("session_id", offer.SessionID),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("session answered", zap.String("session_id", offer.SessionID))
}

// peerURL is the per-session data-channel URL clients dial after the answer.
func (m *Manager) peerURL(sessionID string) string {
	endpoint := advertiseEndpoint(m.cfg)
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	return strings.TrimRight(endpoint, "/") + "/peer/" + sessionID
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
