// Package signaling implements the coordinator's rendezvous plane: it pairs a
// client with a worker under a client-allocated session ID and relays offer,
// answer, and candidate frames between the two endpoints. Payloads are routed
// verbatim; the coordinator never inspects, stores, or rewrites SDP or
// candidate bodies, it only reads the routing fields alongside them.
package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/registry"
	"github.com/Zeeshankhan077/neuraX/internal/types"
	"github.com/Zeeshankhan077/neuraX/internal/websocket"
)

// Broker is the slice of the websocket hub the signaling plane needs.
type Broker interface {
	Publish(topic string, msg websocket.Message)
	Join(c *websocket.Client, topic string)
	Send(c *websocket.Client, msg websocket.Message)
}

// NodeDirectory resolves worker IDs to their registry entries. Implemented by
// registry.Registry.
type NodeDirectory interface {
	Get(nodeID string) (*registry.Node, error)
}

// session is one client-worker pairing. Exactly two endpoints: the offering
// client and the answering worker.
type session struct {
	id        string
	workerID  string
	channelID string
	client    *websocket.Client
	state     types.SessionState
	createdAt time.Time
}

// envelope carries the routing fields of a relay frame. Everything else in
// the payload passes through untouched.
type envelope struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Plane owns the session table and the relay handlers. Create with New and
// bind the handlers to a hub with Bind.
type Plane struct {
	mu       sync.Mutex
	sessions map[string]*session

	broker Broker
	nodes  NodeDirectory
	logger *zap.Logger
}

// New creates a signaling plane.
func New(broker Broker, nodes NodeDirectory, logger *zap.Logger) *Plane {
	return &Plane{
		sessions: map[string]*session{},
		broker:   broker,
		nodes:    nodes,
		logger:   logger.Named("signaling"),
	}
}

// Bind registers the relay handlers on the hub's dispatch table.
func (p *Plane) Bind(hub *websocket.Hub) {
	hub.Handle(types.EventOffer, p.HandleOffer)
	hub.Handle(types.EventAnswer, p.HandleAnswer)
	hub.Handle(types.EventICECandidate, p.HandleCandidate)
}

// sessionTopic is where the offering client listens for replies.
func sessionTopic(sessionID string) string { return "session:" + sessionID }

// peerTopic is a worker's signaling channel.
func peerTopic(channelID string) string { return "peer:" + channelID }

// HandleOffer creates the session and relays the offer to the target worker.
// The target is named by node_id (resolved through the registry) or directly
// by channel_id. A second offer for an existing session is a protocol error:
// sessions have exactly two endpoints and are never renegotiated in place.
func (p *Plane) HandleOffer(c *websocket.Client, payload json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.SessionID == "" {
		p.broker.Send(c, websocket.ErrorMessage(types.KindProtocol, "offer requires session_id"))
		return
	}

	channelID := env.ChannelID
	workerID := env.NodeID
	if channelID == "" {
		if workerID == "" {
			p.broker.Send(c, websocket.ErrorMessage(types.KindValidation, "offer requires node_id or channel_id"))
			return
		}
		node, err := p.nodes.Get(workerID)
		if err != nil {
			p.broker.Send(c, websocket.ErrorMessage(types.KindNotFound, "unknown compute node "+workerID))
			return
		}
		if node.Status == string(types.WorkerStatusOffline) {
			p.broker.Send(c, websocket.ErrorMessage(types.KindValidation, "compute node "+workerID+" is offline"))
			return
		}
		channelID = node.ChannelID
	}

	p.mu.Lock()
	if _, exists := p.sessions[env.SessionID]; exists {
		p.mu.Unlock()
		p.broker.Send(c, websocket.ErrorMessage(types.KindProtocol, "session "+env.SessionID+" already exists"))
		return
	}
	p.sessions[env.SessionID] = &session{
		id:        env.SessionID,
		workerID:  workerID,
		channelID: channelID,
		client:    c,
		state:     types.SessionOffered,
		createdAt: time.Now().UTC(),
	}
	p.mu.Unlock()

	// The client hears answers and candidates on its session topic.
	p.broker.Join(c, sessionTopic(env.SessionID))

	p.broker.Publish(peerTopic(channelID), websocket.Message{
		Event:   types.EventOffer,
		Payload: payload,
	})
	p.logger.Info("offer relayed",
		zap.String("session_id", env.SessionID),
		zap.String("node_id", workerID),
	)
}

// HandleAnswer relays a worker's answer back to the offering client and moves
// the session to answered. Exactly one answer per session reaches the client:
// a session already answered rejects further answers with a protocol error.
// Answers for unknown sessions are dropped.
func (p *Plane) HandleAnswer(c *websocket.Client, payload json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.SessionID == "" {
		p.broker.Send(c, websocket.ErrorMessage(types.KindProtocol, "answer requires session_id"))
		return
	}

	p.mu.Lock()
	sess, ok := p.sessions[env.SessionID]
	answered := ok && sess.state == types.SessionOffered
	if answered {
		sess.state = types.SessionAnswered
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if !answered {
		p.broker.Send(c, websocket.ErrorMessage(types.KindProtocol,
			"session "+env.SessionID+" already answered"))
		return
	}

	p.broker.Publish(sessionTopic(env.SessionID), websocket.Message{
		Event:   types.EventAnswer,
		Payload: payload,
	})
	p.logger.Info("answer relayed", zap.String("session_id", env.SessionID))
}

// HandleCandidate relays a candidate to the other endpoint of its session.
// Relay is best-effort: a candidate for an unknown session is dropped without
// an error reply.
func (p *Plane) HandleCandidate(c *websocket.Client, payload json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.SessionID == "" {
		return
	}

	p.mu.Lock()
	sess, ok := p.sessions[env.SessionID]
	p.mu.Unlock()
	if !ok {
		return
	}

	msg := websocket.Message{Event: types.EventICECandidate, Payload: payload}

	// A frame from the session's worker goes to the client; everything else
	// goes to the worker. The worker side is identified by its registration
	// binding, so a stray client cannot impersonate it by guessing IDs.
	if wid := c.WorkerID(); wid != "" && wid == sess.workerID {
		p.broker.Publish(sessionTopic(sess.id), msg)
	} else {
		p.broker.Publish(peerTopic(sess.channelID), msg)
	}
}

// CloseWorkerSessions closes every session bound to the given worker and
// drops the references. Invoked from the hub's disconnect hook.
func (p *Plane) CloseWorkerSessions(nodeID string) int {
	if nodeID == "" {
		return 0
	}

	p.mu.Lock()
	var closed []string
	for id, sess := range p.sessions {
		if sess.workerID == nodeID {
			closed = append(closed, id)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, id := range closed {
		p.broker.Publish(sessionTopic(id), websocket.ErrorMessage(
			types.KindProtocol, "worker disconnected, session closed"))
	}
	if len(closed) > 0 {
		p.logger.Info("worker sessions closed",
			zap.String("node_id", nodeID),
			zap.Int("count", len(closed)),
		)
	}
	return len(closed)
}

// CloseClientSessions closes every session whose offering client is c.
func (p *Plane) CloseClientSessions(c *websocket.Client) int {
	p.mu.Lock()
	n := 0
	for id, sess := range p.sessions {
		if sess.client == c {
			delete(p.sessions, id)
			n++
		}
	}
	p.mu.Unlock()
	return n
}

// SessionCount reports how many sessions are open.
func (p *Plane) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// State returns the signaling state of one session.
func (p *Plane) State(sessionID string) (types.SessionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.state, true
}
