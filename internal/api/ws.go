package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/metrics"
	"github.com/Zeeshankhan077/neuraX/internal/registry"
	"github.com/Zeeshankhan077/neuraX/internal/signaling"
	"github.com/Zeeshankhan077/neuraX/internal/types"
	"github.com/Zeeshankhan077/neuraX/internal/websocket"
)

// workersTopic is the broadcast topic every connected client joins, used for
// node registration announcements.
const workersTopic = "workers"

// Gateway binds the event-channel frames to their backing components: node
// registration and heartbeats to the registry, log subscriptions to hub
// topics, and the relay events to the signaling plane.
type Gateway struct {
	hub      *websocket.Hub
	registry *registry.Registry
	plane    *signaling.Plane
	engine   *engine.Engine
	logger   *zap.Logger
}

// NewGateway wires the inbound dispatch table and the disconnect hook.
func NewGateway(hub *websocket.Hub, reg *registry.Registry, plane *signaling.Plane, eng *engine.Engine, logger *zap.Logger) *Gateway {
	g := &Gateway{
		hub:      hub,
		registry: reg,
		plane:    plane,
		engine:   eng,
		logger:   logger.Named("gateway"),
	}

	hub.Handle(types.EventRegisterNode, g.handleRegister)
	hub.Handle(types.EventNodeHeartbeat, g.handleHeartbeat)
	hub.Handle(types.EventGetNodes, g.handleGetNodes)
	hub.Handle(types.EventSubscribeLogs, g.handleSubscribeLogs)
	plane.Bind(hub)
	hub.OnDisconnect(g.handleDisconnect)

	return g
}

// Upgrade is the HTTP handler for the event-channel endpoint. Every client
// joins the workers broadcast topic; job and session topics are joined
// dynamically via frames.
func (g *Gateway) Upgrade(w http.ResponseWriter, r *http.Request) {
	client, err := websocket.NewClient(g.hub, w, r, g.logger)
	if err != nil {
		g.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	g.hub.Join(client, workersTopic)
	client.Run()
}

func (g *Gateway) handleRegister(c *websocket.Client, payload json.RawMessage) {
	var desc registry.Descriptor
	if err := json.Unmarshal(payload, &desc); err != nil || desc.NodeID == "" {
		c.Send(websocket.ErrorMessage(types.KindValidation, "registration requires node_id"))
		return
	}
	if desc.ChannelID == "" {
		desc.ChannelID = uuid.NewString()
	}

	node, err := g.registry.Register(desc)
	if err != nil {
		c.Send(websocket.ErrorMessage(types.KindInfrastructure, "registration failed, retry"))
		return
	}

	c.BindWorker(node.NodeID)
	g.hub.Join(c, "peer:"+node.ChannelID)
	g.hub.Join(c, "worker:"+node.NodeID)

	c.Send(websocket.Message{
		Event: types.EventRegistered,
		Payload: envelope{
			"node_id":    node.NodeID,
			"channel_id": node.ChannelID,
		},
	})
	g.hub.Publish(workersTopic, websocket.Message{
		Event:   types.EventNodeRegistered,
		Payload: toWorkerView(*node),
	})
}

func (g *Gateway) handleHeartbeat(c *websocket.Client, payload json.RawMessage) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.NodeID == "" {
		c.Send(websocket.ErrorMessage(types.KindValidation, "heartbeat requires node_id"))
		return
	}

	if err := g.registry.Heartbeat(req.NodeID); err != nil {
		// Heartbeat without register: logged and dropped, never auto-created.
		g.logger.Warn("heartbeat from unregistered node", zap.String("node_id", req.NodeID))
		return
	}
	c.Send(websocket.Message{Event: types.EventHeartbeatAck, Payload: envelope{}})
}

func (g *Gateway) handleGetNodes(c *websocket.Client, payload json.RawMessage) {
	nodes, err := g.registry.List(true)
	if err != nil {
		c.Send(websocket.ErrorMessage(types.KindInfrastructure, "node listing unavailable"))
		return
	}

	views := make([]workerView, len(nodes))
	for i, n := range nodes {
		views[i] = toWorkerView(n)
	}
	c.Send(websocket.Message{Event: types.EventNodeList, Payload: views})
}

func (g *Gateway) handleSubscribeLogs(c *websocket.Client, payload json.RawMessage) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.JobID == "" {
		c.Send(websocket.ErrorMessage(types.KindValidation, "subscription requires job_id"))
		return
	}

	g.hub.Join(c, "job:"+req.JobID)

	// Late subscribers get the current snapshot immediately so they do not
	// wait for the next transition.
	if snap, err := g.engine.Status(req.JobID); err == nil {
		c.Send(websocket.Message{Event: types.EventJobStatus, Payload: snap})
	}
}

// handleDisconnect runs after a client leaves the hub. For a registered
// worker this closes its sessions and demotes it immediately rather than
// waiting out the heartbeat timeout.
func (g *Gateway) handleDisconnect(c *websocket.Client) {
	if nodeID := c.WorkerID(); nodeID != "" {
		g.plane.CloseWorkerSessions(nodeID)
		if err := g.registry.MarkOffline(nodeID); err != nil {
			g.logger.Warn("mark offline", zap.String("node_id", nodeID), zap.Error(err))
		}
		return
	}
	g.plane.CloseClientSessions(c)
}

// HubPublisher adapts the websocket hub (and metrics) to the engine's
// Publisher interface.
type HubPublisher struct {
	Hub     *websocket.Hub
	Metrics *metrics.Metrics
}

func (p *HubPublisher) PublishJobStatus(snap engine.Snapshot) {
	p.Hub.Publish("job:"+snap.JobID, websocket.Message{
		Event:   types.EventJobStatus,
		Payload: snap,
	})

	terminal := snap.Status == types.JobStatusCompleted || snap.Status == types.JobStatusFailed
	if terminal && p.Metrics != nil {
		runtime := time.Duration(snap.Runtime * float64(time.Second))
		p.Metrics.ObserveJob(string(snap.Mode), string(snap.Status), runtime)
	}
}

func (p *HubPublisher) PublishJobLog(jobID, line string, fullLog []string) {
	p.Hub.Publish("job:"+jobID, websocket.Message{
		Event: types.EventJobLog,
		Payload: envelope{
			"job_id": jobID,
			"line":   line,
			"log":    fullLog,
		},
	})
}

func (p *HubPublisher) PublishCellOutput(sessionID, cellID, chunk, state string) {
	p.Hub.Publish("session:"+sessionID, websocket.Message{
		Event: types.EventCellOutput,
		Payload: envelope{
			"session_id": sessionID,
			"cell_id":    cellID,
			"chunk":      chunk,
			"state":      state,
		},
	})
}

func (p *HubPublisher) PublishSessionEvent(sessionID string, event types.EventName, payload interface{}) {
	p.Hub.Publish("session:"+sessionID, websocket.Message{Event: event, Payload: payload})
}
