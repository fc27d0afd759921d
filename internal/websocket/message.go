// Package websocket implements the coordinator's real-time event channel. It
// uses gorilla/websocket under the hood and exposes a topic-based broadcast
// API consumed by the job engine, the registry, and the signaling relay, plus
// an explicit dispatch table for frames arriving from clients and workers.
//
// Topic naming convention:
//
//	job:<id>      — status and log updates for a specific job
//	session:<id>  — notebook and signaling events for a specific session
//	worker:<id>   — events addressed to a specific compute node
//	peer:<id>     — a worker's signaling channel, keyed by its channel id
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// ErrUnknownEvent is returned by ParseFrame for events outside the inbound
// set. The hub answers such frames with a protocol error instead of guessing.
var ErrUnknownEvent = errors.New("websocket: unknown event")

// Message is the envelope for every frame sent to clients.
//
// JSON example:
//
//	{"event":"job_status","topic":"job:8f2c...","payload":{"status":"running"}}
type Message struct {
	// Event identifies the kind of frame so the client can route it.
	Event types.EventName `json:"event"`

	// Topic is the pub/sub channel this message was published on. Empty for
	// direct replies (registered, heartbeat_ack, error).
	Topic string `json:"topic,omitempty"`

	// Payload carries the event-specific data. The shape varies by Event:
	//   - job_status:  engine.Snapshot
	//   - job_log:     {"job_id":"...","line":"...","log":[...]}
	//   - cell_output: {"session_id":"...","cell_id":"...","chunk":"...","state":"..."}
	//   - offer/answer/ice_candidate: relayed verbatim, never inspected
	Payload interface{} `json:"payload"`
}

// ErrorPayload is the body of an error frame sent back to one client.
type ErrorPayload struct {
	Kind    types.ErrorKind `json:"error"`
	Message string          `json:"message"`
}

// ErrorMessage builds the error frame for a failed inbound operation.
func ErrorMessage(kind types.ErrorKind, msg string) Message {
	return Message{
		Event:   types.EventError,
		Payload: ErrorPayload{Kind: kind, Message: msg},
	}
}

// Frame is an inbound client frame after the first parsing stage. The payload
// stays raw so relay frames are never decoded and per-event handlers choose
// their own shapes.
type Frame struct {
	Event   types.EventName `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// inboundEvents is the closed set of frames clients and workers may send.
var inboundEvents = map[types.EventName]struct{}{
	types.EventRegisterNode:  {},
	types.EventNodeHeartbeat: {},
	types.EventGetNodes:      {},
	types.EventSubscribeLogs: {},
	types.EventOffer:         {},
	types.EventAnswer:        {},
	types.EventICECandidate:  {},
}

// ParseFrame decodes one inbound frame and rejects unknown variants before
// any handler runs.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("websocket: malformed frame: %w", err)
	}
	if _, ok := inboundEvents[f.Event]; !ok {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	return f, nil
}
