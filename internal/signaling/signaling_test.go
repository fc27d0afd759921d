package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/registry"
	"github.com/Zeeshankhan077/neuraX/internal/types"
	"github.com/Zeeshankhan077/neuraX/internal/websocket"
)

// fakeBroker records every publish, join, and direct send.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishCall
	joins     []string
	direct    []websocket.Message
}

type publishCall struct {
	topic string
	msg   websocket.Message
}

func (b *fakeBroker) Publish(topic string, msg websocket.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishCall{topic, msg})
}

func (b *fakeBroker) Join(c *websocket.Client, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins = append(b.joins, topic)
}

func (b *fakeBroker) Send(c *websocket.Client, msg websocket.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct = append(b.direct, msg)
}

func (b *fakeBroker) lastPublished(t *testing.T) publishCall {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.published)
	return b.published[len(b.published)-1]
}

func (b *fakeBroker) lastDirect(t *testing.T) websocket.Message {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.direct)
	return b.direct[len(b.direct)-1]
}

func (b *fakeBroker) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// fakeDirectory serves a fixed node set.
type fakeDirectory struct {
	nodes map[string]*registry.Node
}

func (d *fakeDirectory) Get(nodeID string) (*registry.Node, error) {
	node, ok := d.nodes[nodeID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return node, nil
}

func newTestPlane() (*Plane, *fakeBroker) {
	broker := &fakeBroker{}
	dir := &fakeDirectory{nodes: map[string]*registry.Node{
		"n1": {NodeID: "n1", ChannelID: "chan-n1", Status: string(types.WorkerStatusReady)},
		"n2": {NodeID: "n2", ChannelID: "chan-n2", Status: string(types.WorkerStatusOffline)},
	}}
	return New(broker, dir, zap.NewNop()), broker
}

func offerPayload(sessionID, nodeID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"session_id":%q,"node_id":%q,"sdp":"v=0 o=- opaque-sdp-body"}`, sessionID, nodeID))
}

func TestOfferCreatesSessionAndRelaysVerbatim(t *testing.T) {
	plane, broker := newTestPlane()
	client := new(websocket.Client)

	payload := offerPayload("s1", "n1")
	plane.HandleOffer(client, payload)

	state, ok := plane.State("s1")
	require.True(t, ok)
	assert.Equal(t, types.SessionOffered, state)

	// Client is subscribed to its reply topic.
	assert.Contains(t, broker.joins, "session:s1")

	// Relayed to the worker's peer topic, payload byte-for-byte untouched.
	call := broker.lastPublished(t)
	assert.Equal(t, "peer:chan-n1", call.topic)
	assert.Equal(t, types.EventOffer, call.msg.Event)
	relayed, ok := call.msg.Payload.(json.RawMessage)
	require.True(t, ok)
	assert.Equal(t, []byte(payload), []byte(relayed))
}

func TestOfferToUnknownNodeFails(t *testing.T) {
	plane, broker := newTestPlane()

	plane.HandleOffer(new(websocket.Client), offerPayload("s1", "ghost"))

	msg := broker.lastDirect(t)
	assert.Equal(t, types.EventError, msg.Event)
	assert.Equal(t, types.KindNotFound, msg.Payload.(websocket.ErrorPayload).Kind)
	_, ok := plane.State("s1")
	assert.False(t, ok)
}

func TestOfferToOfflineNodeFails(t *testing.T) {
	plane, broker := newTestPlane()

	plane.HandleOffer(new(websocket.Client), offerPayload("s1", "n2"))

	msg := broker.lastDirect(t)
	assert.Equal(t, types.KindValidation, msg.Payload.(websocket.ErrorPayload).Kind)
}

func TestSecondOfferForSameSessionIsProtocolError(t *testing.T) {
	plane, broker := newTestPlane()

	plane.HandleOffer(new(websocket.Client), offerPayload("s1", "n1"))
	plane.HandleOffer(new(websocket.Client), offerPayload("s1", "n1"))

	msg := broker.lastDirect(t)
	assert.Equal(t, types.KindProtocol, msg.Payload.(websocket.ErrorPayload).Kind)
	assert.Equal(t, 1, plane.SessionCount())
}

func TestAnswerAdvancesStateAndReachesClient(t *testing.T) {
	plane, broker := newTestPlane()
	plane.HandleOffer(new(websocket.Client), offerPayload("s1", "n1"))

	worker := new(websocket.Client)
	worker.BindWorker("n1")
	answer := json.RawMessage(`{"session_id":"s1","sdp":"answer-body"}`)
	plane.HandleAnswer(worker, answer)

	state, _ := plane.State("s1")
	assert.Equal(t, types.SessionAnswered, state)

	call := broker.lastPublished(t)
	assert.Equal(t, "session:s1", call.topic)
	assert.Equal(t, types.EventAnswer, call.msg.Event)
}

func TestSecondAnswerForSameSessionIsNotRelayed(t *testing.T) {
	plane, broker := newTestPlane()
	plane.HandleOffer(new(websocket.Client), offerPayload("s1", "n1"))

	worker := new(websocket.Client)
	worker.BindWorker("n1")
	answer := json.RawMessage(`{"session_id":"s1","sdp":"answer-body"}`)
	plane.HandleAnswer(worker, answer)
	before := broker.publishCount()

	// A session has exactly two endpoints; a duplicate answer must not
	// reach the client as a second endpoint candidate.
	plane.HandleAnswer(worker, json.RawMessage(`{"session_id":"s1","sdp":"late-duplicate"}`))

	assert.Equal(t, before, broker.publishCount())
	msg := broker.lastDirect(t)
	assert.Equal(t, types.EventError, msg.Event)
	assert.Equal(t, types.KindProtocol, msg.Payload.(websocket.ErrorPayload).Kind)

	state, _ := plane.State("s1")
	assert.Equal(t, types.SessionAnswered, state)
}

func TestAnswerForUnknownSessionIsDropped(t *testing.T) {
	plane, broker := newTestPlane()

	plane.HandleAnswer(new(websocket.Client), json.RawMessage(`{"session_id":"ghost"}`))

	assert.Zero(t, broker.publishCount())
}

func TestCandidateRoutesToOtherPeer(t *testing.T) {
	plane, broker := newTestPlane()
	client := new(websocket.Client)
	plane.HandleOffer(client, offerPayload("s1", "n1"))

	// From the client: goes to the worker's peer topic.
	plane.HandleCandidate(client, json.RawMessage(`{"session_id":"s1","candidate":"a"}`))
	assert.Equal(t, "peer:chan-n1", broker.lastPublished(t).topic)

	// From the bound worker: goes to the client's session topic.
	worker := new(websocket.Client)
	worker.BindWorker("n1")
	plane.HandleCandidate(worker, json.RawMessage(`{"session_id":"s1","candidate":"b"}`))
	assert.Equal(t, "session:s1", broker.lastPublished(t).topic)
}

func TestCandidateForUnknownSessionIsDroppedSilently(t *testing.T) {
	plane, broker := newTestPlane()

	plane.HandleCandidate(new(websocket.Client), json.RawMessage(`{"session_id":"nope","candidate":"x"}`))

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.Empty(t, broker.published)
	assert.Empty(t, broker.direct)
}

func TestWorkerDisconnectClosesItsSessions(t *testing.T) {
	plane, broker := newTestPlane()
	plane.HandleOffer(new(websocket.Client), offerPayload("s1", "n1"))
	plane.HandleOffer(new(websocket.Client), offerPayload("s2", "n1"))

	closed := plane.CloseWorkerSessions("n1")
	assert.Equal(t, 2, closed)
	assert.Zero(t, plane.SessionCount())

	// Each closed session's client was told.
	call := broker.lastPublished(t)
	assert.Equal(t, types.EventError, call.msg.Event)

	// Candidates afterwards are dropped: the references are gone.
	before := broker.publishCount()
	plane.HandleCandidate(new(websocket.Client), json.RawMessage(`{"session_id":"s1","candidate":"x"}`))
	assert.Equal(t, before, broker.publishCount())
}

func TestClientDisconnectClosesItsSessions(t *testing.T) {
	plane, _ := newTestPlane()
	client := new(websocket.Client)
	plane.HandleOffer(client, offerPayload("s1", "n1"))

	assert.Equal(t, 1, plane.CloseClientSessions(client))
	assert.Zero(t, plane.SessionCount())
}
