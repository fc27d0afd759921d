package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/securechan"
	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// fakeRunner completes every submitted task with one log line.
type fakeRunner struct {
	submitted []engine.SubmitRequest
	submitErr error
}

func (f *fakeRunner) Submit(req engine.SubmitRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "job-1", nil
}

func (f *fakeRunner) Status(jobID string) (engine.Snapshot, error) {
	exit := 0
	return engine.Snapshot{
		JobID:    jobID,
		Mode:     types.ModeScript,
		Status:   types.JobStatusCompleted,
		ExitCode: &exit,
		Logs:     []string{"hello"},
	}, nil
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// dialPeer connects to the peer server and runs the client side of the
// secure-channel bootstrap, returning the established session and connection.
func dialPeer(t *testing.T, srv *httptest.Server, sessionID string) (*securechan.Session, *gws.Conn) {
	t.Helper()

	conn, _, err := gws.DefaultDialer.Dial(wsURL(srv, "/peer/"+sessionID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sess, err := securechan.NewSession()
	require.NoError(t, err)

	ownKey, err := sess.PublicKeyPEM()
	require.NoError(t, err)
	writeSecFrame(t, conn, securechan.PublicKeyFrame(ownKey))

	reply := readSecFrame(t, conn)
	require.Equal(t, securechan.ActionSendPublicKey, reply.Action)
	require.NoError(t, sess.SetRemotePublicKey(reply.PublicKey))

	wrapped, err := sess.WrapSessionKey()
	require.NoError(t, err)
	writeSecFrame(t, conn, securechan.SessionKeyFrame(wrapped))

	ack := readSecFrame(t, conn)
	require.Equal(t, securechan.ActionAESKeyReceived, ack.Action)
	require.Equal(t, securechan.StateEstablished, sess.State())

	return sess, conn
}

func writeSecFrame(t *testing.T, conn *gws.Conn, f securechan.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, data))
}

func readSecFrame(t *testing.T, conn *gws.Conn) securechan.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := securechan.ParseFrame(data)
	require.NoError(t, err)
	return f
}

func TestPeerServerRunsOneEncryptedTask(t *testing.T) {
	runner := &fakeRunner{}
	srv := httptest.NewServer(NewPeerServer(runner, zap.NewNop()).Router())
	defer srv.Close()

	sess, conn := dialPeer(t, srv, "s1")

	task, err := json.Marshal(engine.SubmitRequest{Mode: "script", Code: "print('hi')"})
	require.NoError(t, err)
	sealed, err := sess.Encrypt(securechan.FrameEncryptedTask, task)
	require.NoError(t, err)
	writeSecFrame(t, conn, securechan.PayloadFrame(securechan.FrameEncryptedTask, sealed))

	resultFrame := readSecFrame(t, conn)
	require.Equal(t, securechan.FrameEncryptedResult, resultFrame.Type)

	plaintext, err := sess.Decrypt(securechan.FrameEncryptedResult, resultFrame.EncryptedData)
	require.NoError(t, err)

	var result taskResult
	require.NoError(t, json.Unmarshal(plaintext, &result))
	assert.Equal(t, "s1", result.SessionID)
	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.Equal(t, []string{"hello"}, result.Snapshot.Logs)
	require.Len(t, runner.submitted, 1)
	assert.Equal(t, "script", runner.submitted[0].Mode)

	// One task per session: the server closes after the result.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure))
}

func TestPeerServerRejectsGarbageCiphertext(t *testing.T) {
	srv := httptest.NewServer(NewPeerServer(&fakeRunner{}, zap.NewNop()).Router())
	defer srv.Close()

	_, conn := dialPeer(t, srv, "s1")

	writeSecFrame(t, conn, securechan.PayloadFrame(securechan.FrameEncryptedTask, "bm90LWEtcmVhbC1jaXBoZXJ0ZXh0"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *gws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gws.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, string(types.KindDecryption), closeErr.Text)
}

func TestPeerServerRejectsUnknownFrame(t *testing.T) {
	srv := httptest.NewServer(NewPeerServer(&fakeRunner{}, zap.NewNop()).Router())
	defer srv.Close()

	conn, _, err := gws.DefaultDialer.Dial(wsURL(srv, "/peer/s1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"surprise"}`)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *gws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gws.ClosePolicyViolation, closeErr.Code)
}

func TestPeerServerReportsValidationFailureInsideResult(t *testing.T) {
	runner := &fakeRunner{submitErr: engine.ErrValidation}
	srv := httptest.NewServer(NewPeerServer(runner, zap.NewNop()).Router())
	defer srv.Close()

	sess, conn := dialPeer(t, srv, "s1")

	sealed, err := sess.Encrypt(securechan.FrameEncryptedTask, []byte(`{"mode":"nope"}`))
	require.NoError(t, err)
	writeSecFrame(t, conn, securechan.PayloadFrame(securechan.FrameEncryptedTask, sealed))

	resultFrame := readSecFrame(t, conn)
	plaintext, err := sess.Decrypt(securechan.FrameEncryptedResult, resultFrame.EncryptedData)
	require.NoError(t, err)

	var result taskResult
	require.NoError(t, json.Unmarshal(plaintext, &result))
	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.Equal(t, types.KindValidation, result.Error)
}

// fakeCoordinator accepts one event-channel connection and records frames.
type fakeCoordinator struct {
	upgrader gws.Upgrader
	frames   chan outFrame
	conn     chan *gws.Conn
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		upgrader: gws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		frames:   make(chan outFrame, 16),
		conn:     make(chan *gws.Conn, 1),
	}
}

func (f *fakeCoordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.conn <- conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame outFrame
		if json.Unmarshal(data, &frame) == nil {
			f.frames <- frame
		}
	}
}

func (f *fakeCoordinator) push(t *testing.T, conn *gws.Conn, msg inMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, data))
}

func TestManagerRegistersAndAnswersOffers(t *testing.T) {
	coord := newFakeCoordinator()
	srv := httptest.NewServer(coord)
	defer srv.Close()

	cfg := Config{
		SignalingURL:      wsURL(srv, "/ws"),
		DataAddr:          ":9443",
		AdvertiseEndpoint: "node7.local:9443",
		NodeID:            "n7",
		GPU:               "RTX 4090",
		VRAMGB:            24,
		Tags:              []string{"script", "render"},
	}
	mgr := NewManager(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	var conn *gws.Conn
	select {
	case conn = <-coord.conn:
	case <-time.After(5 * time.Second):
		t.Fatal("manager never connected")
	}

	// Registration is the first frame on the wire.
	var reg outFrame
	select {
	case reg = <-coord.frames:
	case <-time.After(5 * time.Second):
		t.Fatal("no registration frame")
	}
	require.Equal(t, types.EventRegisterNode, reg.Event)
	desc, err := json.Marshal(reg.Payload)
	require.NoError(t, err)
	var d descriptor
	require.NoError(t, json.Unmarshal(desc, &d))
	assert.Equal(t, "n7", d.NodeID)
	assert.Equal(t, "RTX 4090", d.GPU)
	assert.Equal(t, "node7.local:9443", d.Endpoint)
	assert.Equal(t, []string{"script", "render"}, d.Tags)

	coord.push(t, conn, inMessage{
		Event:   types.EventRegistered,
		Payload: json.RawMessage(`{"node_id":"n7","channel_id":"chan-n7"}`),
	})

	coord.push(t, conn, inMessage{
		Event:   types.EventOffer,
		Topic:   "peer:chan-n7",
		Payload: json.RawMessage(`{"session_id":"s9","node_id":"n7","sdp":"opaque"}`),
	})

	var answer outFrame
	select {
	case answer = <-coord.frames:
	case <-time.After(5 * time.Second):
		t.Fatal("no answer frame")
	}
	require.Equal(t, types.EventAnswer, answer.Event)
	payload, err := json.Marshal(answer.Payload)
	require.NoError(t, err)
	var ans map[string]string
	require.NoError(t, json.Unmarshal(payload, &ans))
	assert.Equal(t, "s9", ans["session_id"])
	assert.Equal(t, "n7", ans["node_id"])
	assert.Equal(t, "ws://node7.local:9443/peer/s9", ans["endpoint"])
}

func TestSendSerializesConcurrentWriters(t *testing.T) {
	coord := newFakeCoordinator()
	srv := httptest.NewServer(coord)
	defer srv.Close()

	conn, _, err := gws.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	mgr := NewManager(Config{NodeID: "n1", DataAddr: ":9443"}, zap.NewNop())
	mgr.mu.Lock()
	mgr.conn = conn
	mgr.mu.Unlock()

	const writers, perWriter = 8, 25

	allReceived := make(chan struct{})
	go func() {
		for i := 0; i < writers*perWriter; i++ {
			<-coord.frames
		}
		close(allReceived)
	}()

	// Heartbeats and answer replies race for the same connection in
	// production. Without serialized writes this crashes the session.
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, mgr.send(outFrame{
					Event:   types.EventNodeHeartbeat,
					Payload: heartbeatMetrics{NodeID: "n1"},
				}))
			}
		}()
	}
	wg.Wait()

	select {
	case <-allReceived:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not receive every frame")
	}
}

func TestManagerDropsOfferWithoutSessionID(t *testing.T) {
	mgr := NewManager(Config{NodeID: "n1", DataAddr: ":9443"}, zap.NewNop())
	// No connection is open; a malformed offer must not attempt a send.
	mgr.handleOffer(json.RawMessage(`{"sdp":"x"}`))
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	b := backoffInitial
	for i := 0; i < 20; i++ {
		b = nextBackoff(b)
	}
	assert.Equal(t, backoffMax, b)
}

func TestJitterStaysWithinFraction(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, 8*time.Second)
		assert.LessOrEqual(t, j, 12*time.Second)
	}
}

func TestBuildDescriptorCollectsHostFacts(t *testing.T) {
	d := buildDescriptor(Config{NodeID: "n1", DataAddr: ":9443", GPU: "N/A"})
	assert.Equal(t, "n1", d.NodeID)
	assert.NotEmpty(t, d.DeviceName)
	assert.Equal(t, ":9443", d.Endpoint)
}
