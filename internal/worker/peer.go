package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/securechan"
	"github.com/Zeeshankhan077/neuraX/internal/types"
)

const (
	// taskPollInterval is how often the peer handler checks a submitted job
	// for a terminal snapshot.
	taskPollInterval = 50 * time.Millisecond

	// taskWaitLimit bounds the wait for a terminal snapshot. Every job mode
	// carries its own sandbox deadline well below this.
	taskWaitLimit = 15 * time.Minute

	peerWriteWait = 10 * time.Second
)

// JobRunner is the slice of the execution engine the peer server needs.
type JobRunner interface {
	Submit(req engine.SubmitRequest) (string, error)
	Status(jobID string) (engine.Snapshot, error)
}

// PeerServer terminates client data channels. Each connection serves exactly
// one session: secure-channel bootstrap, one encrypted task, one encrypted
// result, then close.
type PeerServer struct {
	runner   JobRunner
	logger   *zap.Logger
	upgrader gws.Upgrader
}

// NewPeerServer creates the data-channel server backed by the given engine.
func NewPeerServer(runner JobRunner, logger *zap.Logger) *PeerServer {
	return &PeerServer{
		runner: runner,
		logger: logger.Named("peer"),
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP surface of the data channel.
func (s *PeerServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/peer/{sessionID}", s.handlePeer)
	return r
}

func (s *PeerServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	logger := s.logger.With(zap.String("session_id", sessionID))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("peer upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess, err := securechan.NewSession()
	if err != nil {
		logger.Error("secure session init failed", zap.Error(err))
		return
	}

	logger.Info("peer channel open")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("peer channel closed", zap.Error(err))
			return
		}

		frame, err := securechan.ParseFrame(data)
		if err != nil {
			logger.Warn("protocol error on peer channel", zap.Error(err))
			s.closeWith(conn, string(types.KindProtocol))
			return
		}

		done, err := s.handleFrame(r.Context(), conn, sess, sessionID, frame)
		if err != nil {
			kind := types.KindProtocol
			if errors.Is(err, securechan.ErrDecrypt) {
				kind = types.KindDecryption
			}
			logger.Warn("peer channel torn down", zap.Error(err))
			s.closeWith(conn, string(kind))
			return
		}
		if done {
			// One task per session.
			s.closeWith(conn, "")
			return
		}
	}
}

// handleFrame advances the session by one inbound frame. It returns done=true
// after the encrypted result has been sent.
func (s *PeerServer) handleFrame(ctx context.Context, conn *gws.Conn, sess *securechan.Session, sessionID string, f securechan.Frame) (bool, error) {
	switch f.Type {
	case securechan.FrameKeyExchange:
		return false, s.handleKeyExchange(conn, sess, f)

	case securechan.FrameEncryptedTask:
		plaintext, err := sess.Decrypt(securechan.FrameEncryptedTask, f.EncryptedData)
		if err != nil {
			return false, err
		}

		result := s.runTask(ctx, sessionID, plaintext)
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return false, err
		}
		sealed, err := sess.Encrypt(securechan.FrameEncryptedResult, resultJSON)
		if err != nil {
			return false, err
		}
		if err := s.writeFrame(conn, securechan.PayloadFrame(securechan.FrameEncryptedResult, sealed)); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, securechan.ErrProtocol
	}
}

// handleKeyExchange runs the worker side of the bootstrap: record the client
// key and reply with our own, then unwrap the session key and acknowledge.
func (s *PeerServer) handleKeyExchange(conn *gws.Conn, sess *securechan.Session, f securechan.Frame) error {
	switch f.Action {
	case securechan.ActionSendPublicKey:
		if err := sess.SetRemotePublicKey(f.PublicKey); err != nil {
			return err
		}
		ownKey, err := sess.PublicKeyPEM()
		if err != nil {
			return err
		}
		return s.writeFrame(conn, securechan.PublicKeyFrame(ownKey))

	case securechan.ActionSendAESKey:
		if err := sess.AcceptSessionKey(f.EncryptedAESKey); err != nil {
			return err
		}
		return s.writeFrame(conn, securechan.AckFrame())

	case securechan.ActionAESKeyReceived:
		// The acknowledgement only flows node → client.
		return securechan.ErrProtocol

	default:
		return securechan.ErrProtocol
	}
}

// taskResult is the plaintext of the encrypted_result frame.
type taskResult struct {
	SessionID string          `json:"session_id"`
	Status    types.JobStatus `json:"status"`
	Snapshot  engine.Snapshot `json:"result"`
	Error     types.ErrorKind `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// runTask decodes and executes one task, waiting for its terminal snapshot.
// Failures are reported inside the encrypted result rather than by dropping
// the channel, so the client always learns why its task did not run.
func (s *PeerServer) runTask(ctx context.Context, sessionID string, plaintext []byte) taskResult {
	var req engine.SubmitRequest
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return taskResult{
			SessionID: sessionID,
			Status:    types.JobStatusFailed,
			Error:     types.KindValidation,
			Message:   "task payload is not valid JSON",
		}
	}

	jobID, err := s.runner.Submit(req)
	if err != nil {
		kind := types.KindInfrastructure
		if errors.Is(err, engine.ErrValidation) {
			kind = types.KindValidation
		}
		return taskResult{
			SessionID: sessionID,
			Status:    types.JobStatusFailed,
			Error:     kind,
			Message:   err.Error(),
		}
	}

	snap, err := s.waitTerminal(ctx, jobID)
	if err != nil {
		return taskResult{
			SessionID: sessionID,
			Status:    types.JobStatusFailed,
			Error:     types.KindInfrastructure,
			Message:   err.Error(),
		}
	}
	return taskResult{
		SessionID: sessionID,
		Status:    snap.Status,
		Snapshot:  snap,
	}
}

// waitTerminal polls until the job reaches completed or failed.
func (s *PeerServer) waitTerminal(ctx context.Context, jobID string) (engine.Snapshot, error) {
	deadline := time.NewTimer(taskWaitLimit)
	defer deadline.Stop()
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return engine.Snapshot{}, ctx.Err()
		case <-deadline.C:
			return engine.Snapshot{}, errors.New("task did not reach a terminal state")
		case <-ticker.C:
			snap, err := s.runner.Status(jobID)
			if err != nil {
				return engine.Snapshot{}, err
			}
			if snap.Status == types.JobStatusCompleted || snap.Status == types.JobStatusFailed {
				return snap, nil
			}
		}
	}
}

func (s *PeerServer) writeFrame(conn *gws.Conn, f securechan.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
	return conn.WriteMessage(gws.TextMessage, data)
}

// closeWith sends a close frame with reason as the close text. An empty
// reason means a normal, single-task completion.
func (s *PeerServer) closeWith(conn *gws.Conn, reason string) {
	code := gws.CloseNormalClosure
	if reason != "" {
		code = gws.ClosePolicyViolation
	}
	msg := gws.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(peerWriteWait))
	_ = conn.WriteMessage(gws.CloseMessage, msg)
}
