package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// CreateSession allocates a notebook-cell session and announces it on the
// session's event topic. No sandbox is held open: every cell runs in a fresh
// one, so creation is pure bookkeeping.
func (e *Engine) CreateSession() string {
	sess := &notebookSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	e.state.addSession(sess)

	e.pub.PublishSessionEvent(sess.ID, types.EventSessionCreated, map[string]string{
		"session_id": sess.ID,
	})
	e.logger.Info("notebook session created", zap.String("session_id", sess.ID))
	return sess.ID
}

// ExecCell enqueues one cell execution on an existing session and returns the
// backing job's ID. The cell ID is allocated from the session's sequence when
// the caller does not supply one.
func (e *Engine) ExecCell(sessionID, cellID, code string) (string, error) {
	sess, ok := e.state.getSession(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if code == "" {
		return "", fmt.Errorf("%w: cell requires code", ErrValidation)
	}

	if cellID == "" {
		e.state.sessionsMu.Lock()
		sess.CellSeq++
		cellID = fmt.Sprintf("cell-%d", sess.CellSeq)
		e.state.sessionsMu.Unlock()
	}

	return e.Submit(SubmitRequest{
		Mode:      string(types.ModeNotebookCell),
		Code:      code,
		SessionID: sessionID,
		CellID:    cellID,
	})
}

// RestartSession resets a session's sandbox state. Cells already run in fresh
// sandboxes, so a restart only bumps the restart counter and tells
// subscribers that any client-side interpreter state is gone.
func (e *Engine) RestartSession(sessionID string) error {
	sess, ok := e.state.getSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	e.state.sessionsMu.Lock()
	sess.Restarts++
	sess.CellSeq = 0
	e.state.sessionsMu.Unlock()

	e.pub.PublishSessionEvent(sessionID, types.EventSandboxRestart, map[string]string{
		"session_id": sessionID,
	})
	e.logger.Info("notebook session restarted", zap.String("session_id", sessionID))
	return nil
}
