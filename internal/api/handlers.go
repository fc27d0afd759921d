package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/registry"
)

// maxUploadBytes caps multipart uploads.
const maxUploadBytes = 500 << 20

// Capacity level thresholds, in distinct devices.
const (
	capacityWarning  = 30
	capacityCritical = 50
	capacityLimit    = 100
)

// Handlers carries the REST handler dependencies.
type Handlers struct {
	engine     *engine.Engine
	registry   *registry.Registry
	uploadRoot string
	logger     *zap.Logger

	// connectedClients reports open event-channel connections for the
	// health view. Provided by the hub.
	connectedClients func() int
}

// Health reports service identity and live counts.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	live, err := h.registry.List(true)
	if err != nil {
		ErrInternal(w)
		return
	}

	Ok(w, envelope{
		"status":            "ok",
		"service":           "neurax-coordinator",
		"active_jobs":       h.engine.ActiveJobs(),
		"live_workers":      len(live),
		"connected_clients": h.connectedClients(),
	})
}

// workerView is the REST shape of a registry node.
type workerView struct {
	NodeID        string    `json:"node_id"`
	DeviceName    string    `json:"device"`
	GPU           string    `json:"gpu"`
	VRAMGB        int       `json:"vram_gb"`
	Tags          []string  `json:"tags"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func toWorkerView(n registry.Node) workerView {
	return workerView{
		NodeID:        n.NodeID,
		DeviceName:    n.DeviceName,
		GPU:           n.GPU,
		VRAMGB:        n.VRAMGB,
		Tags:          n.CapabilityTags(),
		Endpoint:      n.Endpoint,
		Status:        n.Status,
		RegisteredAt:  n.RegisteredAt,
		LastHeartbeat: n.LastHeartbeat,
	}
}

// Workers lists live workers. Pass ?all=1 to include offline entries.
func (h *Handlers) Workers(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") == ""
	nodes, err := h.registry.List(activeOnly)
	if err != nil {
		h.logger.Error("list workers", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]workerView, len(nodes))
	for i, n := range nodes {
		views[i] = toWorkerView(n)
	}
	Ok(w, views)
}

// Capacity reports the distinct device count against the banding thresholds.
func (h *Handlers) Capacity(w http.ResponseWriter, r *http.Request) {
	count, err := h.registry.DeviceCount()
	if err != nil {
		h.logger.Error("device count", zap.Error(err))
		ErrInternal(w)
		return
	}

	level := "healthy"
	switch {
	case count >= capacityCritical:
		level = "critical"
	case count >= capacityWarning:
		level = "warning"
	}

	Ok(w, envelope{
		"device_count": count,
		"level":        level,
		"thresholds": envelope{
			"warning":  capacityWarning,
			"critical": capacityCritical,
			"limit":    capacityLimit,
		},
	})
}

// Submit accepts a job descriptor and schedules it for execution.
func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	jobID, err := h.engine.Submit(req)
	if err != nil {
		WriteError(w, err)
		return
	}
	Accepted(w, envelope{"job_id": jobID, "status": "queued"})
}

// Upload stores one multipart file and returns an opaque file reference that
// later submits can name instead of inline code. The stored name is a fresh
// UUID; the client-supplied filename is echoed back but never used on disk.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		ErrBadRequest(w, "multipart form with a 'file' field required")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.uploadRoot, 0o755); err != nil {
		h.logger.Error("create upload root", zap.Error(err))
		ErrInternal(w)
		return
	}

	fileRef := uuid.NewString()
	dst, err := os.Create(filepath.Join(h.uploadRoot, fileRef))
	if err != nil {
		h.logger.Error("create upload file", zap.Error(err))
		ErrInternal(w)
		return
	}
	defer dst.Close()

	size, err := io.Copy(dst, file)
	if err != nil {
		os.Remove(dst.Name())
		ErrBadRequest(w, "upload truncated: "+err.Error())
		return
	}

	Ok(w, envelope{
		"file_ref": fileRef,
		"filename": filepath.Base(header.Filename),
		"size":     size,
	})
}

// Status returns a job snapshot with the log tail.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, snap)
}

// Artifact streams one artifact's bytes.
func (h *Handlers) Artifact(w http.ResponseWriter, r *http.Request) {
	path, err := h.engine.Artifact(chi.URLParam(r, "jobID"), chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		ErrNotFound(w, "artifact unreadable")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	_, _ = io.Copy(w, f)
}

// Cancel aborts a queued or running job.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(chi.URLParam(r, "jobID")); err != nil {
		WriteError(w, err)
		return
	}
	Accepted(w, envelope{"job_id": chi.URLParam(r, "jobID"), "status": "cancelling"})
}

// CreateSession opens a notebook-cell session.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"session_id": h.engine.CreateSession()})
}

type execCellRequest struct {
	Code   string `json:"code"`
	CellID string `json:"cell_id"`
}

// SessionExec enqueues one cell execution on an existing session.
func (h *Handlers) SessionExec(w http.ResponseWriter, r *http.Request) {
	var req execCellRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	jobID, err := h.engine.ExecCell(chi.URLParam(r, "sessionID"), req.CellID, req.Code)
	if err != nil {
		WriteError(w, err)
		return
	}
	Accepted(w, envelope{"job_id": jobID})
}

// SessionRestart tears down and recreates the session's sandbox state.
func (h *Handlers) SessionRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RestartSession(chi.URLParam(r, "sessionID")); err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, envelope{"session_id": chi.URLParam(r, "sessionID"), "status": "restarted"})
}
