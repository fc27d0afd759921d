// Package types defines shared domain types used by both the coordinator and
// the worker.
package types

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobStatus represents the current execution state of a job.
// Transitions are monotone: queued → running → (completed | failed).
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobMode represents the kind of workload a job carries.
type JobMode string

const (
	ModeScript       JobMode = "script"
	ModeRender       JobMode = "render"
	ModeCLI          JobMode = "cli"
	ModeNotebookCell JobMode = "notebook-cell"
)

// NormalizeMode maps the legacy mode names still sent by older clients onto
// the current mode set. Unknown names are returned unchanged so validation
// can reject them with the original spelling in the error message.
func NormalizeMode(mode string) JobMode {
	switch mode {
	case "ai":
		return ModeScript
	case "blender":
		return ModeRender
	case "custom":
		return ModeCLI
	case "notebook":
		return ModeNotebookCell
	default:
		return JobMode(mode)
	}
}

// KnownMode reports whether m is part of the supported mode set.
func KnownMode(m JobMode) bool {
	switch m {
	case ModeScript, ModeRender, ModeCLI, ModeNotebookCell:
		return true
	}
	return false
}

// Sentinel exit codes recorded when a job terminates without a real exit
// status from its sandbox.
const (
	ExitTimeout     = -1
	ExitCancelled   = -2
	ExitEngineError = -3
)

// ─── Error taxonomy ──────────────────────────────────────────────────────────

// ErrorKind is the machine-readable error classification carried in failure
// responses and in a failed job's status.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation_error"
	KindNotFound       ErrorKind = "not_found"
	KindInfrastructure ErrorKind = "infrastructure_error"
	KindTimeout        ErrorKind = "timeout_error"
	KindDecryption     ErrorKind = "decryption_error"
	KindProtocol       ErrorKind = "protocol_error"
	KindCancelled      ErrorKind = "cancelled"
)

// ─── Worker ──────────────────────────────────────────────────────────────────

// WorkerStatus represents the registry-visible state of a compute node.
type WorkerStatus string

const (
	WorkerStatusReady   WorkerStatus = "ready"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// ─── Session ─────────────────────────────────────────────────────────────────

// SessionState represents the signaling progress of a peer session.
type SessionState string

const (
	SessionOffered     SessionState = "offered"
	SessionAnswered    SessionState = "answered"
	SessionEstablished SessionState = "established"
	SessionClosed      SessionState = "closed"
)

// ─── Event surface ───────────────────────────────────────────────────────────

// EventName identifies a frame on the WebSocket event channel. The wire names
// match what browser clients and compute nodes already speak.
type EventName string

const (
	// Server → client.
	EventJobStatus       EventName = "job_status"
	EventJobLog          EventName = "job_log"
	EventCellOutput      EventName = "cell_output"
	EventNodeRegistered  EventName = "compute_node_registered"
	EventRegistered      EventName = "registered"
	EventHeartbeatAck    EventName = "heartbeat_ack"
	EventNodeList        EventName = "compute_nodes_list"
	EventError           EventName = "error"
	EventSandboxRestart  EventName = "sandbox_restarted"
	EventSessionCreated  EventName = "notebook_session_created"

	// Client → server.
	EventRegisterNode  EventName = "register_compute_node"
	EventNodeHeartbeat EventName = "node_heartbeat"
	EventGetNodes      EventName = "get_compute_nodes"
	EventSubscribeLogs EventName = "subscribe_job_logs"

	// Signaling relay, both directions. Payloads are opaque to the
	// coordinator and routed verbatim between the two session endpoints.
	EventOffer        EventName = "offer"
	EventAnswer       EventName = "answer"
	EventICECandidate EventName = "ice_candidate"
)
