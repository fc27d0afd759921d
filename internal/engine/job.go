package engine

import (
	"context"
	"sync"
	"time"

	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// maxLogLineBytes caps a single log line. Longer lines are truncated with a
// marker rather than dropped.
const maxLogLineBytes = 8 * 1024

// truncationMarker is appended to log lines that hit the per-line cap.
const truncationMarker = " ...[truncated]"

// statusTailLines is how many log lines a status snapshot carries. The
// streaming channel sees every line; the snapshot only the tail.
const statusTailLines = 100

// Job is one unit of submitted work. The executing task is the only writer
// after submit; readers take snapshots under the job lock.
type Job struct {
	mu sync.Mutex

	ID        string
	Mode      types.JobMode
	Payload   string
	FileRef   string
	Args      []string
	SessionID string
	CellID    string

	status    types.JobStatus
	createdAt time.Time
	startedAt time.Time
	runtime   time.Duration
	exitCode  *int
	errKind   types.ErrorKind
	errMsg    string
	logs      []string
	artifacts []string

	// cancel aborts the executing task. Set when execution starts.
	cancel    context.CancelFunc
	cancelled bool
}

// Snapshot is the externally visible view of a job, as returned by the status
// operation and carried in job_status events.
type Snapshot struct {
	JobID        string          `json:"job_id"`
	Mode         types.JobMode   `json:"mode"`
	Status       types.JobStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	Runtime      float64         `json:"runtime_seconds"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	Logs         []string        `json:"logs"`
	Artifacts    []string        `json:"artifacts"`
	ErrorKind    types.ErrorKind `json:"error,omitempty"`
	ErrorMessage string          `json:"message,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	CellID       string          `json:"cell_id,omitempty"`
}

// Snapshot returns the job's current state with at most statusTailLines of
// log tail. The copy is deep enough that callers can hold it freely.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	tail := j.logs
	if len(tail) > statusTailLines {
		tail = tail[len(tail)-statusTailLines:]
	}
	logs := make([]string, len(tail))
	copy(logs, tail)

	artifacts := make([]string, len(j.artifacts))
	copy(artifacts, j.artifacts)

	var exit *int
	if j.exitCode != nil {
		c := *j.exitCode
		exit = &c
	}

	return Snapshot{
		JobID:        j.ID,
		Mode:         j.Mode,
		Status:       j.status,
		CreatedAt:    j.createdAt,
		Runtime:      j.runtime.Seconds(),
		ExitCode:     exit,
		Logs:         logs,
		Artifacts:    artifacts,
		ErrorKind:    j.errKind,
		ErrorMessage: j.errMsg,
		SessionID:    j.SessionID,
		CellID:       j.CellID,
	}
}

// appendLog adds one line to the job's log, applying the per-line cap, and
// returns the stored line plus a copy of the full log for the stream event.
func (j *Job) appendLog(line string) (string, []string) {
	if len(line) > maxLogLineBytes {
		line = line[:maxLogLineBytes] + truncationMarker
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs = append(j.logs, line)

	full := make([]string, len(j.logs))
	copy(full, j.logs)
	return line, full
}

// markRunning transitions queued → running and records the start time.
func (j *Job) markRunning(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = types.JobStatusRunning
	j.startedAt = now
}

// finish records the terminal state. Completed iff exitCode == 0; every other
// outcome is failed with the kind and message preserved for the status view.
func (j *Job) finish(exitCode int, kind types.ErrorKind, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.startedAt.IsZero() {
		j.runtime = time.Since(j.startedAt)
	}
	j.exitCode = &exitCode
	if exitCode == 0 && kind == "" {
		j.status = types.JobStatusCompleted
	} else {
		j.status = types.JobStatusFailed
		j.errKind = kind
		j.errMsg = msg
	}
}

func (j *Job) addArtifact(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.artifacts = append(j.artifacts, name)
}

// requestCancel flags the job cancelled and aborts its executing task if one
// is running. Safe to call in any state.
func (j *Job) requestCancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancelled = true
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (j *Job) wasCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}
