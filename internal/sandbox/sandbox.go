// Package sandbox launches short-lived isolated containers for user-supplied
// workloads. It owns the container lifecycle end to end: create, start, stream
// stdout/stderr line by line, enforce the execution deadline, and guarantee
// teardown on every exit path (success, nonzero exit, timeout, cancel, crash).
//
// The Docker daemon is the normal backend. When it is unavailable the caller
// may fall back to a direct subprocess with the same deadline but weaker
// isolation — that path is implemented by LocalRunner and must stay behind an
// explicit policy flag.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the container runtime cannot be reached.
// Callers decide whether this is fatal or triggers the fallback path.
var ErrUnavailable = errors.New("sandbox: container runtime unavailable")

// Stream identifies which pipe a log line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineFunc receives each output line as it is read from the sandbox. Lines
// from the two streams may interleave; within one stream order is preserved.
type LineFunc func(stream Stream, line string)

// Spec describes one sandbox run. Argv is always a programmatically built
// argument vector — never a shell-concatenated string.
type Spec struct {
	// Name is a hint for the container name, useful in docker ps during
	// debugging. May be empty.
	Name string

	// Image is the container image reference, e.g. "python:3.10".
	Image string

	// Argv is the command and arguments executed inside the container.
	Argv []string

	// Env is extra environment in KEY=VALUE form.
	Env []string

	// CPUs caps CPU usage (1 = one core). Zero means unlimited.
	CPUs float64

	// MemoryBytes caps memory. Zero means unlimited.
	MemoryBytes int64

	// NoNetwork disconnects the container from all networks.
	NoNetwork bool

	// ReadOnlyRootfs mounts the root filesystem read-only.
	ReadOnlyRootfs bool

	// NOFileLimit is the file-descriptor ulimit. Zero means runtime default.
	NOFileLimit int64

	// ScratchHostPath is the host file holding the user payload; mounted
	// read-only at ScratchMountPath when both are set.
	ScratchHostPath  string
	ScratchMountPath string

	// OutputHostPath, when set, is bind-mounted read-write at /output so the
	// workload can produce artifacts.
	OutputHostPath string

	// Tmpfs maps in-container paths to tmpfs mount options.
	Tmpfs map[string]string

	// GPU requests device passthrough of all host GPUs.
	GPU bool

	// Deadline is the wall-clock execution limit. The deadline timer armed at
	// launch is the sole authority for timeout.
	Deadline time.Duration

	// Grace is how long the workload gets to exit after a stop signal before
	// it is force-killed. Zero means immediate kill.
	Grace time.Duration
}

// Result is the outcome of a sandbox run. When TimedOut is set, ExitCode
// holds the timeout sentinel rather than a real process status.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes a Spec to completion.
type Runner interface {
	Run(ctx context.Context, spec Spec, onLine LineFunc) (*Result, error)
}
