// Package engine runs submitted jobs to completion in disposable sandboxes.
// It owns the in-memory job table, per-mode dispatch, log streaming, artifact
// capture, and the guaranteed-teardown discipline: every execution unlinks its
// scratch file and destroys its container on every exit path.
//
// The engine never crashes on a job failure. Errors inside an executing task
// are recorded as that job's terminal state and published to subscribers; the
// engine itself keeps serving.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/sandbox"
	"github.com/Zeeshankhan077/neuraX/internal/types"
)

// ErrValidation is wrapped by every submit-time validation failure.
var ErrValidation = errors.New("engine: validation failed")

// ErrNotFound is returned when a job, artifact, or session does not exist.
var ErrNotFound = errors.New("engine: not found")

// ErrNoRuntime is returned when no container runtime is available and the
// local-subprocess fallback is not enabled by policy.
var ErrNoRuntime = errors.New("engine: no sandbox runtime available")

// Publisher fans lifecycle events out to subscribers. Implemented by the
// websocket hub adapter; tests use a recording fake.
type Publisher interface {
	PublishJobStatus(snap Snapshot)
	PublishJobLog(jobID, line string, fullLog []string)
	PublishCellOutput(sessionID, cellID, chunk, state string)
	PublishSessionEvent(sessionID string, event types.EventName, payload interface{})
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishJobStatus(Snapshot)                              {}
func (NopPublisher) PublishJobLog(string, string, []string)                 {}
func (NopPublisher) PublishCellOutput(string, string, string, string)       {}
func (NopPublisher) PublishSessionEvent(string, types.EventName, interface{}) {}

// Config holds the engine's tunables. Zero fields are filled with defaults
// by New.
type Config struct {
	// OutputRoot is the directory under which each job gets its artifact
	// directory (OutputRoot/<job-id>/).
	OutputRoot string

	// ScratchRoot holds the per-job payload scratch files.
	ScratchRoot string

	// UploadRoot is where the upload surface stores files; file-ref payloads
	// resolve against it.
	UploadRoot string

	// AllowLocalFallback permits running workloads as direct subprocesses
	// when no container runtime is available. Off by default; enabling it is
	// an explicit operator decision.
	AllowLocalFallback bool

	// EnableGPU turns on GPU passthrough for render jobs.
	EnableGPU bool

	ScriptImage string
	RenderImage string

	ScriptDeadline time.Duration
	RenderDeadline time.Duration
	CellDeadline   time.Duration
	CLIDeadline    time.Duration
}

func (c *Config) applyDefaults() {
	if c.ScriptImage == "" {
		c.ScriptImage = DefaultScriptImage
	}
	if c.RenderImage == "" {
		c.RenderImage = DefaultRenderImage
	}
	if c.ScriptDeadline == 0 {
		c.ScriptDeadline = DefaultScriptDeadline
	}
	if c.RenderDeadline == 0 {
		c.RenderDeadline = DefaultRenderDeadline
	}
	if c.CellDeadline == 0 {
		c.CellDeadline = DefaultCellDeadline
	}
	if c.CLIDeadline == 0 {
		c.CLIDeadline = DefaultCLIDeadline
	}
}

// Engine is the job execution engine. Create instances with New.
type Engine struct {
	cfg    Config
	runner sandbox.Runner // container backend, nil when the daemon is down
	local  sandbox.Runner // policy-gated subprocess fallback
	pub    Publisher
	logger *zap.Logger

	state *state

	// baseCtx parents every job's execution context so engine shutdown
	// cancels all in-flight work.
	baseCtx context.Context
	stop    context.CancelFunc
}

// New creates an Engine. runner may be nil when the container daemon is
// unreachable; jobs then fail with infrastructure errors unless the local
// fallback is enabled in cfg.
func New(cfg Config, runner sandbox.Runner, pub Publisher, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if pub == nil {
		pub = NopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		runner:  runner,
		local:   sandbox.NewLocalRunner(logger),
		pub:     pub,
		logger:  logger.Named("engine"),
		state:   newState(),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Shutdown cancels all in-flight executions. In-memory jobs are not
// replayed after restart.
func (e *Engine) Shutdown() { e.stop() }

// SubmitRequest is the job descriptor accepted by Submit.
type SubmitRequest struct {
	JobID     string   `json:"job_id"`
	Mode      string   `json:"mode"`
	Code      string   `json:"code"`
	Command   string   `json:"command"`
	FileRef   string   `json:"file_ref"`
	Args      []string `json:"args"`
	SessionID string   `json:"session_id"`
	CellID    string   `json:"cell_id"`
}

// Submit validates the request, inserts the job in queued state, schedules
// its background execution, and returns the job ID immediately.
func (e *Engine) Submit(req SubmitRequest) (string, error) {
	mode := types.NormalizeMode(req.Mode)
	if !types.KnownMode(mode) {
		return "", fmt.Errorf("%w: unknown mode %q", ErrValidation, req.Mode)
	}

	switch mode {
	case types.ModeScript, types.ModeNotebookCell, types.ModeRender:
		if req.Code == "" && req.FileRef == "" {
			return "", fmt.Errorf("%w: mode %s requires code or file_ref", ErrValidation, mode)
		}
	case types.ModeCLI:
		if req.Command == "" {
			return "", fmt.Errorf("%w: mode cli requires command", ErrValidation)
		}
		if !CLIAllowed(req.Command) {
			return "", fmt.Errorf("%w: command not on allow-list", ErrValidation)
		}
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := &Job{
		ID:        id,
		Mode:      mode,
		Payload:   firstNonEmpty(req.Code, req.Command),
		FileRef:   req.FileRef,
		Args:      req.Args,
		SessionID: req.SessionID,
		CellID:    req.CellID,
		status:    types.JobStatusQueued,
		createdAt: time.Now().UTC(),
	}
	if err := e.state.addJob(job); err != nil {
		return "", err
	}

	e.pub.PublishJobStatus(job.Snapshot())
	e.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("mode", string(mode)),
	)

	go e.execute(job)
	return id, nil
}

// Status returns the job's current snapshot with the log tail.
func (e *Engine) Status(jobID string) (Snapshot, error) {
	job, ok := e.state.getJob(jobID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job.Snapshot(), nil
}

// Artifact resolves an artifact to its on-disk path after validating that the
// name is a single path component. The caller streams the file read-only.
func (e *Engine) Artifact(jobID, name string) (string, error) {
	if !validArtifactName(name) {
		return "", fmt.Errorf("%w: artifact name must be a single path component", ErrValidation)
	}
	if _, ok := e.state.getJob(jobID); !ok {
		return "", fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}

	path := filepath.Join(e.cfg.OutputRoot, jobID, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: artifact %s/%s", ErrNotFound, jobID, name)
	}
	return path, nil
}

// Cancel aborts a job. A queued job fails before its sandbox launches; a
// running job has its sandbox terminated. Terminal jobs are left untouched.
func (e *Engine) Cancel(jobID string) error {
	job, ok := e.state.getJob(jobID)
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	job.requestCancel()
	return nil
}

// ActiveJobs counts jobs not yet in a terminal state.
func (e *Engine) ActiveJobs() int { return e.state.activeJobs() }

// execute runs one job to completion. It never returns an error: every
// failure becomes the job's terminal state.
func (e *Engine) execute(job *Job) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	defer cancel()

	job.mu.Lock()
	job.cancel = cancel
	alreadyCancelled := job.cancelled
	job.mu.Unlock()

	if alreadyCancelled {
		// Even a never-executed job passes through running on its way to the
		// terminal state, so observers see the full transition sequence.
		job.markRunning(time.Now().UTC())
		e.pub.PublishJobStatus(job.Snapshot())
		e.finish(job, types.ExitCancelled, types.KindCancelled, "cancelled before start")
		return
	}

	job.markRunning(time.Now().UTC())
	e.pub.PublishJobStatus(job.Snapshot())

	// Scratch materialization. The unlink is deferred and idempotent so the
	// payload file has zero residue on every exit path.
	scratch, err := e.materialize(job)
	if err != nil {
		e.log(job, err.Error())
		e.finish(job, types.ExitEngineError, types.KindValidation, err.Error())
		return
	}
	if scratch != "" {
		defer os.Remove(scratch)
	}

	outputDir := filepath.Join(e.cfg.OutputRoot, job.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		e.finish(job, types.ExitEngineError, types.KindInfrastructure, "cannot create artifact directory: "+err.Error())
		return
	}

	spec, runner, err := e.plan(job, scratch, outputDir)
	if err != nil {
		e.finish(job, types.ExitEngineError, types.KindInfrastructure, err.Error())
		return
	}

	if job.Mode == types.ModeScript || job.Mode == types.ModeNotebookCell {
		if missing := unresolvedImports(job.Payload); len(missing) > 0 {
			e.log(job, importDiagnostic(missing))
		}
	}
	if job.Mode == types.ModeNotebookCell {
		// Attestation digest over the identifying inputs of the cell run,
		// always the first execution log line.
		e.log(job, "attestation: "+attestationDigest(job, spec.Name, time.Now().UTC()))
	}

	var stdout, stderr []string
	res, err := runner.Run(ctx, spec, func(stream sandbox.Stream, line string) {
		stored := e.log(job, line)
		switch stream {
		case sandbox.StreamStdout:
			stdout = append(stdout, stored)
		case sandbox.StreamStderr:
			stderr = append(stderr, stored)
		}
	})

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || job.wasCancelled()):
		e.finish(job, types.ExitCancelled, types.KindCancelled, "job cancelled")
		return
	case err != nil:
		e.log(job, "engine error: "+err.Error())
		e.finish(job, types.ExitEngineError, types.KindInfrastructure, err.Error())
		return
	case res.TimedOut:
		msg := fmt.Sprintf("execution timed out after %s", spec.Deadline)
		e.log(job, msg)
		e.captureArtifacts(job, outputDir, stdout, nil)
		e.finish(job, types.ExitTimeout, types.KindTimeout, msg)
		return
	}

	e.captureArtifacts(job, outputDir, stdout, stderr)

	if res.ExitCode == 0 {
		e.finish(job, 0, "", "")
	} else {
		e.finish(job, res.ExitCode, "", fmt.Sprintf("exited with code %d", res.ExitCode))
	}
}

// plan builds the sandbox spec for the job's mode and selects the backend.
// cli jobs always run on the local runner: the allow-list constrains them to
// harmless read-only commands and the original surface is a self-test tool.
func (e *Engine) plan(job *Job, scratch, outputDir string) (sandbox.Spec, sandbox.Runner, error) {
	if job.Mode == types.ModeCLI {
		return cliSpec(job.Payload, e.deadlineFor(job.Mode)), e.local, nil
	}

	var spec sandbox.Spec
	switch job.Mode {
	case types.ModeRender:
		spec = e.renderSpec(job.ID, scratch, outputDir)
	default:
		spec = e.scriptSpec(job.ID, scratch, e.deadlineFor(job.Mode))
	}

	if e.runner != nil {
		return spec, e.runner, nil
	}
	if e.cfg.AllowLocalFallback {
		// Weaker isolation, same deadline. Swap the in-container interpreter
		// invocation for the host one against the scratch file directly.
		spec.Argv = []string{"python3", scratch}
		e.logger.Warn("container runtime unavailable, using local fallback",
			zap.String("job_id", job.ID),
		)
		return spec, e.local, nil
	}
	return sandbox.Spec{}, nil, ErrNoRuntime
}

// materialize writes the job's payload to a scratch file and returns its
// path. cli jobs carry no payload file. A file-ref payload resolves against
// the upload root; the referenced file is used in place, not copied.
func (e *Engine) materialize(job *Job) (string, error) {
	if job.Mode == types.ModeCLI {
		return "", nil
	}

	if job.FileRef != "" {
		if !validArtifactName(job.FileRef) {
			return "", fmt.Errorf("invalid file_ref %q", job.FileRef)
		}
		path := filepath.Join(e.cfg.UploadRoot, job.FileRef)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("file_ref %s not found", job.FileRef)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read file_ref: %v", err)
		}
		job.Payload = string(data)
	}

	if err := os.MkdirAll(e.cfg.ScratchRoot, 0o755); err != nil {
		return "", fmt.Errorf("cannot create scratch root: %v", err)
	}
	scratch := filepath.Join(e.cfg.ScratchRoot, job.ID+".py")
	if err := os.WriteFile(scratch, []byte(job.Payload), 0o644); err != nil {
		return "", fmt.Errorf("cannot write scratch file: %v", err)
	}
	return scratch, nil
}

// captureArtifacts records the mode's outputs: files the sandbox wrote under
// the job's output directory, plus stdout.txt and stderr.txt when the
// respective stream produced anything. Names failing the single-component
// check are skipped.
func (e *Engine) captureArtifacts(job *Job, outputDir string, stdout, stderr []string) {
	if len(stdout) > 0 {
		e.writeStreamArtifact(job, outputDir, "stdout.txt", stdout)
	}
	if len(stderr) > 0 {
		e.writeStreamArtifact(job, outputDir, "stderr.txt", stderr)
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		e.logger.Warn("cannot scan artifact directory", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !validArtifactName(name) {
			continue
		}
		if name == "stdout.txt" || name == "stderr.txt" {
			continue // already recorded above
		}
		job.addArtifact(name)
	}
}

func (e *Engine) writeStreamArtifact(job *Job, outputDir, name string, lines []string) {
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(outputDir, name), []byte(content), 0o644); err != nil {
		e.logger.Warn("cannot write stream artifact",
			zap.String("job_id", job.ID),
			zap.String("artifact", name),
			zap.Error(err),
		)
		return
	}
	job.addArtifact(name)
}

// log appends a line to the job and streams it to subscribers. Returns the
// stored (possibly truncated) line.
func (e *Engine) log(job *Job, line string) string {
	stored, full := job.appendLog(line)
	e.pub.PublishJobLog(job.ID, stored, full)
	if job.Mode == types.ModeNotebookCell && job.SessionID != "" {
		e.pub.PublishCellOutput(job.SessionID, job.CellID, stored, string(types.JobStatusRunning))
	}
	return stored
}

// finish records the terminal state and emits the final status event,
// strictly after the last log line.
func (e *Engine) finish(job *Job, exitCode int, kind types.ErrorKind, msg string) {
	job.finish(exitCode, kind, msg)
	snap := job.Snapshot()
	e.pub.PublishJobStatus(snap)
	if job.Mode == types.ModeNotebookCell && job.SessionID != "" {
		e.pub.PublishCellOutput(job.SessionID, job.CellID, "", string(snap.Status))
	}

	e.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(snap.Status)),
		zap.Int("exit_code", exitCode),
		zap.Float64("runtime_seconds", snap.Runtime),
	)
}

// attestationDigest hashes the identifying inputs of a cell execution.
func attestationDigest(job *Job, containerName string, start time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%d",
		job.ID, job.Payload, containerName, start.UnixNano())))
	return hex.EncodeToString(h[:])
}

// validArtifactName accepts only a single, non-traversing path component.
func validArtifactName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return filepath.Base(name) == name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
