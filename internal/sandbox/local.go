package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalRunner executes the spec's argv as a direct subprocess on the host.
// It honors the deadline and streams output like the Docker backend, but
// provides none of the container isolation (resource caps, read-only rootfs,
// network cutoff are all ignored). It exists only as an explicit opt-in
// fallback for hosts without a container runtime and must never be selected
// implicitly.
type LocalRunner struct {
	logger *zap.Logger
}

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(logger *zap.Logger) *LocalRunner {
	return &LocalRunner{logger: logger.Named("sandbox.local")}
}

// Run executes spec.Argv directly. The argv is never passed through a shell,
// so metacharacters in arguments stay inert. The image field is ignored.
func (r *LocalRunner) Run(ctx context.Context, spec Spec, onLine LineFunc) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("sandbox: empty argv")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = append(cmd.Environ(), spec.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start %s: %w", spec.Argv[0], err)
	}

	r.logger.Warn("running workload without container isolation",
		zap.String("command", spec.Argv[0]),
	)

	var wg sync.WaitGroup
	scan := func(rd io.Reader, stream Stream) {
		defer wg.Done()
		sc := bufio.NewScanner(rd)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			if onLine != nil {
				onLine(stream, sc.Text())
			}
		}
	}
	wg.Add(2)
	go scan(stdout, StreamStdout)
	go scan(stderr, StreamStderr)
	wg.Wait()

	err = cmd.Wait()
	duration := time.Since(start)

	// Deadline expiry beats the generic exit error so the caller can map it
	// to the timeout outcome rather than a plain failure.
	if spec.Deadline > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &Result{ExitCode: -1, TimedOut: true, Duration: duration}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox: wait: %w", err)
		}
	}

	return &Result{ExitCode: exitCode, Duration: duration}, nil
}
