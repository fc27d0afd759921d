package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// removeTimeout bounds the forced-remove call that runs on every exit path.
// It uses a background context so teardown survives caller cancellation.
const removeTimeout = 30 * time.Second

// maxLineBytes is the scanner buffer ceiling for a single output line.
// Workloads that emit longer lines get them split, not dropped.
const maxLineBytes = 1 << 20

// DockerRunner executes sandbox specs as throwaway Docker containers.
// Create instances with NewDockerRunner.
type DockerRunner struct {
	docker *dockerclient.Client
	logger *zap.Logger
}

// NewDockerRunner connects to the Docker daemon at socketPath, or the SDK
// default (DOCKER_HOST, /var/run/docker.sock) when socketPath is empty, and
// verifies it responds. Returns ErrUnavailable when the daemon cannot be
// reached so the caller can decide between failing and the local fallback.
func NewDockerRunner(ctx context.Context, socketPath string, logger *zap.Logger) (*DockerRunner, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if _, err := dc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	return &DockerRunner{docker: dc, logger: logger.Named("sandbox")}, nil
}

// Close releases the underlying Docker client resources.
func (r *DockerRunner) Close() error {
	return r.docker.Close()
}

// Run creates, starts, and waits for one container built from spec. Output is
// streamed to onLine as it arrives. The container is force-removed on every
// return path. A deadline expiry stops the workload with spec.Grace to exit,
// then kills it; the result carries TimedOut in that case. Cancellation of
// ctx kills the container immediately and returns ctx.Err().
func (r *DockerRunner) Run(ctx context.Context, spec Spec, onLine LineFunc) (*Result, error) {
	start := time.Now()

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   strslice.StrSlice(spec.Argv),
		Env:   spec.Env,
	}
	hostCfg := buildHostConfig(spec)

	id, err := r.create(ctx, cfg, hostCfg, spec.Name)
	if err != nil {
		return nil, err
	}
	defer r.remove(id)

	if err := r.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	logs, err := r.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: attach logs: %w", err)
	}
	streamDone := r.streamLines(logs, onLine)

	waitCh, errCh := r.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	timer := time.NewTimer(spec.Deadline)
	defer timer.Stop()
	if spec.Deadline <= 0 {
		timer.Stop()
	}

	var (
		exitCode int
		timedOut bool
	)

	select {
	case status := <-waitCh:
		exitCode = int(status.StatusCode)

	case err := <-errCh:
		logs.Close()
		<-streamDone
		return nil, fmt.Errorf("sandbox: wait: %w", err)

	case <-timer.C:
		timedOut = true
		r.logger.Warn("deadline expired, stopping container",
			zap.String("container_id", shortID(id)),
			zap.Duration("deadline", spec.Deadline),
		)
		r.shutdown(id, spec.Grace)
		select {
		case status := <-waitCh:
			exitCode = int(status.StatusCode)
		case <-errCh:
		case <-time.After(removeTimeout):
		}

	case <-ctx.Done():
		r.shutdown(id, 0)
		logs.Close()
		<-streamDone
		return nil, ctx.Err()
	}

	// Drain the log stream so no tail lines are lost before returning.
	<-streamDone

	return &Result{
		ExitCode: exitCode,
		TimedOut: timedOut,
		Duration: time.Since(start),
	}, nil
}

// create makes the container, pulling the image on first use. Only a
// not-found on create triggers the pull; any other error is returned as is.
func (r *DockerRunner) create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := r.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err == nil {
		return resp.ID, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}

	r.logger.Info("pulling image", zap.String("image", cfg.Image))
	rc, err := r.docker.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("sandbox: pull %s: %w", cfg.Image, err)
	}
	// The pull completes only once the progress stream is drained.
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()

	resp, err = r.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("sandbox: create container after pull: %w", err)
	}
	return resp.ID, nil
}

// streamLines demultiplexes the docker log stream into per-line callbacks.
// The returned channel closes once both streams are fully drained.
func (r *DockerRunner) streamLines(logs io.ReadCloser, onLine LineFunc) <-chan struct{} {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(outW, errW, logs)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

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
	go scan(outR, StreamStdout)
	go scan(errR, StreamStderr)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// shutdown stops the container with the given grace period, escalating to
// SIGKILL if it does not exit in time. grace 0 kills immediately. Errors are
// logged only: the container may already be gone.
func (r *DockerRunner) shutdown(id string, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	if grace <= 0 {
		if err := r.docker.ContainerKill(ctx, id, "KILL"); err != nil && !cerrdefs.IsNotFound(err) {
			r.logger.Warn("kill container", zap.String("container_id", shortID(id)), zap.Error(err))
		}
		return
	}

	seconds := int(grace.Seconds())
	if err := r.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil && !cerrdefs.IsNotFound(err) {
		r.logger.Warn("stop container", zap.String("container_id", shortID(id)), zap.Error(err))
		if err := r.docker.ContainerKill(ctx, id, "KILL"); err != nil && !cerrdefs.IsNotFound(err) {
			r.logger.Warn("kill container", zap.String("container_id", shortID(id)), zap.Error(err))
		}
	}
}

// remove force-removes the container on a background context so cleanup
// happens even when the caller's context is already cancelled.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	err := r.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		r.logger.Warn("remove container", zap.String("container_id", shortID(id)), zap.Error(err))
	}
}

// buildHostConfig translates the portable Spec limits into Docker host
// settings. Resource caps translate directly; isolation toggles map to
// network mode and a read-only rootfs with explicit tmpfs carve-outs.
func buildHostConfig(spec Spec) *container.HostConfig {
	hc := &container.HostConfig{
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUs * 1e9),
			Memory:   spec.MemoryBytes,
		},
	}

	if spec.NoNetwork {
		hc.NetworkMode = "none"
	}

	if spec.NOFileLimit > 0 {
		hc.Resources.Ulimits = []*units.Ulimit{{
			Name: "nofile",
			Soft: spec.NOFileLimit,
			Hard: spec.NOFileLimit,
		}}
	}

	if spec.ScratchHostPath != "" && spec.ScratchMountPath != "" {
		hc.Binds = append(hc.Binds, spec.ScratchHostPath+":"+spec.ScratchMountPath+":ro")
	}
	if spec.OutputHostPath != "" {
		hc.Binds = append(hc.Binds, spec.OutputHostPath+":/output:rw")
	}

	if len(spec.Tmpfs) > 0 {
		hc.Tmpfs = spec.Tmpfs
	}

	if spec.GPU {
		hc.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	return hc
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
