package sandbox

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildHostConfigIsolation(t *testing.T) {
	spec := Spec{
		Image:            "python:3.10",
		CPUs:             1,
		MemoryBytes:      2 * 1024 * 1024 * 1024,
		NoNetwork:        true,
		ReadOnlyRootfs:   true,
		NOFileLimit:      1024,
		ScratchHostPath:  "/var/lib/fabric/scratch/job-1.py",
		ScratchMountPath: "/tmp/task.py",
		OutputHostPath:   "/var/lib/fabric/artifacts/job-1",
		Tmpfs:            map[string]string{"/tmp": "rw,size=64m"},
	}

	hc := buildHostConfig(spec)

	assert.Equal(t, "none", string(hc.NetworkMode))
	assert.True(t, hc.ReadonlyRootfs)
	assert.Equal(t, int64(1e9), hc.Resources.NanoCPUs)
	assert.Equal(t, int64(2*1024*1024*1024), hc.Resources.Memory)

	require.Len(t, hc.Resources.Ulimits, 1)
	assert.Equal(t, "nofile", hc.Resources.Ulimits[0].Name)
	assert.Equal(t, int64(1024), hc.Resources.Ulimits[0].Soft)
	assert.Equal(t, int64(1024), hc.Resources.Ulimits[0].Hard)

	require.Len(t, hc.Binds, 2)
	assert.Equal(t, "/var/lib/fabric/scratch/job-1.py:/tmp/task.py:ro", hc.Binds[0])
	assert.Equal(t, "/var/lib/fabric/artifacts/job-1:/output:rw", hc.Binds[1])

	assert.Equal(t, "rw,size=64m", hc.Tmpfs["/tmp"])
	assert.Empty(t, hc.Resources.DeviceRequests)
}

func TestBuildHostConfigGPUPassthrough(t *testing.T) {
	hc := buildHostConfig(Spec{Image: "nytimes/blender:latest", GPU: true, CPUs: 4})

	require.Len(t, hc.Resources.DeviceRequests, 1)
	req := hc.Resources.DeviceRequests[0]
	assert.Equal(t, "nvidia", req.Driver)
	assert.Equal(t, -1, req.Count)
	assert.Equal(t, [][]string{{"gpu"}}, req.Capabilities)
}

func TestBuildHostConfigDefaults(t *testing.T) {
	hc := buildHostConfig(Spec{Image: "python:3.10"})

	assert.Empty(t, string(hc.NetworkMode))
	assert.False(t, hc.ReadonlyRootfs)
	assert.Zero(t, hc.Resources.NanoCPUs)
	assert.Empty(t, hc.Resources.Ulimits)
	assert.Empty(t, hc.Binds)
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available on this host", name)
	}
}

func TestLocalRunnerStreamsAndExitCode(t *testing.T) {
	requireTool(t, "sh")
	r := NewLocalRunner(zap.NewNop())

	var (
		mu    sync.Mutex
		lines = map[Stream][]string{}
	)
	res, err := r.Run(context.Background(), Spec{
		Argv:     []string{"sh", "-c", "echo out-line; echo err-line 1>&2; exit 3"},
		Deadline: 10 * time.Second,
	}, func(stream Stream, line string) {
		mu.Lock()
		lines[stream] = append(lines[stream], line)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, []string{"out-line"}, lines[StreamStdout])
	assert.Equal(t, []string{"err-line"}, lines[StreamStderr])
}

func TestLocalRunnerDeadline(t *testing.T) {
	requireTool(t, "sleep")
	r := NewLocalRunner(zap.NewNop())

	res, err := r.Run(context.Background(), Spec{
		Argv:     []string{"sleep", "30"},
		Deadline: 100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, res.Duration, 10*time.Second)
}

func TestLocalRunnerCancelledContext(t *testing.T) {
	requireTool(t, "sleep")
	r := NewLocalRunner(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Spec{Argv: []string{"sleep", "30"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRunnerEmptyArgv(t *testing.T) {
	r := NewLocalRunner(zap.NewNop())
	_, err := r.Run(context.Background(), Spec{}, nil)
	assert.Error(t, err)
}
