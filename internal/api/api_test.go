package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/metrics"
	"github.com/Zeeshankhan077/neuraX/internal/registry"
	"github.com/Zeeshankhan077/neuraX/internal/sandbox"
	"github.com/Zeeshankhan077/neuraX/internal/signaling"
	"github.com/Zeeshankhan077/neuraX/internal/websocket"
)

// echoRunner is a scripted sandbox backend: it prints one line and exits 0.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, spec sandbox.Spec, onLine sandbox.LineFunc) (*sandbox.Result, error) {
	if onLine != nil {
		onLine(sandbox.StreamStdout, "hello")
	}
	return &sandbox.Result{ExitCode: 0, Duration: 10 * time.Millisecond}, nil
}

type testServer struct {
	*httptest.Server
	engine     *engine.Engine
	registry   *registry.Registry
	uploadRoot string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	logger := zap.NewNop()

	reg, err := registry.New(":memory:", logger)
	require.NoError(t, err)

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	m := metrics.New()
	eng := engine.New(engine.Config{
		OutputRoot:  filepath.Join(root, "output"),
		ScratchRoot: filepath.Join(root, "scratch"),
		UploadRoot:  filepath.Join(root, "uploads"),
	}, echoRunner{}, &HubPublisher{Hub: hub, Metrics: m}, logger)
	t.Cleanup(eng.Shutdown)

	plane := signaling.New(hub, reg, logger)

	router := NewRouter(RouterConfig{
		Engine:     eng,
		Registry:   reg,
		Hub:        hub,
		Plane:      plane,
		Metrics:    m,
		UploadRoot: filepath.Join(root, "uploads"),
		Logger:     logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{
		Server:     srv,
		engine:     eng,
		registry:   reg,
		uploadRoot: filepath.Join(root, "uploads"),
	}
}

func (ts *testServer) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Data
}

func decodeError(t *testing.T, resp *http.Response) (string, string) {
	t.Helper()
	defer resp.Body.Close()
	var out struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Error.Code, out.Error.Message
}

func (ts *testServer) waitCompleted(t *testing.T, jobID string) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/status/" + jobID)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		last = decodeData(t, resp)
		s := last["status"]
		return s == "completed" || s == "failed"
	}, 5*time.Second, 20*time.Millisecond)
	return last
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "neurax-coordinator", data["service"])
	assert.Contains(t, data, "active_jobs")
	assert.Contains(t, data, "live_workers")
}

func TestSubmitAndFetchArtifact(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/submit", map[string]string{
		"mode": "script",
		"code": "print('hello')\n",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := decodeData(t, resp)
	jobID, _ := data["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", data["status"])

	final := ts.waitCompleted(t, jobID)
	assert.Equal(t, "completed", final["status"])
	assert.Equal(t, float64(0), final["exit_code"])

	art, err := http.Get(ts.URL + "/artifact/" + jobID + "/stdout.txt")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, art.StatusCode)
	body, err := io.ReadAll(art.Body)
	art.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(body))

	missing, err := http.Get(ts.URL + "/artifact/" + jobID + "/stderr.txt")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	missing.Body.Close()
}

func TestSubmitRejectsDisallowedCLICommand(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/submit", map[string]string{
		"mode":    "cli",
		"command": "rm -rf /",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	code, _ := decodeError(t, resp)
	assert.Equal(t, "validation_error", code)
}

func TestExecuteAliasBehavesLikeSubmit(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/execute", map[string]string{
		"mode": "ai",
		"code": "print(1)",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := decodeData(t, resp)
	assert.NotEmpty(t, data["job_id"])
}

func TestStatusUnknownJobIs404(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status/nope")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	code, _ := decodeError(t, resp)
	assert.Equal(t, "not_found", code)
}

func TestWorkersAndCapacity(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.registry.Register(registry.Descriptor{
		NodeID:   "n1",
		Endpoint: "100.64.0.7:9443",
		Tags:     []string{"script"},
	})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/workers")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Len(t, out.Data, 1)
	assert.Equal(t, "n1", out.Data[0]["node_id"])
	assert.Equal(t, "ready", out.Data[0]["status"])

	capResp, err := http.Get(ts.URL + "/capacity")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, capResp.StatusCode)
	capData := decodeData(t, capResp)
	assert.Equal(t, float64(1), capData["device_count"])
	assert.Equal(t, "healthy", capData["level"])
}

func TestUploadThenSubmitByFileRef(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "../sneaky/job.py")
	require.NoError(t, err)
	_, err = fw.Write([]byte("print('from upload')\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decodeData(t, resp)

	fileRef, _ := data["file_ref"].(string)
	require.NotEmpty(t, fileRef)
	// The echoed filename is sanitized and the stored name is the ref.
	assert.Equal(t, "job.py", data["filename"])
	_, err = os.Stat(filepath.Join(ts.uploadRoot, fileRef))
	require.NoError(t, err)

	submit := ts.postJSON(t, "/submit", map[string]string{
		"mode":     "script",
		"file_ref": fileRef,
	})
	require.Equal(t, http.StatusAccepted, submit.StatusCode)
	jobID, _ := decodeData(t, submit)["job_id"].(string)
	final := ts.waitCompleted(t, jobID)
	assert.Equal(t, "completed", final["status"])
}

func TestNotebookSessionRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID, _ := decodeData(t, resp)["session_id"].(string)
	require.NotEmpty(t, sessionID)

	exec := ts.postJSON(t, fmt.Sprintf("/session/%s/exec", sessionID), map[string]string{
		"code": "print('cell')",
	})
	require.Equal(t, http.StatusAccepted, exec.StatusCode)
	jobID, _ := decodeData(t, exec)["job_id"].(string)
	require.NotEmpty(t, jobID)
	ts.waitCompleted(t, jobID)

	restart := ts.postJSON(t, fmt.Sprintf("/session/%s/restart", sessionID), nil)
	assert.Equal(t, http.StatusOK, restart.StatusCode)
	restart.Body.Close()

	ghost := ts.postJSON(t, "/session/ghost/exec", map[string]string{"code": "x"})
	assert.Equal(t, http.StatusNotFound, ghost.StatusCode)
	ghost.Body.Close()
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	ts := newTestServer(t)

	// Complete one job so the counters have a sample.
	resp := ts.postJSON(t, "/submit", map[string]string{"mode": "script", "code": "print(1)"})
	jobID, _ := decodeData(t, resp)["job_id"].(string)
	ts.waitCompleted(t, jobID)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, mresp.StatusCode)
	body, err := io.ReadAll(mresp.Body)
	mresp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "neurax_engine_jobs_total")
}
