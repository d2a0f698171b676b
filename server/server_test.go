package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labshot/labshot/am"
	"github.com/labshot/labshot/analysis"
	"github.com/labshot/labshot/bus"
	"github.com/labshot/labshot/capture"
	"github.com/labshot/labshot/db"
	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/label"
	"github.com/labshot/labshot/pipeline"
)

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(ctx context.Context, imagePath string) (*analysis.Result, error) {
	return &analysis.Result{Attributes: &analysis.Attributes{Title: "Stub device"}}, nil
}

type stubRegistrar struct{}

func (stubRegistrar) Register(ctx context.Context, job *pipeline.Job) (int, error) {
	return 7, nil
}

type stubLabeler struct{}

func (stubLabeler) Generate(ctx context.Context, recordID int) (*label.Label, error) {
	return &label.Label{RecordID: recordID, FilePath: fmt.Sprintf("/tmp/label_%d.png", recordID)}, nil
}

// frameDevice returns the same minimal JPEG every call.
type frameDevice struct{ frame []byte }

func (d *frameDevice) Frame(ctx context.Context) ([]byte, error) {
	return d.frame, nil
}

func minimalJPEG() []byte {
	return append(append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{0x00}, 64)...), 0xFF, 0xD9)
}

type testEnv struct {
	server *Server
	ts     *httptest.Server
	store  *am.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	database, err := db.OpenWithMigrations(filepath.Join(dir, "labshot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := am.Default()
	cfg.Inference.APIKey = "sk-or-1234567890abcdef"
	cfg.RecordSystem.BaseURL = "https://elab.example.org/api/v2"
	cfg.RecordSystem.APIKey = "elab-key-1234567890"
	cfg.Capture.DeviceID = "cam-0"
	cfg.Storage.ImagesDir = filepath.Join(dir, "images")
	cfg.Storage.LabelsDir = filepath.Join(dir, "labels")
	cfg.Storage.DatabasePath = filepath.Join(dir, "labshot.db")
	store := am.NewStore(cfg, filepath.Join(dir, "labshot.toml"))

	events := bus.New()
	captureSvc := capture.NewService(store, nil)
	captureSvc.RegisterDevice("cam-0", &frameDevice{frame: minimalJPEG()})

	pool := pipeline.NewWorkerPool(context.Background(), database, store, events,
		stubAnalyzer{}, stubRegistrar{}, stubLabeler{}, nil)

	srv, err := New(context.Background(), Deps{
		Store:   store,
		DB:      database,
		Events:  events,
		Capture: captureSvc,
		Labels:  label.NewGenerator(store, database, nil),
		Pool:    pool,
	}, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.cancel)

	return &testEnv{server: srv, ts: ts, store: store}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCaptureTriggerEnqueuesJob(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/capture/trigger", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "pending", body["stage"])
	assert.Equal(t, "queued", body["status"])
}

func TestCaptureTriggerDuplicateReturns409(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/api/capture/trigger", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Same device, same frame, same digest: second trigger is a duplicate.
	resp, body := env.request(t, http.MethodPost, "/api/capture/trigger", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DuplicateJob", body["errorKind"])
	assert.NotEmpty(t, body["message"])
}

func TestConfigGetMasksSecrets(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/config/inference", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	section := body["config"].(map[string]interface{})
	key := section["APIKey"].(string)
	assert.NotEqual(t, "sk-or-1234567890abcdef", key)
	assert.True(t, strings.HasPrefix(key, "sk-o"))
}

func TestConfigGetUnknownSection(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/config/plumbing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", body["errorKind"])
}

func TestConfigPatchUpdatesAndValidates(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodPatch, "/api/config/pipeline",
		map[string]interface{}{"workers": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["version"].(float64), float64(0))

	cfg, _ := env.store.Snapshot()
	assert.Equal(t, 3, cfg.Pipeline.Workers)

	// Invalid value is rejected and nothing changes.
	resp, body = env.request(t, http.MethodPatch, "/api/config/pipeline",
		map[string]interface{}{"workers": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "ConfigError", body["errorKind"])

	cfg, _ = env.store.Snapshot()
	assert.Equal(t, 3, cfg.Pipeline.Workers)
}

func TestJobListAndGet(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/api/capture/trigger", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := env.request(t, http.MethodGet, "/api/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	id := jobs[0].(map[string]interface{})["id"].(string)

	resp, body = env.request(t, http.MethodGet, "/api/jobs/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])

	resp, body = env.request(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", body["errorKind"])

	resp, body = env.request(t, http.MethodGet, "/api/jobs?status=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", body["errorKind"])
}

func TestLabelLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodPost, "/api/labels",
		map[string]interface{}{"record_id": 7})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	labelID := body["id"].(string)
	assert.Contains(t, body["file_path"], "label_7.png")

	resp, body = env.request(t, http.MethodGet, "/api/labels?record_id=7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["labels"].([]interface{}), 1)

	resp, _ = env.request(t, http.MethodDelete, "/api/labels/"+labelID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.request(t, http.MethodDelete, "/api/labels/"+labelID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", body["errorKind"])
}

func TestStatusAggregates(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "jobs")
	assert.Contains(t, body, "config_version")
	assert.Equal(t, float64(0), body["websocket_clients"])
}

func TestWebSocketStreamsJobEvents(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Trigger a capture; its queued-job event should arrive on the socket.
	resp, _ := env.request(t, http.MethodPost, "/api/capture/trigger", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.TypeJobUpdate, ev.Type)
	assert.Equal(t, "queued", ev.Payload["status"])
}

func TestAnalyzeRequiresImagePath(t *testing.T) {
	env := newTestEnv(t)
	env.server.engine = analysis.NewEngine(env.store, nil)

	resp, body := env.request(t, http.MethodPost, "/api/analyze",
		map[string]interface{}{"image_path": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidRequest", body["errorKind"])
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.Wrap(errors.ErrDuplicateJob, "x"), http.StatusConflict},
		{errors.Wrap(errors.ErrAuth, "x"), http.StatusUnauthorized},
		{errors.Wrap(errors.ErrNotFound, "x"), http.StatusNotFound},
		{errors.Wrap(errors.ErrRateLimited, "x"), http.StatusTooManyRequests},
		{errors.Wrap(errors.ErrEncoding, "x"), http.StatusUnprocessableEntity},
		{errors.Wrap(errors.ErrCaptureTimeout, "x"), http.StatusGatewayTimeout},
		{errors.Wrap(errors.ErrDeviceUnavailable, "x"), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		assert.Equal(t, tt.status, rec.Code, "error: %v", tt.err)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body.ErrorKind)
		assert.NotEmpty(t, body.Message)
	}
}

func TestPreflightAnsweredWithCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")
}
