package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itenfay/cxdownload/internal/config"
	"github.com/itenfay/cxdownload/internal/download"
	"github.com/itenfay/cxdownload/internal/notify"
	"github.com/itenfay/cxdownload/internal/storage"
	"github.com/itenfay/cxdownload/internal/types"
)

type envelope struct {
	Success  bool                `json:"success"`
	Data     json.RawMessage     `json:"data"`
	Error    *types.ErrorInfo    `json:"error"`
	Metadata *types.ResponseMeta `json:"metadata"`
}

type testEnv struct {
	server    *Server
	scheduler *download.Scheduler
	bus       *notify.Bus
	configMgr *config.Manager
	origin    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader([]byte(strings.Repeat("cx", 512))))
	}))
	t.Cleanup(origin.Close)

	store, err := storage.NewMemoryStore()
	require.NoError(t, err)

	bus := notify.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	scheduler := download.NewScheduler(download.Config{Directory: t.TempDir()}, store, bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		scheduler.Close(ctx)
	})

	configMgr := config.NewManagerWithPath(filepath.Join(t.TempDir(), "cxdownload.config.yaml"))
	_, err = configMgr.Load()
	require.NoError(t, err)

	srv := NewServer(&Config{Host: "127.0.0.1", AllowedOrigins: []string{"*"}}, scheduler, bus, configMgr)
	return &testEnv{server: srv, scheduler: scheduler, bus: bus, configMgr: configMgr, origin: origin}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func TestInfo(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/info", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), resp.Metadata.RequestID)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "cxdownload", data["name"])
	assert.Equal(t, "running", data["status"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/downloads", nil)
	req.Header.Set("Origin", "http://ui.local")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestCreateDownload(t *testing.T) {
	env := newTestEnv(t)
	rawURL := env.origin.URL + "/file.bin"

	w, resp := env.do(t, http.MethodPost, "/api/downloads", TaskRequest{URL: rawURL})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created CreatedTask
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, storage.TaskID(rawURL), created.ID)

	require.Eventually(t, func() bool {
		w, resp := env.do(t, http.MethodGet, "/api/downloads/task?url="+rawURL, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var rec storage.TaskRecord
		return json.Unmarshal(resp.Data, &rec) == nil && rec.State == storage.StateFinished
	}, 5*time.Second, 10*time.Millisecond)

	w, resp = env.do(t, http.MethodGet, "/api/downloads", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var tasks []storage.TaskRecord
	require.NoError(t, json.Unmarshal(resp.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(1024), tasks[0].TotalSize)
}

func TestCreateDownloadValidation(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodPost, "/api/downloads", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.ErrInvalidRequest, resp.Error.Code)

	w, resp = env.do(t, http.MethodPost, "/api/downloads", TaskRequest{URL: "mailto:someone@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.ErrInvalidURL, resp.Error.Code)
	assert.False(t, resp.Success)
}

func TestGetDownload(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/api/downloads/task", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := env.do(t, http.MethodGet, "/api/downloads/task?url=http://example.com/none", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, types.ErrTaskNotFound, resp.Error.Code)
}

func TestPauseCancelDelete(t *testing.T) {
	env := newTestEnv(t)
	rawURL := env.origin.URL + "/file.bin"

	w, _ := env.do(t, http.MethodPost, "/api/downloads/pause", TaskRequest{URL: rawURL})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = env.do(t, http.MethodPost, "/api/downloads/cancel", TaskRequest{URL: rawURL})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/downloads", TaskRequest{URL: rawURL})
	require.Equal(t, http.StatusAccepted, w.Code)

	w, _ = env.do(t, http.MethodDelete, "/api/downloads", TaskRequest{URL: rawURL})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/downloads/task?url="+rawURL, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/downloads/pause", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var settings Settings
	require.NoError(t, json.Unmarshal(resp.Data, &settings))
	assert.Equal(t, 1, settings.MaxConcurrent)
	assert.False(t, settings.AllowsCellularAccess)
	assert.Equal(t, "reachable_via_wifi", settings.Reachability)

	limit := 4
	cellular := true
	w, resp = env.do(t, http.MethodPut, "/api/settings", SettingsRequest{MaxConcurrent: &limit, AllowsCellularAccess: &cellular})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, &settings))
	assert.Equal(t, 4, settings.MaxConcurrent)
	assert.True(t, settings.AllowsCellularAccess)

	saved := env.configMgr.Get()
	assert.Equal(t, 4, saved.Download.MaxConcurrent)
	assert.True(t, saved.Download.AllowsCellularAccess)

	reloaded, err := config.NewManagerWithPath(env.configMgr.GetConfigPath()).Load()
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Download.MaxConcurrent)
}

func TestSettingsValidation(t *testing.T) {
	env := newTestEnv(t)

	zero := 0
	w, resp := env.do(t, http.MethodPut, "/api/settings", SettingsRequest{MaxConcurrent: &zero})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.ErrInvalidRequest, resp.Error.Code)

	bogus := "carrier_pigeon"
	w, _ = env.do(t, http.MethodPut, "/api/settings", SettingsRequest{Reachability: &bogus})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	wwan := "reachable_via_wwan"
	w, resp = env.do(t, http.MethodPut, "/api/settings", SettingsRequest{Reachability: &wwan})
	require.Equal(t, http.StatusOK, w.Code)
	var settings Settings
	require.NoError(t, json.Unmarshal(resp.Data, &settings))
	assert.Equal(t, wwan, settings.Reachability)
	assert.Equal(t, wwan, env.configMgr.Get().Network.Reachability)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	rawURL := env.origin.URL + "/stream.bin"
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?url=" + rawURL
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	w, _ := env.do(t, http.MethodPost, "/api/downloads", TaskRequest{URL: rawURL})
	require.Equal(t, http.StatusAccepted, w.Code)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var event notify.Event
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, storage.TaskID(rawURL), event.TaskID)
		if event.Type == notify.EventTypeDownloadState && event.Task.State == storage.StateFinished {
			assert.Equal(t, "downloading", event.PreviousState)
			break
		}
	}

	conn.Close()
	require.Eventually(t, func() bool {
		return env.bus.SubscriberCount() == 0 && env.server.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeAndShutdown(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- env.server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/info")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ts := "ws://" + ln.Addr().String() + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(ts, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected close frame, got %v", err)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(&config.ServerConfig{Host: "0.0.0.0", Port: 9290, ReadTimeout: 30, WriteTimeout: 0})
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	srv := NewServer(cfg, nil, notify.NewBus(), nil)
	assert.Equal(t, "0.0.0.0:9290", srv.Addr())
}
