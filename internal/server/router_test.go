package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matplo/procorg/internal/manager"
	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/scheduler"
	"github.com/matplo/procorg/internal/store"
)

func newTestRouter(t *testing.T, withSched bool) (http.Handler, *manager.Manager, principal.Principal) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	p, err := principal.Current()
	require.NoError(t, err)
	mgr := manager.New(st, manager.WithStopGrace(2*time.Second))
	var sched *scheduler.Scheduler
	if withSched {
		sched = scheduler.New(mgr, p, time.Second)
	}
	return NewRouter(mgr, sched).Handler(), mgr, p
}

func doJSON(t *testing.T, h http.Handler, method, path, username string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if username != "" {
		req.Header.Set("X-Procorg-User", username)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func testScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestIdentityRequired(t *testing.T) {
	h, _, _ := newTestRouter(t, false)

	w := doJSON(t, h, http.MethodGet, "/api/processes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/processes", "no-such-user-exists-here", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthzAndMetricsUnauthenticated(t *testing.T) {
	h, _, _ := newTestRouter(t, false)

	w := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAndList(t *testing.T) {
	h, _, p := newTestRouter(t, false)
	script := testScript(t, "exit 0")

	w := doJSON(t, h, http.MethodPost, "/api/processes", p.Username, map[string]string{
		"name": "backup", "command": script, "cron_expr": "0 2 * * *", "description": "nightly",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var def store.Definition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &def))
	assert.Equal(t, "backup", def.Name)
	assert.True(t, def.Enabled)

	// Validation failures map to 400, duplicates to 409.
	w = doJSON(t, h, http.MethodPost, "/api/processes", p.Username, map[string]string{
		"name": "bad", "command": script, "cron_expr": "not-cron",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/processes", p.Username, map[string]string{
		"name": "backup", "command": script,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/processes", p.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var defs []store.Definition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &defs))
	assert.Len(t, defs, 1)
}

func TestRunStopLogsFlow(t *testing.T) {
	h, _, p := newTestRouter(t, false)
	script := testScript(t, "echo started\nexec sleep 60")

	w := doJSON(t, h, http.MethodPost, "/api/processes", p.Username, map[string]string{
		"name": "svc", "command": script,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/processes/svc/run", p.Username, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var e store.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, store.StatusRunning, e.Status)

	w = doJSON(t, h, http.MethodPost, "/api/executions/"+e.ID+"/stop", p.Username, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stopped store.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stopped))
	assert.Equal(t, store.StatusStopped, stopped.Status)

	w = doJSON(t, h, http.MethodGet, "/api/executions/"+e.ID+"/logs?stream=stdout", p.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs struct {
		Lines      []string `json:"lines"`
		NextOffset int      `json:"next_offset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))

	w = doJSON(t, h, http.MethodGet, "/api/executions/"+e.ID+"/logs?stream=bogus", p.Username, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunUnknownProcess(t *testing.T) {
	h, _, p := newTestRouter(t, false)
	w := doJSON(t, h, http.MethodPost, "/api/processes/ghost/run", p.Username, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestToggleAndDisabledRun(t *testing.T) {
	h, _, p := newTestRouter(t, false)
	script := testScript(t, "exit 0")
	w := doJSON(t, h, http.MethodPost, "/api/processes", p.Username, map[string]string{
		"name": "svc", "command": script,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/processes/svc/toggle?enabled=false", p.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var def store.Definition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &def))
	assert.False(t, def.Enabled)

	// Disabled definitions reject manual runs.
	w = doJSON(t, h, http.MethodPost, "/api/processes/svc/run", p.Username, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/processes/svc/toggle?enabled=notabool", p.Username, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnregisterViaAPI(t *testing.T) {
	h, _, p := newTestRouter(t, false)
	script := testScript(t, "exit 0")
	w := doJSON(t, h, http.MethodPost, "/api/processes", p.Username, map[string]string{
		"name": "svc", "command": script,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/processes/svc", p.Username, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/processes/svc", p.Username, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListExecutionsFilterValidation(t *testing.T) {
	h, _, p := newTestRouter(t, false)

	w := doJSON(t, h, http.MethodGet, "/api/executions?status=bogus", p.Username, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/executions", p.Username, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStateMarker(t *testing.T) {
	h, _, p := newTestRouter(t, false)

	w := doJSON(t, h, http.MethodGet, "/api/state", p.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st struct {
		Marker  int64 `json:"marker"`
		Changed bool  `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))

	script := testScript(t, "exit 0")
	time.Sleep(10 * time.Millisecond)
	w = doJSON(t, h, http.MethodPost, "/api/processes", p.Username, map[string]string{
		"name": "svc", "command": script,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/state?since="+jsonInt(st.Marker), p.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st2 struct {
		Marker  int64 `json:"marker"`
		Changed bool  `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st2))
	assert.True(t, st2.Changed)
	assert.Greater(t, st2.Marker, st.Marker)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestSchedulerInfoEndpoint(t *testing.T) {
	h, _, p := newTestRouter(t, false)
	w := doJSON(t, h, http.MethodGet, "/api/scheduler", p.Username, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	h, _, p = newTestRouter(t, true)
	w = doJSON(t, h, http.MethodGet, "/api/scheduler", p.Username, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info scheduler.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.False(t, info.Running)
}
