package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kandev/cdbsrv/internal/config"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/facade"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
	"github.com/kandev/cdbsrv/internal/session"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDump(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash.dmp")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
	return path
}

func newTestServer(t *testing.T) (*Server, *driver.Fake) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	bus := notify.NewMemoryBus(log)

	var fake *driver.Fake
	mgr := session.New(config.SessionConfig{
		MaxConcurrentSessions:  5,
		IdleTimeout:            time.Hour,
		SweeperInterval:        time.Hour,
		CacheMaxRecords:        100,
		DefaultCommandTimeout:  time.Second,
		ShortCommandTimeout:    time.Second,
		LongCommandTimeout:     time.Second,
		ChildStartTimeout:      time.Second,
		CreateReadyPollTimeout: time.Second,
		StopGracePeriod:        time.Second,
	}, config.DebuggerConfig{}, bus, func() driver.ChildDriver {
		fake = driver.NewFake()
		return fake
	}, log)
	t.Cleanup(func() { mgr.Dispose(context.Background()) })

	f := facade.New(mgr, log)
	return New(":0", f, nil, log), fake
}

func TestServer_CreateAndReadSession(t *testing.T) {
	s, _ := newTestServer(t)

	body := strings.NewReader(`{"dump_path":"` + testDump(t) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.ID)

	require.Eventually(t, func() bool {
		w2 := httptest.NewRecorder()
		req2 := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
		s.Router().ServeHTTP(w2, req2)
		var got v1.Session
		_ = json.Unmarshal(w2.Body.Bytes(), &got)
		return got.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)
}

func TestServer_EnqueueAndReadCommandResult(t *testing.T) {
	s, fake := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{"dump_path":"`+testDump(t)+`"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var sess v1.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	require.Eventually(t, func() bool {
		w2 := httptest.NewRecorder()
		s.Router().ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil))
		var got v1.Session
		_ = json.Unmarshal(w2.Body.Bytes(), &got)
		return got.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)

	fake.OnCommand("version", func(string) (string, driver.ExitReason, time.Duration) {
		return "Debugger 10.0\n0:000>", driver.ExitNormal, 0
	})

	enqueueW := httptest.NewRecorder()
	enqueueReq := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/commands", strings.NewReader(`{"command":"version"}`))
	enqueueReq.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(enqueueW, enqueueReq)
	require.Equal(t, http.StatusAccepted, enqueueW.Code)

	var enqueued struct {
		CommandID string `json:"command_id"`
	}
	require.NoError(t, json.Unmarshal(enqueueW.Body.Bytes(), &enqueued))

	readW := httptest.NewRecorder()
	readReq := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sess.ID+"/commands/"+enqueued.CommandID+"?max_wait_seconds=5", nil)
	s.Router().ServeHTTP(readW, readReq)
	require.Equal(t, http.StatusOK, readW.Code)

	var view v1.CommandRecordView
	require.NoError(t, json.Unmarshal(readW.Body.Bytes(), &view))
	assert.Equal(t, v1.CommandStateCompleted, view.State)
	assert.Contains(t, view.Output, "Debugger 10.0")
}

func TestServer_GetSessionNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
