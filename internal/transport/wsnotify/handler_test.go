package wsnotify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/cdbsrv/internal/config"
	"github.com/kandev/cdbsrv/internal/debugger/driver"
	"github.com/kandev/cdbsrv/internal/facade"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
	"github.com/kandev/cdbsrv/internal/session"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
)

func testDump(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash.dmp")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
	return path
}

func newTestHandler(t *testing.T) (*Handler, *facade.Facade, notify.Bus) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	bus := notify.NewMemoryBus(log)

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
		return driver.NewFake()
	}, log)
	t.Cleanup(func() { mgr.Dispose(context.Background()) })

	f := facade.New(mgr, log)
	return New(f, bus, log), f, bus
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandler_StreamsPublishedNotifications(t *testing.T) {
	h, f, bus := newTestHandler(t)

	sess, err := f.CreateSession(context.Background(), testDump(t), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := f.GetSession(sess.ID)
		return ok && s.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		h.ServeSession(w, r, sess.ID)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialWS(t, srv, "/notifications")
	defer conn.Close()

	require.NoError(t, bus.Publish(sess.ID, v1.Notification{
		Kind:      v1.NotificationCommandStatus,
		SessionID: sess.ID,
		CommandID: "cmd-1",
		Status:    "queued",
	}))

	var got v1.Notification
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "cmd-1", got.CommandID)
	assert.Equal(t, "queued", got.Status)
}

func TestHandler_UnknownSessionRejected(t *testing.T) {
	h, _, _ := newTestHandler(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		h.ServeSession(w, r, "nope")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notifications"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_BusDropClosesConnection(t *testing.T) {
	h, f, bus := newTestHandler(t)

	sess, err := f.CreateSession(context.Background(), testDump(t), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := f.GetSession(sess.ID)
		return ok && s.Status == v1.SessionStatusActive
	}, time.Second, 5*time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		h.ServeSession(w, r, sess.ID)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialWS(t, srv, "/notifications")
	defer conn.Close()

	bus.Drop(sess.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
