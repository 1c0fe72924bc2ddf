// Package wsnotify pushes live Notification Bus (C7) events to WebSocket
// clients, grounded on the teacher's gateway/websocket.Client write pump:
// one connection per subscriber, a buffered send channel, and a ticker
// driving periodic pings so dead peers are detected instead of leaked.
package wsnotify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/cdbsrv/internal/facade"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Handler upgrades HTTP requests to WebSocket connections that stream one
// session's notifications.
type Handler struct {
	facade   *facade.Facade
	bus      notify.Bus
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// New constructs a Handler. f is used only to confirm the session exists
// before upgrading; bus is what the connection actually subscribes to.
func New(f *facade.Facade, bus notify.Bus, log *logger.Logger) *Handler {
	return &Handler{
		facade: f,
		bus:    bus,
		logger: log.WithFields(zap.String("component", "ws-notify")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeSession upgrades the request and streams sessionID's notifications
// until the client disconnects or the session's bus subscription is
// dropped (session close).
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !h.facade.SessionExists(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	sub, err := h.bus.Subscribe(sessionID)
	if err != nil {
		h.logger.Warn("failed to subscribe websocket client", zap.String("session_id", sessionID), zap.Error(err))
		_ = conn.Close()
		return
	}

	go h.pump(conn, sub, sessionID)
}

func (h *Handler) pump(conn *websocket.Conn, sub notify.Subscription, sessionID string) {
	defer func() {
		sub.Unsubscribe()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Discard anything the client sends; this is a push-only feed. Reading
	// drives the pong handler and detects client disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				h.logger.Debug("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
