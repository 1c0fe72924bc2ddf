// Package httpapi provides the reference REST transport over the
// Read-With-Wait Façade (C8), grounded on the teacher's
// agentctl/api.ControlServer: one gin.Engine, one handler method per
// route, JSON bodies in and out.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/cdbsrv/internal/facade"
	"github.com/kandev/cdbsrv/internal/logger"
	"github.com/kandev/cdbsrv/internal/transport/wsnotify"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
)

// Server is the reference REST transport for the system's public
// operations.
type Server struct {
	facade *facade.Facade
	ws     *wsnotify.Handler
	logger *logger.Logger
	router *gin.Engine
	http   *http.Server
}

// New constructs a Server bound to addr, serving f's operations over the
// shape described in spec §6. ws may be nil to disable the live
// notification stream route.
func New(addr string, f *facade.Facade, ws *wsnotify.Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		facade: f,
		ws:     ws,
		logger: log.WithFields(zap.String("component", "http-api")),
		router: gin.New(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

// Router exposes the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleCloseSession)

	api.POST("/sessions/:id/commands", s.handleEnqueueCommand)
	api.GET("/sessions/:id/commands", s.handleListCommands)
	api.GET("/sessions/:id/commands/:cmdId", s.handleReadCommandResult)
	api.DELETE("/sessions/:id/commands/:cmdId", s.handleCancelCommand)

	if s.ws != nil {
		api.GET("/sessions/:id/notifications", s.handleNotifications)
	}
}

func (s *Server) handleNotifications(c *gin.Context) {
	s.ws.ServeSession(c.Writer, c.Request, c.Param("id"))
}

// Start begins serving in a goroutine, returning once the listener is up
// or setup fails.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	DumpPath    string `json:"dump_path" binding:"required"`
	SymbolsPath string `json:"symbols_path"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(v1.ErrorInvalidInput, err.Error()))
		return
	}

	sess, err := s.facade.CreateSession(c.Request.Context(), req.DumpPath, req.SymbolsPath)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.facade.ListSessions())
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.facade.GetSession(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody(v1.ErrorNotFound, "session "+id+" not found"))
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCloseSession(c *gin.Context) {
	id := c.Param("id")
	reason := c.Query("reason")
	if reason == "" {
		reason = "closed via API"
	}
	if err := s.facade.CloseSession(c.Request.Context(), id, reason); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": "closed"})
}

type enqueueCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleEnqueueCommand(c *gin.Context) {
	id := c.Param("id")
	var req enqueueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(v1.ErrorInvalidInput, err.Error()))
		return
	}

	rec, err := s.facade.EnqueueCommand(id, req.Command)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "command_id": rec.ID, "state": rec.State})
}

func (s *Server) handleListCommands(c *gin.Context) {
	id := c.Param("id")
	views, err := s.facade.ListCommands(id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleReadCommandResult(c *gin.Context) {
	id := c.Param("id")
	cmdID := c.Param("cmdId")

	maxWait := 0 * time.Second
	if raw := c.Query("max_wait_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(v1.ErrorInvalidInput, "max_wait_seconds must be an integer"))
			return
		}
		maxWait = time.Duration(secs) * time.Second
	}

	view, err := s.facade.ReadCommandResult(id, cmdID, maxWait)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleCancelCommand(c *gin.Context) {
	id := c.Param("id")
	cmdID := c.Param("cmdId")
	reason := c.Query("reason")
	if reason == "" {
		reason = "cancelled via API"
	}

	if err := s.facade.CancelCommand(id, cmdID, reason); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "command_id": cmdID, "state": "cancelled"})
}

func (s *Server) respondError(c *gin.Context, err error) {
	kind := v1.KindOf(err)
	c.JSON(statusFor(kind), errorBody(kind, err.Error()))
}

func errorBody(kind v1.ErrorKind, message string) gin.H {
	return gin.H{"error": message, "kind": kind}
}

func statusFor(kind v1.ErrorKind) int {
	switch kind {
	case v1.ErrorInvalidInput:
		return http.StatusBadRequest
	case v1.ErrorNotFound:
		return http.StatusNotFound
	case v1.ErrorResourceLimit:
		return http.StatusTooManyRequests
	case v1.ErrorSessionNotActive, v1.ErrorCancelled:
		return http.StatusConflict
	case v1.ErrorCommandTimeout:
		return http.StatusGatewayTimeout
	case v1.ErrorChildStartupFailure, v1.ErrorChildFault:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
