package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local single-user host; the socket binds to loopback.
		return true
	},
}

// Server terminates the IPC websocket endpoint.
type Server struct {
	dispatcher *Dispatcher
	registry   *SessionRegistry
	logger     *logger.Logger
	httpServer *http.Server
}

// NewServer builds the gin engine and routes.
func NewServer(dispatcher *Dispatcher, registry *SessionRegistry, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		registry:   registry,
		logger:     log.WithFields(zap.String("component", "host")),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", s.handleConnection)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": registry.Count(),
		})
	})

	s.httpServer = &http.Server{Handler: engine}
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("host listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("host server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleConnection upgrades HTTP to websocket and runs the pumps.
func (s *Server) handleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	s.logger.Debug("client connected", zap.String("remote_addr", c.Request.RemoteAddr))

	client := newConn(ws, s.dispatcher, s.registry, s.logger)
	go client.writePump()
	client.readPump(c.Request.Context())
}
