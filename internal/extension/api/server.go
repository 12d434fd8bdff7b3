// Package api provides the loopback-only extension callback HTTP API.
package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/common/httpmw"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/extension"
	"github.com/dbgbridge/dbgbridge/internal/session"
)

// context keys set by the auth middleware.
const (
	ctxSessionID = "extensionSessionID"
	ctxCommandID = "extensionCommandID"
)

// resultPollInterval is the status poll period while awaiting a callback
// command's result.
const resultPollInterval = 100 * time.Millisecond

// Server is the HTTP server extensions call back into. It only ever serves
// loopback clients carrying a valid capability token.
type Server struct {
	sessions        *session.Manager
	registry        *extension.Registry
	requestDeadline time.Duration
	logger          *logger.Logger
	router          *gin.Engine
}

// NewServer creates the extension callback server.
func NewServer(sessions *session.Manager, registry *extension.Registry, requestDeadline time.Duration, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sessions:        sessions,
		registry:        registry,
		requestDeadline: requestDeadline,
		logger:          log.WithFields(zap.String("component", "extension-api")),
		router:          gin.New(),
	}

	s.router.Use(httpmw.RequestLogger(s.logger, "extension-callback"))
	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	callbacks := s.router.Group("/extension-callback")
	callbacks.Use(s.requireLoopback, s.requireToken)
	{
		callbacks.POST("/execute", s.handleExecute)
		callbacks.POST("/read", s.handleRead)
		callbacks.POST("/log", s.handleLog)
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// requireLoopback rejects any client that is not 127.0.0.1/::1.
func (s *Server) requireLoopback(c *gin.Context) {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		s.logger.Warn("non-loopback callback rejected", zap.String("remote", c.Request.RemoteAddr))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "extension callbacks are loopback-only"})
		return
	}
	c.Next()
}

// requireToken validates the bearer token and stashes its binding on the
// request context.
func (s *Server) requireToken(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	value, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	sessionID, commandID, valid := s.registry.Validate(strings.TrimSpace(value))
	if !valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	c.Set(ctxSessionID, sessionID)
	c.Set(ctxCommandID, commandID)
	c.Next()
}
