// Package server exposes the engine over HTTP: intention intake, mission
// inspection, cancellation, agent liveness, and the response websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"atrium/internal/delivery"
	"atrium/internal/health"
	"atrium/internal/id"
	"atrium/internal/logging"
	"atrium/internal/mission"
	"atrium/internal/state"
)

// IntentionSink accepts building-assistant intentions for orchestration.
type IntentionSink interface {
	HandleIntention(ctx context.Context, intent mission.Intention) (string, error)
}

// MissionControl cancels running missions.
type MissionControl interface {
	Cancel(ctx context.Context, missionID string) error
}

// Config holds the HTTP server settings.
type Config struct {
	Addr         string
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the standard server settings.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server wires the HTTP surface around the engine components.
type Server struct {
	director IntentionSink
	control  MissionControl
	store    state.Store
	monitor  *health.Monitor
	hub      *delivery.Hub
	logger   logging.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers all routes.
func New(cfg Config, director IntentionSink, control MissionControl, store state.Store, monitor *health.Monitor, hub *delivery.Hub, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		director: director,
		control:  control,
		store:    store,
		monitor:  monitor,
		hub:      hub,
		logger:   logging.OrNop(logger),
		engine:   gin.New(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.Default())
	s.routes()

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/intentions", s.handleIntention)
		v1.GET("/missions/:id", s.handleGetMission)
		v1.POST("/missions/:id/cancel", s.handleCancelMission)
		v1.GET("/agents", s.handleAgents)
	}

	s.engine.GET("/ws/:session", s.handleWebSocket)
}

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type intentionRequest struct {
	SessionID  string          `json:"session_id" binding:"required"`
	Type       string          `json:"type" binding:"required"`
	Parameters json.RawMessage `json:"parameters"`
}

func (s *Server) handleIntention(c *gin.Context) {
	var req intentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	intent := mission.Intention{
		IntentionID: id.NewCorrelationID(),
		SessionID:   req.SessionID,
		Type:        req.Type,
		Parameters:  req.Parameters,
		ReceivedAt:  time.Now().UTC(),
	}

	missionID, err := s.director.HandleIntention(c.Request.Context(), intent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if missionID == "" {
		// Unsupported intention type: the rejection response travels on the
		// session's event stream, not this request.
		c.JSON(http.StatusAccepted, gin.H{
			"intention_id": intent.IntentionID,
			"accepted":     false,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"intention_id": intent.IntentionID,
		"mission_id":   missionID,
		"accepted":     true,
	})
}

func (s *Server) handleGetMission(c *gin.Context) {
	missionID := c.Param("id")

	m, err := s.store.GetMission(c.Request.Context(), missionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	tasks, err := s.store.ListTasks(c.Request.Context(), missionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mission": m,
		"tasks":   tasks,
	})
}

func (s *Server) handleCancelMission(c *gin.Context) {
	missionID := c.Param("id")

	if err := s.control.Cancel(c.Request.Context(), missionID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"mission_id": missionID, "cancelling": true})
}

func (s *Server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.monitor.Snapshot()})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("session")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session required"})
		return
	}
	if err := s.hub.Attach(c.Writer, c.Request, sessionID); err != nil {
		s.logger.Warn("websocket attach failed for session %s: %v", sessionID, err)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
