// Package api exposes the router over HTTP: message ingress, the discovery
// registry (including the federation lookup peers call), statistics, metrics
// and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/a2a"
	"github.com/praxis/a2a-router/internal/bus"
	"github.com/praxis/a2a-router/internal/config"
	"github.com/praxis/a2a-router/internal/discovery"
	"github.com/praxis/a2a-router/internal/logger"
	"github.com/praxis/a2a-router/internal/router"
)

// MessageRouter is the slice of *router.Router the API needs.
type MessageRouter interface {
	RouteMessage(ctx context.Context, msg *a2a.Message) *a2a.MessageReceipt
	GetStatistics() router.Statistics
}

// Directory is the slice of *discovery.Service the API needs.
type Directory interface {
	RegisterAgent(ctx context.Context, profile *a2a.AgentProfile) error
	UnregisterAgent(ctx context.Context, id string) error
	LocalAgent(id string) (*a2a.AgentProfile, bool)
	DiscoverAgents(ctx context.Context, q discovery.Query) ([]*a2a.AgentProfile, error)
	UpdateAgentStatus(ctx context.Context, id string, status a2a.AgentStatus) error
	GetAvailableCapabilities() []string
	GetCategories() []discovery.CategoryCount
	Count() int
}

type Deps struct {
	RouterID   string
	Router     MessageRouter
	Discovery  Directory
	EventBus   *bus.EventBus
	Metrics    http.Handler
	Transports []a2a.TransportKind
}

// APIServer provides the HTTP API for the router
type APIServer struct {
	config     config.HTTPConfig
	deps       Deps
	httpServer *http.Server
	router     *gin.Engine
	gateway    *WebSocketGateway
	limiter    *clientLimiter
	logger     *logrus.Logger
	log        *logger.ContextualLogger
	started    time.Time
}

// NewAPIServer creates a new API server
func NewAPIServer(cfg config.HTTPConfig, deps Deps, log *logrus.Logger) *APIServer {
	if log == nil {
		log = logrus.New()
	}
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{
				"Origin", "Content-Type", "Accept",
				"X-A2A-Protocol-Version", "X-A2A-Message-ID",
			},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	s := &APIServer{
		config:  cfg,
		deps:    deps,
		router:  engine,
		logger:  log,
		log:     logger.NewContextualLogger(log),
		started: time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.Burst)
	}
	if deps.Router != nil {
		s.gateway = NewWebSocketGateway(deps.EventBus, deps.Router, log)
	}

	s.registerRoutes()
	return s
}

// Handler returns the gin engine, e.g. for httptest.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Start starts the API server
func (s *APIServer) Start() error {
	if !s.config.Enabled {
		s.logger.Info("HTTP server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Infof("Starting HTTP server on %s", addr)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.gateway != nil {
		s.gateway.Stop()
	}
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

func (s *APIServer) registerRoutes() {
	s.router.GET("/health", s.getHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	limited := s.router.Group("/")
	if s.limiter != nil {
		limited.Use(s.limiter.middleware())
	}

	if s.deps.Router != nil {
		limited.POST("/a2a/messages", s.postMessage)
		limited.GET("/stats", s.getStats)
		limited.GET("/a2a/ws", s.gateway.inboundHandler)
		limited.GET("/ws/events", s.gateway.eventsHandler)
	}

	if s.deps.Discovery != nil {
		limited.GET("/agents", s.listAgents)
		limited.POST("/agents", s.registerAgent)
		limited.GET("/agents/:id", s.getAgent)
		limited.DELETE("/agents/:id", s.unregisterAgent)
		limited.PATCH("/agents/:id/status", s.updateAgentStatus)
		limited.GET("/capabilities", s.getCapabilities)
		limited.GET("/categories", s.getCategories)
	}
}
