package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"copytrade-engine/internal/coordinator"
	"copytrade-engine/internal/events"
	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/monitor"
	"copytrade-engine/internal/parser"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Executor fans a parsed signal out to every subscriber account of one
// exchange and aggregates the per-subscriber outcomes.
type Executor interface {
	Execute(ctx context.Context, signal *parser.Signal) (*coordinator.GroupResult, error)
}

// Monitor exposes the tracking operations the API needs.
type Monitor interface {
	Track(ctx context.Context, signal *monitor.MonitoredSignal)
	Stats() monitor.Stats
	Signals() []*monitor.MonitoredSignal
	Remove(ctx context.Context, key string) bool
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	ProductionMode bool
	JWTSecret      string
	AllowedOrigins []string
}

// Server exposes engine state and signal submission over HTTP
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      Config
	signals     *parser.Parser
	executors   map[exchange.Kind]Executor
	engine      Monitor
	bus         *events.EventBus
	jwtManager  *JWTManager
	authEnabled bool
	logger      *logging.Logger
	startedAt   time.Time
}

// NewServer creates the API server. Mutating routes require a bearer
// token when a JWT secret is configured; with an empty secret they are
// open, which is only sensible on a private interface.
func NewServer(
	config Config,
	signals *parser.Parser,
	executors map[exchange.Kind]Executor,
	engine Monitor,
	bus *events.EventBus,
	logger *logging.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      config,
		signals:     signals,
		executors:   executors,
		engine:      engine,
		bus:         bus,
		authEnabled: config.JWTSecret != "",
		logger:      logger.WithComponent("APIServer"),
		startedAt:   time.Now(),
	}
	if server.authEnabled {
		server.jwtManager = NewJWTManager(config.JWTSecret, 24*time.Hour)
	}

	server.setupRoutes()
	return server
}

// JWTManager returns the token manager, nil when auth is disabled.
func (s *Server) JWTManager() *JWTManager {
	return s.jwtManager
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/signals", s.handleListSignals)

	mutating := s.router.Group("/api")
	if s.authEnabled {
		mutating.Use(authMiddleware(s.jwtManager))
	}
	mutating.POST("/signals", s.handleSubmitSignal)
	mutating.DELETE("/signals/:key", s.handleRemoveSignal)
}

// Start runs the HTTP server until it is shut down
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats := s.engine.Stats()

	exchanges := make([]string, 0, len(s.executors))
	for kind := range s.executors {
		exchanges = append(exchanges, string(kind))
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime":        time.Since(s.startedAt).String(),
		"exchanges":     exchanges,
		"auth_enabled":  s.authEnabled,
		"total":         stats.Total,
		"waiting_entry": stats.WaitingEntry,
		"active":        stats.Active,
		"completed":     stats.Completed,
	})
}

func (s *Server) handleListSignals(c *gin.Context) {
	signals := s.engine.Signals()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(signals),
		"signals": signals,
	})
}

// submitRequest is the body of POST /api/signals
type submitRequest struct {
	Channel   string `json:"channel" binding:"required"`
	MessageID string `json:"message_id" binding:"required"`
	Exchange  string `json:"exchange" binding:"required"`
	Text      string `json:"text" binding:"required"`
	// MonitorOnly tracks the signal without placing orders
	MonitorOnly bool `json:"monitor_only"`
}

// submitResult reports the outcome for one parsed signal
type submitResult struct {
	Key       string                   `json:"key"`
	Symbol    string                   `json:"symbol"`
	Side      string                   `json:"side"`
	Executed  bool                     `json:"executed"`
	Error     string                   `json:"error,omitempty"`
	Execution *coordinator.GroupResult `json:"execution,omitempty"`
}

func (s *Server) handleSubmitSignal(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := exchange.Kind(req.Exchange)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown exchange %q", req.Exchange)})
		return
	}

	executor := s.executors[kind]
	if executor == nil && !req.MonitorOnly {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("exchange %q is not configured for execution", req.Exchange)})
		return
	}

	parsed, err := s.signals.Parse(req.Text, req.Channel, req.MessageID)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	results := make([]submitResult, 0, len(parsed))
	for i := range parsed {
		signal := &parsed[i]
		s.bus.PublishSignalParsed(signal.Channel, signal.Symbol, signal.Side,
			signal.Entries, signal.TakeProfits, signal.StopLoss)

		result := submitResult{Symbol: signal.Symbol, Side: signal.Side}
		tracked := monitor.NewMonitoredSignal(signal, kind)

		if !req.MonitorOnly {
			execution, execErr := executor.Execute(ctx, signal)
			if execErr != nil {
				result.Error = execErr.Error()
				result.Execution = execution
				s.logger.WithError(execErr).Error("signal execution failed for %s", signal.Symbol)
			} else {
				result.Executed = execution.Succeeded > 0
				result.Execution = execution
				adoptExecution(tracked, execution)
			}
		}

		if result.Executed || req.MonitorOnly {
			s.engine.Track(ctx, tracked)
			result.Key = tracked.Key.String()
		}
		results = append(results, result)
	}

	status := http.StatusOK
	if len(results) == 1 && results[0].Error != "" {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"count":   len(results),
		"results": results,
	})
}

// adoptExecution copies the fan-out outcome onto the tracked signal so
// monitoring starts from what was actually placed: the fill price, the
// aggregate size, every subscriber trade binding, and the resting DCA
// order ids across all subscriber accounts.
func adoptExecution(tracked *monitor.MonitoredSignal, execution *coordinator.GroupResult) {
	if execution.ActualEntry > 0 {
		tracked.ActualEntryPrice = execution.ActualEntry
		tracked.State = monitor.StateActive
	}
	if execution.TotalSize > 0 {
		tracked.PositionSize = execution.TotalSize
	}
	for _, binding := range execution.Bindings {
		tracked.Trades = append(tracked.Trades, monitor.TradeRef{
			Subscriber: binding.Subscriber,
			OrderID:    binding.OrderID,
			Size:       binding.Size,
		})
	}
	for _, sub := range execution.Results {
		if sub.Execution == nil {
			continue
		}
		for _, order := range sub.Execution.DCAOrders {
			if order != nil && order.ID != "" {
				tracked.DCAOrderIDs = append(tracked.DCAOrderIDs, order.ID)
			}
		}
	}
}

func (s *Server) handleRemoveSignal(c *gin.Context) {
	key := c.Param("key")
	if !s.engine.Remove(c.Request.Context(), key) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no tracked signal with key %q", key)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": key})
}
