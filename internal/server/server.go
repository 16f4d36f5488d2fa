// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/clearhold/clearhold/internal/auth"
	"github.com/clearhold/clearhold/internal/bridge"
	"github.com/clearhold/clearhold/internal/config"
	"github.com/clearhold/clearhold/internal/crosschain"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/ledger"
	"github.com/clearhold/clearhold/internal/logging"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/ratelimit"
	"github.com/clearhold/clearhold/internal/realtime"
	"github.com/clearhold/clearhold/internal/security"
	"github.com/clearhold/clearhold/internal/traces"
	"github.com/clearhold/clearhold/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	authMgr        *auth.Manager
	ledger         *ledger.Ledger
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	orchestrator   *crosschain.Orchestrator
	provider       bridge.Provider
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc         // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider sets a custom route provider (for testing)
func WithProvider(p bridge.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore escrow.Store
		ccStore     crosschain.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// API keys with Postgres
		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		// Settlement journal with Postgres
		s.ledger = ledger.New(ledger.NewPostgresStore(db))

		escrowStore = escrow.NewPostgresStore(db)
		ccStore = crosschain.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.ledger = ledger.New(ledger.NewMemoryStore())
		escrowStore = escrow.NewMemoryStore()
		ccStore = crosschain.NewMemoryStore()
	}

	// Route provider: external service when configured, simulator otherwise.
	// The choice is explicit; the HTTP provider never falls back to the
	// simulator at runtime.
	if s.provider == nil {
		if cfg.RouteProviderURL != "" {
			if err := security.ValidateEndpointURL(cfg.RouteProviderURL); err != nil {
				return nil, fmt.Errorf("ROUTE_PROVIDER_URL: %w", err)
			}
			s.provider = bridge.NewHTTPProvider(cfg.RouteProviderURL)
			s.logger.Info("route provider enabled", "url", cfg.RouteProviderURL)
		} else {
			s.provider = bridge.NewSimulator()
			s.logger.Info("using simulated route provider")
		}
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Escrow state machine
	s.escrowService = escrow.NewService(
		escrowStore,
		&escrowLedgerAdapter{s.ledger},
		cfg.SettlementNetwork,
		cfg.FeeRecipient,
	).WithPublisher(s.realtimeHub).WithLogger(s.logger)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.logger)
	s.logger.Info("escrow enabled", "settlement_network", cfg.SettlementNetwork)

	// Cross-chain settlement orchestrator
	s.orchestrator = crosschain.NewOrchestrator(
		ccStore,
		s.provider,
		&escrowReconcilerAdapter{s.escrowService},
		cfg.RouteProviderTimeout,
	).WithLogger(s.logger).WithPublisher(s.realtimeHub)
	s.logger.Info("cross-chain settlement enabled")

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	// Credential issuance is gated by the admin secret, not by an API key:
	// it bootstraps the very first credential.
	v1.POST("/admin/keys", s.issueKeyHandler)

	// Everything else requires a valid credential.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// Key management for the authenticated participant
		protected.GET("/keys", s.listKeysHandler)
		protected.DELETE("/keys/:keyId", s.revokeKeyHandler)

		// Escrow lifecycle
		escrowHandler := escrow.NewHandler(s.escrowService)
		escrowHandler.RegisterRoutes(protected)

		// Cross-chain settlement
		crosschainHandler := crosschain.NewHandler(s.orchestrator, &escrowAccessAdapter{s.escrowService})
		crosschainHandler.RegisterRoutes(protected)

		// Settlement journal per escrow
		protected.GET("/transactions/:id/settlements", s.settlementsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the health check payload
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":               "clearhold",
		"description":        "Condition-gated escrow with cross-chain settlement",
		"version":            "0.1.0",
		"settlement_network": s.cfg.SettlementNetwork,
		"endpoints": gin.H{
			"health":    "/health",
			"metrics":   "/metrics",
			"websocket": "/ws",
			"api":       "/v1",
		},
	})
}

type issueKeyRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
}

// issueKeyHandler mints an API key for a participant or a bridge principal.
// Requires the admin secret in production; open in development so local
// setups work without one.
func (s *Server) issueKeyHandler(c *gin.Context) {
	if s.cfg.AdminSecret != "" {
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.JSON(http.StatusForbidden, gin.H{"error": "authorization_error", "message": "Invalid admin secret"})
			return
		}
	} else if s.cfg.IsProduction() {
		c.JSON(http.StatusForbidden, gin.H{"error": "authorization_error", "message": "Key issuance requires ADMIN_SECRET"})
		return
	}

	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	kind := auth.Kind(req.Kind)
	if kind == "" {
		kind = auth.KindParticipant
	}
	if kind != auth.KindParticipant && kind != auth.KindBridge {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "kind must be participant or bridge"})
		return
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), req.ParticipantID, req.Name, kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to issue key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":     rawKey, // shown once, only the hash is stored
		"keyInfo": key,
	})
}

func (s *Server) listKeysHandler(c *gin.Context) {
	keys, err := s.authMgr.ListKeys(c.Request.Context(), auth.CallerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

func (s *Server) revokeKeyHandler(c *gin.Context) {
	err := s.authMgr.RevokeKey(c.Request.Context(), c.Param("keyId"), auth.CallerID(c))
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// settlementsHandler returns the journal legs recorded for an escrow. Only
// its participants (or a bridge principal) may read them.
func (s *Server) settlementsHandler(c *gin.Context) {
	id := c.Param("id")

	esc, err := s.escrowService.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load escrow"})
		return
	}
	if !esc.IsParticipant(auth.CallerID(c)) && !auth.IsBridgeCaller(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "authorization_error", "message": "Not a participant of this escrow"})
		return
	}

	entries, err := s.ledger.ListByEscrow(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list settlements"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": entries, "count": len(entries)})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow deadline sweeper
	go s.escrowTimer.Start(runCtx)

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow sweeper
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
