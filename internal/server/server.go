// Package server wires the Sentinel HTTP service: middleware stack,
// behavioral gates, privileged execution, and operational endpoints.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq"

	"github.com/fintrust/sentinel/internal/anomaly"
	"github.com/fintrust/sentinel/internal/behavior"
	"github.com/fintrust/sentinel/internal/chain"
	"github.com/fintrust/sentinel/internal/config"
	"github.com/fintrust/sentinel/internal/guard"
	"github.com/fintrust/sentinel/internal/health"
	"github.com/fintrust/sentinel/internal/logging"
	"github.com/fintrust/sentinel/internal/metrics"
	"github.com/fintrust/sentinel/internal/privileged"
	"github.com/fintrust/sentinel/internal/ratelimit"
	"github.com/fintrust/sentinel/internal/realtime"
	"github.com/fintrust/sentinel/internal/security"
)

// MaxRequestSize limits request bodies to 1MB.
const MaxRequestSize = 1 << 20

// Version reported by info/health endpoints.
const Version = "0.1.0"

// Server is the Sentinel HTTP service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	router      *gin.Engine
	httpSrv     *http.Server
	rateLimiter *ratelimit.Limiter

	historyStore behavior.Store
	auditStore   anomaly.Store
	execStore    privileged.Store

	detector   *anomaly.Detector
	gate       *guard.Gate
	authorizer *privileged.Authorizer
	sink       privileged.Sink
	submitter  *chain.Submitter

	hub       *realtime.Hub
	healthReg *health.Registry

	healthy      atomic.Bool
	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSink sets a custom privileged sink (useful for testing).
func WithSink(sink privileged.Sink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// New creates a fully wired server.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.healthReg = health.NewRegistry()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		s.healthReg.Register("database", health.DatabaseChecker("database", db))

		historyStore := behavior.NewPostgresStore(db)
		if err := historyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate behavior store", "error", err)
		}
		s.historyStore = historyStore

		auditStore := anomaly.NewPostgresStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate verdict store", "error", err)
		}
		s.auditStore = auditStore

		execStore := privileged.NewPostgresStore(db)
		if err := execStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate execution store", "error", err)
		}
		s.execStore = execStore
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		s.historyStore = behavior.NewMemoryStore()
		s.auditStore = anomaly.NewMemoryStore()
		s.execStore = privileged.NewMemoryStore()
	}

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Detection pipeline
	s.detector = anomaly.NewDetector(s.historyStore).
		WithAuditStore(s.auditStore).
		WithLogger(logging.Component(s.logger, "detector")).
		WithWindowLimit(cfg.BaselineWindow).
		WithOverallThreshold(cfg.OverallAnomalyThreshold)

	s.gate = guard.New(s.detector, logging.Component(s.logger, "guard")).
		WithNotifier(s.hub)

	// Privileged sink: real decision contract when configured, otherwise
	// the simulator (demo mode).
	if s.sink == nil {
		if cfg.ChainEnabled() {
			submitter, err := chain.New(chain.Config{
				RPCURL:          cfg.RPCURL,
				PrivateKey:      cfg.PrivateKey,
				ChainID:         cfg.ChainID,
				ContractAddress: cfg.ContractAddress,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create chain submitter: %w", err)
			}
			s.submitter = submitter
			s.sink = submitter
			s.logger.Info("decision contract enabled",
				"contract", cfg.ContractAddress,
				"signer", submitter.Address(),
				"chain_id", cfg.ChainID,
			)
		} else {
			s.sink = chain.NewSimulator(logging.Component(s.logger, "simulator"))
			s.logger.Info("no chain credentials, using simulated decision sink")
		}
	}

	s.authorizer = privileged.NewAuthorizer(s.sink, s.execStore, logging.Component(s.logger, "privileged")).
		WithScoreLimit(cfg.ExecutionScoreLimit).
		WithNotify(s.hub.NotifyExecution)

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

	// Request size limit
	s.router.Use(requestSizeMiddleware(MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

// requestSizeMiddleware rejects bodies larger than maxBytes.
func requestSizeMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": fmt.Sprintf("Request body must not exceed %d bytes", maxBytes),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.statusHandler)

		anomalyHandler := anomaly.NewHandler(s.detector, s.auditStore)
		anomalyHandler.RegisterRoutes(api)

		// Privileged operations run behind the access gate so the
		// authorizer can reuse the request's verdict.
		privilegedGroup := api.Group("")
		privilegedGroup.Use(s.gate.Middleware())
		privilegedHandler := privileged.NewHandler(s.authorizer, s.detector, s.execStore)
		privilegedHandler.RegisterRoutes(privilegedGroup)

		// Demo business surface behind the access gate
		secure := api.Group("/secure")
		secure.Use(s.gate.Middleware())
		{
			secure.GET("/profile", s.profileHandler)
			secure.POST("/transfer", s.transferHandler)
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "sentinel",
		"version": Version,
		"docs":    "/api/v1/status",
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "sentinel",
		"version": Version,
		"model": gin.H{
			"baselineWindow":   s.cfg.BaselineWindow,
			"overallThreshold": s.cfg.OverallAnomalyThreshold,
			"executionLimit":   s.cfg.ExecutionScoreLimit,
			"weights": gin.H{
				"typing":   anomaly.WeightTyping,
				"touch":    anomaly.WeightTouch,
				"location": anomaly.WeightLocation,
				"session":  anomaly.WeightSession,
				"device":   anomaly.WeightDevice,
			},
		},
		"chainEnabled": s.cfg.ChainEnabled(),
		"realtime":     s.hub.Stats(),
	})
}

// profileHandler is a demo endpoint behind the access gate.
func (s *Server) profileHandler(c *gin.Context) {
	userID, _ := guard.UserIDFrom(c)
	resp := gin.H{"userId": userID}
	if v, ok := guard.VerdictFrom(c); ok {
		resp["riskLevel"] = v.RiskLevel
	}
	c.JSON(http.StatusOK, resp)
}

// transferHandler is a demo privileged endpoint: it routes the operation
// through the privileged-execution gate using the request's verdict.
func (s *Server) transferHandler(c *gin.Context) {
	var req struct {
		Amount    string `json:"amount" binding:"required"`
		Recipient string `json:"recipient" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	verdict, ok := guard.VerdictFrom(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_principal",
			"message": "X-User-ID header is required",
		})
		return
	}

	rec := s.authorizer.Authorize(c.Request.Context(), verdict, "LEDGER_TRANSFER", map[string]any{
		"amount":    req.Amount,
		"recipient": req.Recipient,
	})

	status := http.StatusOK
	if rec.Status == privileged.StatusBlocked {
		status = http.StatusForbidden
	}
	c.JSON(status, rec)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	checks := make(map[string]string)
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   Version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Collect DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain client
	if s.submitter != nil {
		s.submitter.Close()
		s.logger.Info("chain client closed")
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
