// Package server wires the escrow core into an HTTP service
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

	"github.com/mbd888/escrowcore/internal/auth"
	"github.com/mbd888/escrowcore/internal/circuitbreaker"
	"github.com/mbd888/escrowcore/internal/config"
	"github.com/mbd888/escrowcore/internal/escrow"
	"github.com/mbd888/escrowcore/internal/health"
	"github.com/mbd888/escrowcore/internal/idgen"
	"github.com/mbd888/escrowcore/internal/logging"
	"github.com/mbd888/escrowcore/internal/metrics"
	"github.com/mbd888/escrowcore/internal/notify"
	"github.com/mbd888/escrowcore/internal/ratelimit"
	"github.com/mbd888/escrowcore/internal/reconciliation"
	"github.com/mbd888/escrowcore/internal/realtime"
	"github.com/mbd888/escrowcore/internal/reputation"
	"github.com/mbd888/escrowcore/internal/security"
	"github.com/mbd888/escrowcore/internal/traces"
	"github.com/mbd888/escrowcore/internal/validation"
	"github.com/mbd888/escrowcore/migrations"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         escrow.Store
	manager       *escrow.Manager
	resolver      *escrow.Resolver
	tracker       *reputation.Tracker
	escrowTimer   *escrow.Timer
	reconciler    *reconciliation.Timer
	realtimeHub   *realtime.Hub
	redisStream   *notify.RedisStream
	notifier      *notify.Fanout
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithStore overrides the store selected from config (for testing)
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.setupStore(ctx); err != nil {
		return nil, err
	}

	// Events fan out to the log, the websocket hub and, when configured,
	// the Redis stream the chat layer reads.
	s.realtimeHub = realtime.NewHub(s.logger)
	s.notifier = notify.NewFanout().
		Add("log", notify.NewLogNotifier(s.logger)).
		Add("websocket", s.realtimeHub)

	if cfg.RedisURL != "" {
		rs, err := notify.NewRedisStream(cfg.RedisURL, cfg.EventStream)
		if err != nil {
			return nil, err
		}
		s.redisStream = rs
		s.notifier.Add("redis", notify.Guarded("redis", rs, circuitbreaker.New(5, 30*time.Second)))
		s.health.Register("redis", health.PingChecker("redis", rs))
		s.logger.Info("event stream publishing enabled", "stream", cfg.EventStream)
	}

	s.tracker = reputation.NewTracker(s.store, reputation.Weights{
		Completed: cfg.ReputationCompletedWeight,
		Loss:      cfg.ReputationLossWeight,
		Max:       cfg.ReputationMaxScore,
	})
	s.manager = escrow.NewManager(s.store, s.tracker).
		WithNotifier(s.notifier).
		WithLogger(s.logger).
		WithTTL(cfg.TransactionTTL)
	s.resolver = escrow.NewResolver(s.manager)
	s.escrowTimer = escrow.NewTimer(s.manager, s.store, cfg.ExpiryInterval, s.logger)

	s.health.Register("store", health.PingChecker("store", s.store))
	s.reconciler = reconciliation.NewTimer(reconciliation.NewAuditor(s.store), cfg.ReconcileInterval, s.logger)

	s.health.Register("expiry_timer", health.RunningChecker("expiry_timer", s.escrowTimer.Running))
	s.health.Register("reconciliation", health.RunningChecker("reconciliation", s.reconciler.Running))

	if cfg.SystemToken == "" || cfg.AdminToken == "" {
		s.logger.Warn("system or admin token not set; those roles are disabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.store = escrow.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (load balancer, chat layer)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

		ctx := c.Request.Context()
		if id, ok := auth.Caller(c); ok {
			ctx = logging.WithActor(ctx, id.ID)
		}
		logger := logging.L(ctx)

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authenticator := auth.NewAuthenticator(s.cfg.SystemToken, s.cfg.AdminToken)

	// Live event stream; filters come from ?transaction= and ?actor=
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(authenticator))
	v1.Use(s.rateLimiter.Middleware())

	escrowHandler := escrow.NewHandler(s.manager, s.resolver)
	escrowHandler.RegisterRoutes(v1)
	reputation.NewHandler(s.tracker).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireActor())
	escrowHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	admin.GET("/realtime", s.realtimeStatsHandler)
	admin.GET("/reconciliation", s.reconciliationReportHandler)
	admin.POST("/reconciliation", s.reconciliationRunHandler)
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
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
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func (s *Server) reconciliationReportHandler(c *gin.Context) {
	report := s.reconciler.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

func (s *Server) reconciliationRunHandler(c *gin.Context) {
	report, err := s.reconciler.RunNow(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: websocket hub, expiry and
// reconciliation timers, and database pool metrics. Run calls it; tests may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconciler.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	s.Start(ctx)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the timer before the store goes away
	s.escrowTimer.Stop()
	s.reconciler.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("background timers and realtime hub stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redisStream != nil {
		if err := s.redisStream.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
