// Package server wires the metering service's stores, engines and routes
// into one HTTP server.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/shijo-seo/shijo/internal/auth"
	"github.com/shijo-seo/shijo/internal/billing"
	"github.com/shijo-seo/shijo/internal/burst"
	"github.com/shijo-seo/shijo/internal/circuitbreaker"
	"github.com/shijo-seo/shijo/internal/config"
	"github.com/shijo-seo/shijo/internal/health"
	"github.com/shijo-seo/shijo/internal/logging"
	"github.com/shijo-seo/shijo/internal/metrics"
	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/quota"
	"github.com/shijo-seo/shijo/internal/ratelimit"
	"github.com/shijo-seo/shijo/internal/reconciliation"
	"github.com/shijo-seo/shijo/internal/security"
	"github.com/shijo-seo/shijo/internal/usage"
	"github.com/shijo-seo/shijo/internal/validation"
	"github.com/shijo-seo/shijo/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	catalog *plans.Catalog
	store   usage.Store

	engine     *quota.Engine
	recorder   *quota.Recorder
	burst      *burst.Service
	reactor    *billing.Reactor
	reconciler *reconciliation.Service
	reconTimer *reconciliation.Timer

	authMgr        *auth.Manager
	health         *health.Registry
	webhookLimiter *ratelimit.Limiter
	adminLimiter   *ratelimit.Limiter

	db           *sql.DB       // nil if using in-memory
	rdb          *redis.Client // nil without REDIS_URL
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore replaces the ledger chosen from config (for testing)
func WithStore(store usage.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.RedisURL != "" {
		if err := s.openRedis(ctx); err != nil {
			s.closeStores()
			return nil, err
		}
	}

	s.catalog = plans.DefaultCatalog(cfg.CatalogOptions()...)

	s.burst = burst.NewService(s.store, burst.NewEvaluator(burst.DefaultPolicy))
	s.engine = quota.NewEngine(s.catalog, s.store, s.burst)
	s.recorder = quota.NewRecorder(s.catalog, s.store)
	s.reactor = billing.NewReactor(s.catalog, s.store)

	s.reconciler = reconciliation.NewService(s.store, s.catalog,
		reconciliation.WithRetentionDays(cfg.DailyRetentionDays),
	)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.authMgr = auth.NewManager(strings.Split(cfg.ServiceAPIKey, ","), cfg.AdminSecret)
	if s.authMgr.Open() {
		s.logger.Warn("no SERVICE_API_KEY configured, metering routes are unauthenticated")
	} else {
		s.logger.Info("API authentication enabled")
	}
	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("no STRIPE_WEBHOOK_SECRET configured, billing webhook disabled")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStore selects Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = usage.NewMemoryStore()
		s.logger.Warn("using in-memory storage, usage is lost on restart")
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

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.db = db
	s.store = usage.NewPostgresStore(db)
	s.health.Register("postgres", db.PingContext)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// openRedis moves free-tier daily counters to Redis behind a breaker.
func (s *Server) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.rdb = rdb
	daily := usage.GuardDailyStore(
		usage.NewRedisDailyStore(rdb, s.cfg.DailyRetentionDays),
		circuitbreaker.New("redis", 5, 15*time.Second),
	)
	s.store = usage.WithDailyStore(s.store, daily)
	s.health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	s.logger.Info("using Redis for daily counters", "url", maskDSN(s.cfg.RedisURL))
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
	s.router.Use(auth.Middleware(s.authMgr))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if userID := c.Param("userId"); userID != "" {
			ctx = logging.WithUserID(ctx, userID)
		}
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
		logger := logging.L(c.Request.Context())

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
		case path == "/metrics" || strings.HasPrefix(path, "/health"):
			// probes are too frequent to log
		default:
			logger.Debug("request completed",
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
	s.router.GET("/health/live", health.LiveHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(validation.UserIDParamMiddleware())

	// Product services: access checks, usage recording, summaries
	metered := v1.Group("")
	metered.Use(auth.RequireService(s.authMgr))
	quota.NewHandler(s.engine, s.recorder, s.store).RegisterRoutes(metered)

	// Billing provider: authenticated by payload signature
	var parser billing.EventParser
	if s.cfg.StripeWebhookSecret != "" {
		parser = billing.NewStripeParser(s.cfg.StripeWebhookSecret)
	}
	billingHandler := billing.NewHandler(s.reactor, parser)

	s.webhookLimiter = ratelimit.New(ratelimit.DefaultConfig("webhook", s.cfg.WebhookRateLimit))
	webhooks := v1.Group("")
	webhooks.Use(s.webhookLimiter.Middleware(ratelimit.ClientIP))
	billingHandler.RegisterWebhookRoutes(webhooks)

	// Operators
	s.adminLimiter = ratelimit.New(ratelimit.DefaultConfig("admin", s.cfg.AdminRateLimit))
	admin := v1.Group("/admin")
	admin.Use(s.adminLimiter.Middleware(ratelimit.ClientIP))
	admin.Use(auth.RequireAdmin(s.authMgr, !s.cfg.IsProduction()))
	billingHandler.RegisterAdminRoutes(admin)
	burst.NewHandler(s.burst).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Version is reported by /health; cmd/server overrides it from ldflags.
var Version = "dev"

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	go s.reconTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.closeStores()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconTimer.Stop()
	s.webhookLimiter.Stop()
	s.adminLimiter.Stop()
	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.rdb = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
