// Package server wires the HTTP server, stores, and gateway client together.
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/unijobs/platform/internal/account"
	"github.com/unijobs/platform/internal/config"
	"github.com/unijobs/platform/internal/gateway"
	"github.com/unijobs/platform/internal/health"
	"github.com/unijobs/platform/internal/identity"
	"github.com/unijobs/platform/internal/logging"
	"github.com/unijobs/platform/internal/metrics"
	"github.com/unijobs/platform/internal/notification"
	"github.com/unijobs/platform/internal/ratelimit"
	"github.com/unijobs/platform/internal/reconcile"
	"github.com/unijobs/platform/internal/security"
	"github.com/unijobs/platform/internal/traces"
	"github.com/unijobs/platform/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	gateway     *gateway.Client
	users       identity.Store
	resolver    *identity.Resolver
	accounts    account.Store
	reconciler  *reconcile.Reconciler
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc
	stopTracing func(context.Context) error

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

// WithGatewayClient injects a gateway client (for testing against a mock
// gateway server).
func WithGatewayClient(c *gateway.Client) Option {
	return func(s *Server) {
		s.gateway = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, in-memory otherwise.
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

		userStore := identity.NewPostgresStore(db)
		if err := userStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate user store", "error", err)
		}
		s.users = userStore

		accountStore := account.NewPostgresStore(db)
		if err := accountStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate account store", "error", err)
		}
		s.accounts = accountStore
	} else {
		s.users = identity.NewMemoryStore()
		s.accounts = account.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.resolver = identity.NewResolver(s.users)

	// Gateway client if not injected.
	if s.gateway == nil {
		client, err := gateway.New(gateway.Config{
			BaseURL:     cfg.GatewayBaseURL,
			AccessToken: cfg.GatewayAccessToken,
			Timeout:     cfg.GatewayTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway client: %w", err)
		}
		s.gateway = client
	}

	s.reconciler = reconcile.New(s.gateway, s.resolver, s.accounts)

	// Health probes.
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DatabaseChecker(s.db))
	} else {
		s.healthReg.Register("database", health.StaticChecker("database", true, "in-memory"))
	}
	s.healthReg.Register("gateway", health.GatewayChecker(s.gateway))

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Event ID
	s.router.Use(s.eventIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// The rate limiter is attached per-group in setupRoutes: the webhook
	// path must never be throttled.
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
}

// eventIDMiddleware tags every request with an identifier that follows the
// notification through reconciliation logs.
func (s *Server) eventIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID := c.GetHeader("X-Event-ID")
		if eventID == "" {
			eventID = generateEventID()
		}

		ctx := logging.WithEventID(c.Request.Context(), eventID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Event-ID", eventID)

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

	s.router.GET("/api", s.infoHandler)

	// Gateway notifications. No rate limiting here: a throttled delivery is
	// a delayed credit, and the gateway retries on its own schedule anyway.
	webhookHandler := notification.NewHandler(s.reconciler, notification.ProbeInfo{
		GatewayConfigured: s.cfg.GatewayAccessToken != "" && s.cfg.GatewayBaseURL != "",
		GatewayBaseURL:    s.cfg.GatewayBaseURL,
	})
	webhookHandler.RegisterRoutes(s.router.Group("/"))

	// V1 API group for browser-facing reads and admin operations.
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())

	accounts := v1.Group("/")
	accounts.Use(validation.AccountRefParamMiddleware())
	accountHandler := account.NewHandler(s.accounts, &resolverAdapter{s.resolver})
	accountHandler.RegisterRoutes(accounts)

	// Manual replay: support looks up a payment id from a user report and
	// re-runs the exact reconciliation path. Idempotency makes this safe for
	// payments that already landed.
	admin := v1.Group("/admin")
	admin.Use(validation.PaymentIDParamMiddleware())
	admin.POST("/reconcile/:paymentId", s.replayHandler)
}

// replayHandler handles POST /v1/admin/reconcile/:paymentId
func (s *Server) replayHandler(c *gin.Context) {
	out := s.reconciler.Process(c.Request.Context(), reconcile.Event{
		Kind:       reconcile.EventKindPayment,
		ResourceID: c.Param("paymentId"),
	})
	metrics.WebhookEventsTotal.WithLabelValues(string(out.Status)).Inc()

	status := http.StatusOK
	if out.Status == reconcile.StatusFailed {
		// Unlike the webhook, the caller here is a human who wants the
		// honest status code.
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, out)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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
		"name":        "UniJobs Payments",
		"description": "Payment notification reconciliation for the UniJobs platform",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		// Tracing is diagnostic, not load-bearing. Run without it.
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.cfg.GatewayBaseURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// DB pool gauges for the metrics endpoint.
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server. In-flight reconciliations get the
// full shutdown window: killing one between the gateway fetch and the store
// write is harmless (the gateway redelivers) but wasteful.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// UserStore returns the identity store for test seeding.
func (s *Server) UserStore() identity.Store {
	return s.users
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateEventID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// resolverAdapter adapts identity.Resolver to account.RefResolver.
type resolverAdapter struct {
	r *identity.Resolver
}

func (a *resolverAdapter) ResolveAccountID(ctx context.Context, ref string) (string, error) {
	u, err := a.r.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}
