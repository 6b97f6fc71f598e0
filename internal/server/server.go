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

	"github.com/mbd888/riskengine/internal/alerts"
	"github.com/mbd888/riskengine/internal/auth"
	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/health"
	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/ratelimit"
	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/security"
	"github.com/mbd888/riskengine/internal/validation"
	"github.com/mbd888/riskengine/migrations"
)

// Version is reported by /health.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	store        risk.Store
	engine       *risk.Engine
	service      *risk.Service
	notifier     alerts.Notifier
	verifier     *auth.Verifier
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithStore overrides the store selected from the configuration (for testing)
func WithStore(store risk.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithNotifier overrides the blocked-transaction notifier (for testing)
func WithNotifier(n alerts.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
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

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if s.store == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		version, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		s.store = risk.NewPostgresStore(db)
		s.health.Register("database", health.PingChecker("database", db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL), "schema_version", version)
	}
	if s.store == nil {
		s.store = risk.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// Risk engine
	policy := risk.Policy{BlockAbove: cfg.BlockAbove, FlagAtLeast: cfg.FlagAtLeast}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s.engine = risk.NewEngine(s.store).
		WithPolicy(policy).
		WithVelocityWindow(cfg.VelocityWindow).
		WithLogger(s.logger)

	// Alerts
	if s.notifier == nil {
		n, err := s.buildNotifier(ctx)
		if err != nil {
			return nil, err
		}
		s.notifier = n
	}
	s.service = risk.NewService(s.store, s.engine, s.logger).
		WithAlerter(&alertAdapter{n: s.notifier})

	s.verifier = auth.NewVerifier(cfg.AuthJWTSecret)
	s.logger.Info("risk engine ready",
		"block_above", policy.BlockAbove,
		"flag_at_least", policy.FlagAtLeast,
		"velocity_window", cfg.VelocityWindow.String(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) buildNotifier(ctx context.Context) (alerts.Notifier, error) {
	logNotifier := alerts.NewLogNotifier(s.logger)
	if s.cfg.AlertWebhookURL == "" {
		return logNotifier, nil
	}
	if err := security.ValidateWebhookURL(ctx, s.cfg.AlertWebhookURL, s.cfg.IsProduction()); err != nil {
		return nil, fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
	}
	webhook, err := alerts.NewWebhookNotifier(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret, s.logger)
	if err != nil {
		return nil, err
	}
	s.health.Register("alert_webhook", func(context.Context) health.Status {
		if !webhook.Healthy() {
			return health.Status{Healthy: false, Detail: "circuit open"}
		}
		return health.Status{Healthy: true}
	})
	s.logger.Info("blocked-transaction webhook enabled")
	return alerts.Fanout{logNotifier, webhook}, nil
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

// alertAdapter adapts alerts.Notifier to risk.Alerter
type alertAdapter struct {
	n alerts.Notifier
}

func (a *alertAdapter) TransactionBlocked(ctx context.Context, tx *risk.Transaction, eval *risk.Evaluation) error {
	rules := make([]string, len(eval.RulesTriggered))
	for i, r := range eval.RulesTriggered {
		rules[i] = string(r)
	}
	return a.n.Notify(ctx, &alerts.Alert{
		ID:            idgen.New(),
		Type:          alerts.EventTransactionBlocked,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		Amount:        tx.Amount.StringFixed(2),
		PaymentMethod: string(tx.PaymentMethod),
		RiskScore:     eval.RiskScore,
		Rules:         rules,
		OccurredAt:    eval.CreatedAt,
	})
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
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

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier), auth.RequireAuth())

	if s.cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
			BurstSize:         s.cfg.RateLimitBurst,
		})
		limit := s.rateLimiter.Middleware("submit")
		// Only submissions are throttled.
		v1.Use(func(c *gin.Context) {
			if c.Request.Method == http.MethodPost && c.FullPath() == "/v1/transactions" {
				limit(c)
				return
			}
			c.Next()
		})
	}

	risk.NewHandler(s.service).RegisterProtectedRoutes(v1)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	if checks == nil {
		checks = []health.Status{}
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight block alerts finish before the store closes.
	if err := s.service.WaitAlerts(ctx); err != nil {
		s.logger.Warn("pending alerts abandoned", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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
