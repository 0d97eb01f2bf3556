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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/procurepay/internal/auth"
	"github.com/mbd888/procurepay/internal/config"
	"github.com/mbd888/procurepay/internal/escrow"
	"github.com/mbd888/procurepay/internal/gateway"
	"github.com/mbd888/procurepay/internal/health"
	"github.com/mbd888/procurepay/internal/idgen"
	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/metrics"
	"github.com/mbd888/procurepay/internal/ratelimit"
	"github.com/mbd888/procurepay/internal/realtime"
	"github.com/mbd888/procurepay/internal/security"
	"github.com/mbd888/procurepay/internal/traces"
	"github.com/mbd888/procurepay/internal/validation"
	"github.com/mbd888/procurepay/internal/webhooks"
	"github.com/mbd888/procurepay/migrations"
)

// HeaderGatewaySecret guards the generic capture endpoint.
const HeaderGatewaySecret = "X-Gateway-Secret"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	escrow       *escrow.Service
	scheduler    *escrow.Scheduler
	webhooks     *webhooks.Dispatcher
	webhookStore webhooks.Store
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	now          func() time.Time
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithClock overrides the escrow clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.health = health.NewRegistry(s.version)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store escrow.Store
	if cfg.DatabaseURL != "" {
		db, err := s.openDB(context.Background())
		if err != nil {
			return nil, err
		}
		s.db = db
		store = escrow.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.DBCheck(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = escrow.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data lost on restart)")
	}

	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	repo := escrow.NewRepository(store, escrow.NewMachine(cfg.HoldingPeriod)).
		WithLogger(s.logger).
		WithObserver(escrow.MetricsObserver{}).
		WithObserver(webhooks.NewEmitter(s.webhooks, s.logger)).
		WithObserver(s.realtimeHub)
	if s.now != nil {
		repo = repo.WithClock(s.now)
	}
	s.escrow = escrow.NewService(repo)

	s.scheduler = escrow.NewScheduler(repo, escrow.SchedulerConfig{
		Interval:  cfg.ReleaseInterval,
		BatchSize: cfg.ReleaseBatchSize,
		Workers:   cfg.ReleaseWorkers,
	}, s.logger)
	s.health.Register("release_scheduler", health.SchedulerCheck(s.scheduler.Running))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}
	return db, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
		// The upstream gateway usually assigns one already.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Hex(16)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Gateway notifications authenticate with their own secrets, not the
	// internal token.
	gw := v1.Group("/gateway", auth.RequireSecret(HeaderGatewaySecret, s.cfg.GatewayCaptureSecret))
	escrowHandler := escrow.NewHandler(s.escrow)
	escrowHandler.RegisterGatewayRoutes(gw)

	if s.cfg.StripeWebhookSecret != "" {
		stripeHandler := gateway.NewStripeHandler(s.escrow, s.cfg.StripeWebhookSecret,
			stripe.Currency(s.cfg.StripeCurrency), s.logger)
		stripeHandler.RegisterRoutes(v1)
	}

	api := v1.Group("", auth.Middleware(s.cfg.InternalAPIToken))
	escrowHandler.RegisterRoutes(api)

	actions := api.Group("", auth.RequireActor(), s.rateLimiter.Middleware())
	escrowHandler.RegisterProtectedRoutes(actions)

	hooks := webhooks.NewHandler(s.webhookStore)
	if !s.cfg.IsDevelopment() {
		hooks = hooks.WithURLCheck(security.ValidateEndpointURL)
	}
	hooks.RegisterRoutes(api.Group("", auth.RequireRole("admin")))

	api.GET("/stream", auth.RequireActor(), s.realtimeHub.HandleStream)
	api.GET("/stream/stats", auth.RequireRole("admin", "reviewer"), s.streamStats)
}

func (s *Server) streamStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stream": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to init tracing: %w", err)
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.scheduler.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.health.SetReady(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}

	tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tcancel()
	if err := shutdownTracing(tctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}
	return runErr
}

// Shutdown gracefully stops the server. Pending webhook deliveries finish
// before the database is closed.
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.scheduler.Stop()
	s.logger.Info("release scheduler stopped")

	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.webhooks.Wait()
	s.rateLimiter.Stop()

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

// Escrow returns the escrow service.
func (s *Server) Escrow() *escrow.Service {
	return s.escrow
}

// Scheduler returns the release scheduler.
func (s *Server) Scheduler() *escrow.Scheduler {
	return s.scheduler
}
