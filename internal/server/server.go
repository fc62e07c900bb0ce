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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/broker"
	"github.com/mbd888/escrowd/internal/claims"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/keyderiv"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/scheduler"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/migrations"
)

const (
	version            = "0.1.0"
	claimPrefix        = "escrowd:claim:"
	dbStatsInterval    = 15 * time.Second
	defaultDrainDelay  = 5 * time.Second
	shutdownTimeout    = 30 * time.Second
	readyDelay         = 100 * time.Millisecond
	healthCheckTimeout = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	store         escrow.Store
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	scheduler     *scheduler.Scheduler
	realtimeHub   *realtime.Hub
	publisher     *broker.RedisPublisher
	subscriber    *broker.RedisSubscriber
	devLedger     *ledger.MemoryLedger // nil when LEDGER_URL is set
	issuer        *auth.Issuer
	trustHeader   bool
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTracing   func(context.Context) error

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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
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
		checks:     health.NewRegistry(),
		drainDelay: defaultDrainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	events, err := s.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	escrowLedger, err := s.setupLedger()
	if err != nil {
		s.closeResources()
		return nil, err
	}

	s.escrowService = escrow.NewService(s.store, events, escrowLedger, s.setupAddresses()).
		WithLogger(s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)

	// Redis: cross-instance claims and event fan-out
	if cfg.RedisURL != "" {
		client, err := claims.Dial(ctx, cfg.RedisURL)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.escrowService.WithClaims(claims.NewRedis(client, claimPrefix, cfg.EffectiveClaimTTL(), s.logger))
		s.publisher = broker.NewRedisPublisher(client, cfg.EventsChannel, s.logger)
		s.subscriber = broker.NewRedisSubscriber(client, s.logger)
		// Every instance's hub is fed from the channel, including our own events.
		s.escrowService.WithSinks(s.publisher)
		s.checks.Register("redis", health.Redis("redis", client))
		s.logger.Info("redis enabled", "channel", cfg.EventsChannel)
	} else {
		s.escrowService.WithSinks(s.realtimeHub)
	}

	s.scheduler = scheduler.New(cfg.SchedulerWorkers, s.escrowService.AutoRelease).WithLogger(s.logger)
	s.escrowService.WithScheduler(s.scheduler)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.store, s.logger).WithInterval(cfg.SweepInterval)

	// Auth: JWT when a secret is configured, X-Caller in development otherwise
	if cfg.JWTSecret != "" {
		s.issuer = auth.NewIssuer(cfg.JWTSecret, auth.DefaultTokenTTL)
	}
	s.trustHeader = cfg.IsDevelopment() && cfg.JWTSecret == ""
	if s.trustHeader {
		s.logger.Warn("trusting X-Caller header for identity (development only)")
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStorage picks Postgres, then SQLite, then memory.
func (s *Server) openStorage(ctx context.Context) (escrow.EventLog, error) {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrate(ctx, db); err != nil {
			s.logger.Warn("failed to apply migrations", "error", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.checks.Register("database", health.DB("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return escrow.NewPostgresEventLog(db), nil

	case s.cfg.SQLitePath != "":
		db, err := escrow.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.store = escrow.NewSQLiteStore(db)
		s.checks.Register("database", health.DB("database", db))
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)
		return escrow.NewSQLiteEventLog(db), nil

	default:
		s.store = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
		return escrow.NewMemoryEventLog(), nil
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// setupLedger returns the remote ledger client, or an in-process ledger
// with dev funding routes when no LEDGER_URL is configured.
func (s *Server) setupLedger() (escrow.Ledger, error) {
	if s.cfg.LedgerURL != "" {
		client := ledger.NewClient(s.cfg.LedgerURL, s.cfg.ServiceIdentity, s.cfg.LedgerTimeout).WithLogger(s.logger)
		s.checks.Register("ledger", health.Circuit("ledger", client.CircuitState))
		s.logger.Info("using ledger gateway", "url", s.cfg.LedgerURL)
		return client, nil
	}
	if s.cfg.IsProduction() {
		return nil, errors.New("LEDGER_URL is required in production")
	}
	s.devLedger = ledger.NewMemoryLedger(s.cfg.ServiceIdentity)
	s.logger.Warn("using in-memory ledger (development only)")
	return s.devLedger, nil
}

func (s *Server) setupAddresses() escrow.AddressProvider {
	if s.cfg.KeyServiceURL != "" {
		s.logger.Info("using remote key derivation", "url", s.cfg.KeyServiceURL, "key", s.cfg.ECDSAKeyName)
		return keyderiv.NewRemoteSigner(s.cfg.KeyServiceURL, s.cfg.ServiceIdentity, s.cfg.ECDSAKeyName, s.cfg.LedgerTimeout).
			WithLogger(s.logger)
	}
	return keyderiv.NewDeterministic(s.cfg.ServiceIdentity)
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Identity is resolved before rate limiting so buckets follow the caller.
	s.router.Use(auth.Middleware(s.issuer, s.trustHeader))

	if s.cfg.RateLimitPerMinute > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitPerMinute
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware(rateLimitKey))
	}
}

func rateLimitKey(c *gin.Context) string {
	if caller, ok := auth.GetCaller(c); ok {
		return "caller:" + caller
	}
	return "ip:" + c.ClientIP()
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	authHandler := auth.NewHandler(s.issuer, s.trustHeader)
	authHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireCaller())
	escrowHandler.RegisterProtectedRoutes(protected)

	if s.cfg.IsDevelopment() {
		authHandler.RegisterDevRoutes(v1)
		if s.devLedger != nil {
			lh := ledger.NewHandler(s.devLedger)
			devLedger := v1.Group("/dev/ledger")
			lh.RegisterGatewayRoutes(devLedger)
			lh.RegisterDevRoutes(devLedger)
		}
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Milestone escrow for marketplace listings",
		"version":     version,
		"currency":    "USDC",
		"identity":    s.cfg.ServiceIdentity,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	if err := s.startBackground(runCtx); err != nil {
		cancel()
		return err
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"identity", s.cfg.ServiceIdentity,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(readyDelay)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// startBackground launches the hub, event fan-out, deadline scheduler and
// sweep timer, then re-arms deadlines for funded escrows.
func (s *Server) startBackground(ctx context.Context) error {
	go s.realtimeHub.Run(ctx)

	if s.publisher != nil {
		go s.publisher.Run(ctx)
		if err := s.subscriber.Subscribe(ctx, s.cfg.EventsChannel, s.realtimeHub); err != nil {
			return fmt.Errorf("subscribe to %s: %w", s.cfg.EventsChannel, err)
		}
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}

	s.scheduler.Start(ctx)
	n, err := s.escrowService.ResumeSchedules(ctx)
	if err != nil {
		// The sweep timer still releases overdue milestones.
		s.logger.Error("failed to resume deadline schedules", "error", err)
	} else {
		s.logger.Info("deadline schedules resumed", "count", n)
	}

	go s.escrowTimer.Start(ctx)
	s.checks.Register("escrow_timer", health.Running("escrow_timer", s.escrowTimer.Running))
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, fan-out)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	// Pending deadlines are rebuilt from the store on the next start.
	if s.scheduler != nil {
		s.scheduler.Stop()
		s.logger.Info("deadline scheduler stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeResources()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeResources() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}

	// Close database connection pool
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
