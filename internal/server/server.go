// Package server wires the settlement service together and serves its HTTP
// API.
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

	"github.com/mbd888/homesettle/internal/auth"
	"github.com/mbd888/homesettle/internal/circuitbreaker"
	"github.com/mbd888/homesettle/internal/config"
	"github.com/mbd888/homesettle/internal/escrow"
	"github.com/mbd888/homesettle/internal/health"
	"github.com/mbd888/homesettle/internal/idgen"
	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/metrics"
	"github.com/mbd888/homesettle/internal/mobilemoney"
	"github.com/mbd888/homesettle/internal/notify"
	"github.com/mbd888/homesettle/internal/ratelimit"
	"github.com/mbd888/homesettle/internal/security"
	"github.com/mbd888/homesettle/internal/traces"
	"github.com/mbd888/homesettle/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	ledger       *ledger.Ledger
	escrows      *escrow.Service
	providers    mobilemoney.ProviderStore
	client       mobilemoney.ProviderClient
	orchestrator *mobilemoney.Orchestrator
	reconciler   *mobilemoney.Reconciler
	sweeper      *escrow.ExpirySweeper // nil unless ESCROW_EXPIRY_SWEEP is on
	sender       notify.Sender
	notifier     *notify.Async
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	readyChecks  *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	drain        time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithProviderClient replaces the simulated mobile money provider.
func WithProviderClient(c mobilemoney.ProviderClient) Option {
	return func(s *Server) {
		s.client = c
	}
}

// WithNotifySender replaces the log and webhook notification senders.
func WithNotifySender(sender notify.Sender) Option {
	return func(s *Server) {
		s.sender = sender
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		drain:  5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	var catalog []mobilemoney.Provider
	if cfg.ProvidersFile != "" {
		catalog, err = mobilemoney.LoadCatalog(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		s.logger.Info("loaded provider catalog", "file", cfg.ProvidersFile, "providers", len(catalog))
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var escrowStore escrow.Store
	var ledgerStore ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		escrowStore = escrow.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		providers := mobilemoney.NewPostgresProviderStore(db)
		for _, p := range catalog {
			if err := providers.Upsert(ctx, p); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to sync provider %s: %w", p.Name, err)
			}
		}
		s.providers = providers
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		escrowStore = escrow.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		if len(catalog) == 0 {
			catalog = mobilemoney.DefaultProviders()
		}
		s.providers = mobilemoney.NewMemoryProviderStore(catalog...)
	}

	// Notifications never block settlement
	if s.sender == nil {
		senders := notify.Multi{notify.LogSender{Logger: s.logger}}
		if cfg.NotifyWebhookURL != "" {
			senders = append(senders, notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
			s.logger.Info("notification webhook enabled", "url", maskDSN(cfg.NotifyWebhookURL))
		}
		s.sender = senders
	}
	s.notifier = notify.NewAsync(s.sender, s.logger, 64, 10*time.Second)

	s.ledger = ledger.New(ledgerStore, s.logger)
	s.escrows = escrow.NewService(escrowStore, s.ledger, s.notifier, escrow.Policy{
		Currency:          cfg.Currency,
		EscrowFeeBps:      cfg.EscrowFeeBps,
		NotaryFeeBps:      cfg.NotaryFeeBps,
		DefaultDepositBps: cfg.DefaultDepositBps,
		DepositWindow:     cfg.DepositWindow,
		FullPaymentWindow: cfg.FullPaymentWindow,
	}).WithLogger(s.logger)

	if s.client == nil {
		s.client = mobilemoney.NewSimulatedClient(cfg.SimulatedAutoAfter)
		if cfg.IsProduction() {
			s.logger.Warn("using simulated mobile money provider in production")
		} else {
			s.logger.Info("using simulated mobile money provider", "confirmAfter", cfg.SimulatedAutoAfter)
		}
	}
	s.orchestrator = mobilemoney.NewOrchestrator(s.escrows, s.ledger, s.providers, s.client, s.notifier).
		WithBreaker(circuitbreaker.New(cfg.ProviderFailures, cfg.ProviderCooldown)).
		WithTimeouts(min(mobilemoney.DefaultChargeTimeout, max(cfg.PollBudget/3, time.Second)), 0).
		WithLogger(s.logger)
	s.reconciler = mobilemoney.NewReconciler(s.orchestrator, cfg.ReconcileInterval, cfg.PollBudget, s.logger)
	s.logger.Info("payment reconciler enabled", "interval", cfg.ReconcileInterval, "age", cfg.PollBudget)

	if cfg.ExpirySweep {
		s.sweeper = escrow.NewExpirySweeper(s.escrows, cfg.ExpirySweepEvery, s.logger)
		s.logger.Info("escrow expiry sweep enabled", "interval", cfg.ExpirySweepEvery)
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.PaymentRPM,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})

	s.setupHealth()

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

func (s *Server) setupHealth() {
	s.readyChecks = health.NewRegistry()
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.readyChecks.Register("database", health.DBCheck(s.db))
		s.checks.Register("database", health.DBCheck(s.db))
	}
	s.checks.Register("providers", health.ProviderCheck(s.orchestrator.Breaker().Tripped))
	s.checks.Register("reconciler", s.timerCheck(s.reconciler.Running))
	if s.sweeper != nil {
		s.checks.Register("expiry_sweeper", s.timerCheck(s.sweeper.Running))
	}
}

// timerCheck reports a background loop as down once the server is ready
// and the loop has exited.
func (s *Server) timerCheck(running func() bool) health.Checker {
	return func(context.Context) health.Status {
		if s.ready.Load() && !running() {
			return health.Status{Healthy: false, Detail: "not running"}
		}
		return health.Status{Healthy: true}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 && s.cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID assigned upstream so logs line up across services
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.WithPrefix(idgen.PrefixRequest)
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
		case path == "/metrics" || path == "/health/live" || path == "/health/ready":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(auth.NewManager(s.cfg.APIKeys)), auth.RequireUser())

	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	mobilemoney.NewHandler(s.orchestrator, s.rateLimiter).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such endpoint",
		})
	})
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
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
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
	if ok, statuses := s.readyChecks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled, a signal arrives or the listener fails.
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

	s.StartBackground(runCtx)
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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// StartBackground launches the payment reconciler and, when enabled, the
// escrow expiry sweeper. They stop when ctx is done or on Shutdown.
func (s *Server) StartBackground(ctx context.Context) {
	go s.reconciler.Start(ctx)
	if s.sweeper != nil {
		go s.sweeper.Start(ctx)
	}
}

// Shutdown gracefully stops the server. It is also how command line tools
// release what New acquired.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var firstErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drain)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	s.reconciler.Stop()
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.rateLimiter.Stop()

	// Let in-flight notifications finish before the process exits
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Close(ctx); err != nil {
		s.logger.Warn("notifications still in flight at shutdown", "error", err)
	}
	if err := s.stopTracing(ctx); err != nil {
		s.logger.Warn("tracer shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Escrows returns the escrow service.
func (s *Server) Escrows() *escrow.Service {
	return s.escrows
}

// Orchestrator returns the mobile money orchestrator.
func (s *Server) Orchestrator() *mobilemoney.Orchestrator {
	return s.orchestrator
}

// Reconciler returns the pending payment reconciler.
func (s *Server) Reconciler() *mobilemoney.Reconciler {
	return s.reconciler
}

// Providers returns the provider catalog store.
func (s *Server) Providers() mobilemoney.ProviderStore {
	return s.providers
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
