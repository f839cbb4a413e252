// Package server wires the Custodia HTTP API together: storage, services,
// middleware, routes, and lifecycle.
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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/tkaluma/custodia/internal/audit"
	"github.com/tkaluma/custodia/internal/auth"
	"github.com/tkaluma/custodia/internal/config"
	"github.com/tkaluma/custodia/internal/escrow"
	"github.com/tkaluma/custodia/internal/health"
	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/metrics"
	"github.com/tkaluma/custodia/internal/order"
	"github.com/tkaluma/custodia/internal/paygate"
	"github.com/tkaluma/custodia/internal/ratelimit"
	"github.com/tkaluma/custodia/internal/realtime"
	"github.com/tkaluma/custodia/internal/reconciliation"
	"github.com/tkaluma/custodia/internal/security"
	"github.com/tkaluma/custodia/internal/traces"
	"github.com/tkaluma/custodia/internal/transaction"
	"github.com/tkaluma/custodia/internal/validation"
	"github.com/tkaluma/custodia/internal/webhook"
)

// Server is the Custodia API server.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	httpSrv *http.Server
	logger *slog.Logger

	db *sql.DB

	authMgr *auth.Manager
	orders  *order.Service
	ledger  *transaction.Service
	escrows *escrow.Service
	gateway *paygate.Client

	reconciler     *webhook.Reconciler
	sweeper        *reconciliation.Sweeper
	reconcileTimer *reconciliation.Timer
	hub            *realtime.Hub

	auditQuerier audit.Querier
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	slog.SetDefault(s.logger)

	shutdownTracing, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage. Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		authStore   auth.Store
		orderStore  order.Store
		txStore     transaction.Store
		escrowStore escrow.Store
		recorder    audit.Recorder
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))

		authStore = auth.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		txStore = transaction.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		pgRecorder := audit.NewPostgresRecorder(db)
		recorder = pgRecorder
		s.auditQuerier = pgRecorder

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		authStore = auth.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		txStore = transaction.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		memRecorder := audit.NewMemoryRecorder()
		recorder = memRecorder
		s.auditQuerier = memRecorder
	}

	// Services. Cross-package dependencies go through the small adapter
	// types in adapters.go so each package keeps its own interface.
	s.authMgr = auth.NewManager(authStore)
	s.hub = realtime.NewHub(s.logger)
	s.orders = order.NewService(orderStore, recorder, cfg.DefaultCurrency).
		WithNotifier(&hubNotifier{hub: s.hub})
	s.ledger = transaction.NewService(txStore, s.authMgr, &orderExistence{orders: s.orders}, recorder, cfg.DefaultCurrency).
		WithNotifier(&hubNotifier{hub: s.hub})
	// In production the gateway URL comes from the environment; refuse
	// to boot pointed at an internal address.
	if cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.GatewayBaseURL); err != nil {
			return nil, fmt.Errorf("unsafe gateway base URL %q: %w", cfg.GatewayBaseURL, err)
		}
	}
	s.gateway = paygate.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout)

	s.escrows = escrow.NewService(
		escrowStore,
		&escrowOrderDirectory{orders: s.orders},
		s.authMgr,
		s.ledger,
		recorder,
		cfg.DefaultCurrency,
	).WithPayouts(&gatewayPayouts{gateway: s.gateway, ledger: s.ledger}).
		WithNotifier(&hubNotifier{hub: s.hub})

	s.reconciler = webhook.NewReconciler(
		s.ledger,
		&webhookOrders{orders: s.orders},
		&escrowCustodian{escrows: s.escrows},
		recorder,
	)

	s.sweeper = reconciliation.NewSweeper(s.ledger, s.gateway, s.reconciler, s.escrows, cfg.PendingCutoff)
	s.reconcileTimer = reconciliation.NewTimer(s.sweeper, cfg.ReconcileInterval, s.logger)

	s.healthReg.Register("reconciliation", func(ctx context.Context) health.Status {
		if !s.reconcileTimer.Running() {
			return health.Status{Name: "reconciliation", Healthy: false, Detail: "timer not running"}
		}
		return health.Status{Name: "reconciliation", Healthy: true}
	})

	s.setupRouter()
	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Router
// -----------------------------------------------------------------------------

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", fmt.Sprintf("%v", recovered),
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}))

	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
		if burst := s.cfg.RateLimitRPM / 4; burst > rlCfg.BurstSize {
			rlCfg.BurstSize = burst
		}
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	router.Use(s.rateLimiter.Middleware())

	router.Use(metrics.Middleware())
	router.Use(s.requestContextMiddleware())

	s.router = router
	s.setupRoutes()
}

// requestContextMiddleware assigns a request ID, threads actor identity
// into the context for audit records, and logs each request.
func (s *Server) requestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = audit.WithRequestID(ctx, requestID)
		ctx = audit.WithIP(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		// The auth middleware runs after this one, so actor fields are
		// only available for logging here, not for the request context.
		latency := time.Since(start)
		status := c.Writer.Status()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"request_id", requestID,
			"client_ip", c.ClientIP(),
		}
		if acct := auth.AccountID(c); acct != "" {
			attrs = append(attrs, "account_id", acct)
		}

		switch {
		case status >= 500:
			s.logger.Error("request", attrs...)
		case status >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

// actorContextMiddleware copies the authenticated identity into the
// request context so audit entries record who acted. Runs after the
// auth middleware.
func actorContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.IsAuthenticated(c) {
			ctx := audit.WithActor(c.Request.Context(), auth.Role(c), auth.AccountID(c))
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Health and observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	authHandler := auth.NewHandler(s.authMgr)
	orderHandler := order.NewHandler(s.orders)
	txHandler := transaction.NewHandler(s.ledger)
	escrowHandler := escrow.NewHandler(s.escrows)
	webhookHandler := webhook.NewHandler(s.reconciler, s.cfg.GatewayWebhookSecret)

	v1 := s.router.Group("/v1")

	// Public: registration and gateway webhooks. The webhook endpoint
	// authenticates by HMAC signature, not API key.
	v1.POST("/auth/register", authHandler.Register)
	webhookHandler.RegisterRoutes(v1)

	// Everything else requires an API key.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), actorContextMiddleware())

	protected.GET("/auth/me", authHandler.Me)
	protected.GET("/auth/keys", authHandler.ListKeys)
	protected.POST("/auth/keys", authHandler.CreateKey)
	protected.DELETE("/auth/keys/:id", authHandler.RevokeKey)

	adminOnly := auth.RequireAdmin()
	orderHandler.RegisterRoutes(protected, adminOnly)
	txHandler.RegisterRoutes(protected, adminOnly)
	escrowHandler.RegisterRoutes(protected, adminOnly)

	admin := protected.Group("/admin", adminOnly)
	admin.POST("/reconcile", s.reconcileHandler)
	admin.GET("/audit", s.auditHandler)
	admin.GET("/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	healthy = healthy && s.healthy.Load()

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"checks":  statuses,
		"version": "1.0.0",
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
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
// Admin handlers
// -----------------------------------------------------------------------------

// reconcileHandler runs one reconciliation sweep on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.sweeper.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, paygate.ErrGatewayUnavailable) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Payment gateway is unavailable, sweep aborted",
				"report":  report,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation sweep failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// auditHandler returns the audit trail for an entity.
func (s *Server) auditHandler(c *gin.Context) {
	entityType := c.Query("entityType")
	entityID := c.Query("entityId")
	if entityType == "" || entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "entityType and entityId are required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	entries, err := s.auditQuerier.Query(c.Request.Context(), entityType, entityID, time.Time{}, time.Time{}, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query audit trail",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// statsHandler reports operational counters for dashboards.
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime":       s.hub.Stats(),
		"reconciliation": gin.H{"timerRunning": s.reconcileTimer.Running()},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until shutdown.
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

	go s.hub.Run(runCtx)
	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcileTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials in a connection string for logging.
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
