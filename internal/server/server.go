// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/ClementSutjiatma/deal-sub001/internal/auth"
	"github.com/ClementSutjiatma/deal-sub001/internal/chain"
	"github.com/ClementSutjiatma/deal-sub001/internal/config"
	"github.com/ClementSutjiatma/deal-sub001/internal/deal"
	"github.com/ClementSutjiatma/deal-sub001/internal/health"
	"github.com/ClementSutjiatma/deal-sub001/internal/logging"
	"github.com/ClementSutjiatma/deal-sub001/internal/metrics"
	"github.com/ClementSutjiatma/deal-sub001/internal/notify"
	"github.com/ClementSutjiatma/deal-sub001/internal/ratelimit"
	"github.com/ClementSutjiatma/deal-sub001/internal/realtime"
	"github.com/ClementSutjiatma/deal-sub001/internal/security"
	"github.com/ClementSutjiatma/deal-sub001/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	gateway     deal.Gateway
	chainGw     *chain.Gateway // nil when a custom gateway is injected
	store       deal.Store
	dealService *deal.Service
	sweeper     *deal.Sweeper
	sweepTimer  *deal.Timer
	authMgr     *auth.Manager
	emitter     *notify.Emitter
	realtimeHub *realtime.Hub
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
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

// WithGateway sets a custom escrow gateway (for testing)
func WithGateway(g deal.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var authStore auth.Store
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
		s.store = deal.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = deal.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Create escrow gateway if not injected
	if s.gateway == nil {
		gw, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			EscrowContract: cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create escrow gateway: %w", err)
		}
		s.chainGw = gw
		s.gateway = &chainGatewayAdapter{gw}
		s.logger.Info("escrow gateway connected",
			"contract", cfg.EscrowContract,
			"platformWallet", gw.Address(),
			"chainId", cfg.ChainID,
		)
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Notifications: WebSocket push always, SMS when a provider is configured.
	// The provider URL is an outbound server-side target, so it gets the SSRF
	// check before we ever post to it.
	if cfg.SMSProviderURL != "" && cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.SMSProviderURL); err != nil {
			return nil, fmt.Errorf("invalid SMS provider URL: %w", err)
		}
	}
	sms := notify.NewSMSClient(cfg.SMSProviderURL, cfg.SMSAPIKey, cfg.SMSFrom)
	s.emitter = notify.NewEmitter(sms, s.realtimeHub, s.authMgr.Phone, s.logger)
	if sms != nil {
		s.logger.Info("SMS notifications enabled")
	}

	// Deal lifecycle coordinator
	s.dealService = deal.NewService(s.store, s.gateway, s.logger).
		WithNotifier(&notifierAdapter{s.emitter}).
		WithFeeBps(cfg.FeeBps)

	// Deadline sweeper and its timer
	deadlines := deal.Deadlines{
		TransferTimeout: cfg.TransferTimeout,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		ListingTTL:      cfg.ListingTTL,
	}
	s.sweeper = deal.NewSweeper(s.dealService, s.store, deadlines, s.logger)
	s.sweepTimer = deal.NewTimer(s.sweeper, cfg.SweepInterval, s.logger)
	s.sweepTimer.OnSweep(func(res *deal.SweepResult) {
		s.realtimeHub.BroadcastSweep(res.Processed)
	})
	s.logger.Info("deadline sweeper configured",
		"transferTimeout", deadlines.TransferTimeout,
		"confirmTimeout", deadlines.ConfirmTimeout,
		"listingTTL", deadlines.ListingTTL,
		"interval", cfg.SweepInterval,
	)

	s.setupHealthChecks()

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

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.healthReg.Register("sweeper", func(ctx context.Context) health.Status {
		if !s.sweepTimer.Running() {
			return health.Status{Name: "sweeper", Healthy: false, Detail: "timer not running"}
		}
		return health.Status{Name: "sweeper", Healthy: true}
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

// requireSecret gates a route group behind a shared-secret header. The
// comparison is constant-time. An empty configured secret disables the group
// entirely rather than leaving it open.
func requireSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "disabled",
				"message": "This endpoint is not enabled",
			})
			return
		}
		provided := c.GetHeader(header)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid or missing " + header + " header",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time deal updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoints
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	dealHandler := deal.NewHandler(s.dealService, s.sweeper)
	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	// Read endpoints plus the buyer-facing short-code lookup
	v1.GET("/platform", s.platformHandler)
	dealHandler.RegisterRoutes(v1)

	// REGISTRATION (public but returns API key)
	v1.POST("/users", authHandler.Register)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		dealHandler.RegisterProtectedRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.Me)
	}

	// ADMIN ROUTES (dispute adjudication)
	admin := v1.Group("")
	admin.Use(requireSecret("X-Admin-Secret", s.cfg.AdminSecret))
	dealHandler.RegisterAdminRoutes(admin)

	// SWEEP TRIGGER (external scheduler; the internal timer also runs it)
	sweep := v1.Group("")
	sweep.Use(requireSecret("X-Sweep-Secret", s.cfg.SweepSecret))
	dealHandler.RegisterSweepRoutes(sweep)

	// Realtime hub stats
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Deal Coordinator",
		"description": "Escrowed peer-to-peer ticket sales",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
	})
}

// platformHandler returns platform info including the escrow contract
func (s *Server) platformHandler(c *gin.Context) {
	platform := gin.H{
		"name":           "Deal Coordinator",
		"version":        "0.1.0",
		"chain":          "base-sepolia",
		"chainId":        s.cfg.ChainID,
		"escrowContract": s.cfg.EscrowContract,
		"sellerFeeBps":   s.dealService.FeeBps(),
	}
	if s.chainGw != nil {
		platform["platformWallet"] = s.chainGw.Address()
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": platform,
		"instructions": gin.H{
			"sell":    "POST /v1/deals with price and eventName, share the short code with your buyer",
			"buy":     "Fund the escrow contract, then POST /v1/deals/{id}/claim with the deposit txHash",
			"confirm": "After receiving the ticket, POST /v1/deals/{id}/confirm to release funds",
		},
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start deadline sweep timer
	if s.sweepTimer != nil {
		go s.sweepTimer.Start(runCtx)
	}

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

	// Cancel the context for all background goroutines (hub, sweep timer)
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

	// Stop sweep timer
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close RPC connection
	if s.chainGw != nil {
		s.chainGw.Close()
		s.logger.Info("escrow gateway closed")
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// chainGatewayAdapter adapts chain.Gateway to deal.Gateway
type chainGatewayAdapter struct {
	gw *chain.Gateway
}

func (a *chainGatewayAdapter) VerifyReceipt(ctx context.Context, txHash string) (bool, error) {
	return a.gw.VerifyReceipt(ctx, txHash)
}

func (a *chainGatewayAdapter) DealState(ctx context.Context, dealID string) (*deal.ChainState, error) {
	st, err := a.gw.GetDealState(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return &deal.ChainState{
		Status: deal.ChainStatus(st.Status),
		Amount: st.Amount,
		Buyer:  st.Buyer,
		Seller: st.Seller,
	}, nil
}

func (a *chainGatewayAdapter) SubmitRefund(ctx context.Context, dealID string) (string, error) {
	return a.gw.SubmitRefund(ctx, dealID)
}

func (a *chainGatewayAdapter) SubmitRelease(ctx context.Context, dealID string, feeBps int64) (string, error) {
	return a.gw.SubmitRelease(ctx, dealID, feeBps)
}

func (a *chainGatewayAdapter) SubmitResolve(ctx context.Context, dealID string, favorBuyer bool, feeBps int64) (string, error) {
	return a.gw.SubmitResolve(ctx, dealID, favorBuyer, feeBps)
}

// notifierAdapter adapts notify.Emitter to deal.Notifier
type notifierAdapter struct {
	*notify.Emitter
}

func (a *notifierAdapter) DealStatusChanged(dealID, shortCode string, status deal.Status) {
	a.Emitter.DealStatusChanged(dealID, shortCode, string(status))
}
