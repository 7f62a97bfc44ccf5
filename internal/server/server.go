// Package server assembles the marketplace: storage, the bot fleet, the
// trade engine with its background loops, and the HTTP surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ZhaslanToishybayev/steammarket/internal/audit"
	"github.com/ZhaslanToishybayev/steammarket/internal/auth"
	"github.com/ZhaslanToishybayev/steammarket/internal/bots"
	"github.com/ZhaslanToishybayev/steammarket/internal/config"
	"github.com/ZhaslanToishybayev/steammarket/internal/fraud"
	"github.com/ZhaslanToishybayev/steammarket/internal/health"
	"github.com/ZhaslanToishybayev/steammarket/internal/kv"
	"github.com/ZhaslanToishybayev/steammarket/internal/listings"
	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
	"github.com/ZhaslanToishybayev/steammarket/internal/notify"
	"github.com/ZhaslanToishybayev/steammarket/internal/payments"
	"github.com/ZhaslanToishybayev/steammarket/internal/ratelimit"
	"github.com/ZhaslanToishybayev/steammarket/internal/steam"
	"github.com/ZhaslanToishybayev/steammarket/internal/traces"
	"github.com/ZhaslanToishybayev/steammarket/internal/trades"
	"github.com/ZhaslanToishybayev/steammarket/internal/users"
	"github.com/ZhaslanToishybayev/steammarket/internal/validation"
	"github.com/ZhaslanToishybayev/steammarket/internal/wallet"
)

// Server wraps the HTTP server and every service behind it.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil when running on memory stores

	users       *users.Service
	authMgr     *auth.Manager
	walletStore wallet.Store
	walletSvc   *wallet.Service
	listings    *listings.Service
	fraudSvc    *fraud.Service
	steamClient *steam.Client
	botMgr      *bots.Manager
	cache       *kv.MemoryStore
	tradeStore  trades.Store
	history     audit.Store
	engine      *trades.Engine
	scheduler   *trades.Scheduler
	reconciler  *trades.Reconciler
	notifyStore notify.Store
	hub         *notify.Hub
	purger      *notify.Purger
	depositProv wallet.DepositProvider
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc
	tracesCleanup func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New wires the full service graph. With DATABASE_URL set every store is
// Postgres-backed; without it everything runs in memory for local work.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.cache = kv.NewMemoryStore()

	var (
		userStore    users.Store
		authStore    auth.Store
		listingStore listings.Store
		botStore     bots.Store
		fraudStore   fraud.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		userStore = users.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		listingStore = listings.NewPostgresStore(db)
		botStore = bots.NewPostgresStore(db)
		fraudStore = fraud.NewPostgresStore(db)
		s.walletStore = wallet.NewPostgresStore(db)
		s.tradeStore = trades.NewPostgresStore(db)
		s.history = audit.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		userStore = users.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		listingStore = listings.NewMemoryStore()
		botStore = bots.NewMemoryStore()
		fraudStore = fraud.NewMemoryStore()
		ws := wallet.NewMemoryStore()
		s.walletStore = ws
		s.tradeStore = trades.NewMemoryStore(ws)
		s.history = audit.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
	}

	s.users = users.NewService(userStore)
	s.walletSvc = wallet.NewService(s.walletStore)
	s.fraudSvc = fraud.NewService(fraudStore, userStore)
	s.authMgr = auth.NewManager(authStore).WithRiskSink(s.fraudSvc)
	s.listings = listings.NewService(listingStore, s.users, cfg.MinListingPrice, cfg.MaxListingPrice)

	steamLimiter := steam.NewLimiter(s.cache, cfg.SteamRateLimitPerMinute, time.Minute)
	s.steamClient = steam.NewClient(cfg.SteamAPIBaseURL, cfg.SteamAPIKey, steamLimiter)

	s.botMgr = bots.NewManager(botStore, s.steamClient, s.cache)
	if len(cfg.Bots) > 0 {
		cipher, err := bots.NewCipher(cfg.BotSecretsKey)
		if err != nil {
			return nil, fmt.Errorf("bot secrets key: %w", err)
		}
		if err := s.botMgr.Bootstrap(ctx, cfg.Bots, cipher); err != nil {
			return nil, fmt.Errorf("bootstrapping bots: %w", err)
		}
		s.logger.Info("bot fleet bootstrapped", "bots", len(cfg.Bots))
	}
	s.checks.Register("bots", func(ctx context.Context) health.Status {
		fleet, err := s.botMgr.List(ctx)
		if err != nil {
			return health.Status{Name: "bots", Healthy: false, Detail: err.Error()}
		}
		ready := 0
		for _, b := range fleet {
			if b.Status == bots.StatusReady {
				ready++
			}
		}
		return health.Status{
			Name:    "bots",
			Healthy: len(fleet) == 0 || ready > 0,
			Detail:  fmt.Sprintf("%d/%d ready", ready, len(fleet)),
		}
	})

	s.hub = notify.NewHub(s.notifyStore, s.logger)
	s.purger = notify.NewPurger(s.notifyStore, s.logger)

	s.engine = trades.NewEngine(
		s.tradeStore, s.walletStore, s.listings, s.botMgr, s.steamClient,
		s.users, s.cache, s.hub, s.history, s.fraudSvc,
		trades.EngineConfig{
			FeePercent:    cfg.PlatformFeePercent,
			LegTimeout:    time.Duration(cfg.AwaitLegTimeoutSeconds) * time.Second,
			GlobalTimeout: time.Duration(cfg.TradeTimeoutSeconds) * time.Second,
		})
	s.engine.SetMaintenance(cfg.MaintenanceMode)
	s.scheduler = trades.NewScheduler(s.engine, cfg.BotPoolSize, 256)
	s.engine.SetQueue(s.scheduler)
	s.reconciler = trades.NewReconciler(s.engine, s.tradeStore)
	s.reconciler.SetAuditor(s.walletSvc)

	if cfg.StripeSecretKey != "" {
		s.depositProv = payments.NewProvider(cfg.StripeSecretKey)
		s.logger.Info("stripe deposits enabled")
	} else {
		s.logger.Warn("no stripe key configured, deposits credit instantly (dev mode)")
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

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	notifyHandler := notify.NewHandler(s.hub, s.notifyStore, s.authMgr)
	s.router.GET("/ws", notifyHandler.ServeWS)

	v1 := s.router.Group("/v1")

	listingHandler := listings.NewHandler(s.listings)
	tradeHandler := trades.NewHandler(s.engine, s.history)
	walletHandler := wallet.NewHandler(s.walletSvc, s.depositProv)

	// Public browse surface.
	listingHandler.RegisterPublicRoutes(v1)

	// Registration is public; it mints the API key everything else needs.
	v1.POST("/users", s.registerUser)

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		protected.GET("/users/me", s.currentUser)
		protected.PATCH("/users/me", s.updateProfile)
		protected.POST("/users/me/keys/rotate", s.rotateKey)

		listingHandler.RegisterRoutes(protected)
		tradeHandler.RegisterRoutes(protected)
		walletHandler.RegisterRoutes(protected)
		notifyHandler.RegisterRoutes(protected)
	}

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		tradeHandler.RegisterAdminRoutes(admin)
		listingHandler.RegisterAdminRoutes(admin)
		walletHandler.RegisterAdminRoutes(admin)

		admin.GET("/bots", s.listBots)
		admin.POST("/bots/:id/ban", s.banBot)
		admin.POST("/maintenance", s.setMaintenance)
		admin.POST("/users/:steamid/ban", s.banUser)
		admin.POST("/users/:steamid/unban", s.unbanUser)
		admin.GET("/users/:steamid/risk", s.riskHistory)
	}
}

// Run starts the HTTP listener and all background loops and blocks until
// the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		cleanup, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing init failed", "error", err)
		} else {
			s.tracesCleanup = cleanup
		}
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

	go s.hub.Run(runCtx)
	s.purger.Start(runCtx)
	s.botMgr.Start(runCtx)
	s.scheduler.Start(runCtx)
	s.reconciler.Start(runCtx)
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains the listener and stops every background loop.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errOut error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errOut = err
		}
	}

	s.reconciler.Stop()
	s.scheduler.Stop()
	s.botMgr.Stop()
	s.purger.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.cache.Stop()

	if s.tracesCleanup != nil {
		if err := s.tracesCleanup(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("shutdown complete")
	return errOut
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// maskDSN hides the password in a connection string for logging.
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
