// Package server wires the risk engine's stores, services, timers, and HTTP
// routes.
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/riskgate/internal/alerts"
	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/config"
	"github.com/mbd888/riskgate/internal/explain"
	"github.com/mbd888/riskgate/internal/geo"
	"github.com/mbd888/riskgate/internal/health"
	"github.com/mbd888/riskgate/internal/heatmap"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/models"
	"github.com/mbd888/riskgate/internal/patterns"
	"github.com/mbd888/riskgate/internal/profiles"
	"github.com/mbd888/riskgate/internal/ratelimit"
	"github.com/mbd888/riskgate/internal/realtime"
	"github.com/mbd888/riskgate/internal/retry"
	"github.com/mbd888/riskgate/internal/risk"
	"github.com/mbd888/riskgate/internal/security"
	"github.com/mbd888/riskgate/internal/syncutil"
	"github.com/mbd888/riskgate/internal/traces"
	"github.com/mbd888/riskgate/internal/transactions"
	"github.com/mbd888/riskgate/internal/upi"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil without REDIS_URL
	logger *slog.Logger

	txStore      transactions.Store
	blockStore   blocklist.Store
	profileStore profiles.Store
	alertStore   alerts.Store

	models       *models.Registry
	gate         *blocklist.Gate
	alertManager *alerts.Manager
	recorder     *transactions.Recorder
	window       *patterns.Window
	explainer    *explain.Client
	riskService  *risk.Service
	upiService   *upi.Service
	detector     *patterns.Detector
	heatmap      *heatmap.Builder
	realtimeHub  *realtime.Hub
	health       *health.Registry

	patternTimer *patterns.Timer
	reloadTimer  *models.ReloadTimer
	rateLimiter  *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithRedis supplies an existing Redis client instead of dialing REDIS_URL.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithDrainDelay overrides how long Shutdown waits for load balancers.
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
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.openStores(ctx); err != nil {
		return nil, err
	}
	if err := s.openRedis(ctx); err != nil {
		return nil, err
	}

	s.models = models.NewRegistry(cfg.ModelDir, s.logger)
	if err := s.models.Load(ctx); err != nil {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("load model artifacts: %w", err)
		}
		s.logger.Warn("some model artifacts failed to load", "dir", cfg.ModelDir, "error", err)
	}

	rules, err := geo.LoadRules(cfg.GeoRulesPath)
	if err != nil {
		return nil, fmt.Errorf("load geo rules: %w", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.alertManager = alerts.NewManager(s.alertStore, s.logger, func(a *alerts.Alert) {
		s.realtimeHub.Publish(realtime.EventAlert, a.SourceUser, 0, a)
	})
	s.gate = blocklist.NewGate(s.blockStore, s.logger).WithOnBlock(func(e *blocklist.Entity) {
		s.realtimeHub.Publish(realtime.EventEntityBlocked, e.EntityID, 0, e)
	})

	s.window = patterns.NewWindow(patterns.DefaultWindowSize)
	s.recorder = transactions.NewRecorder(s.txStore, s.window)

	s.explainer = explain.NewClient(explain.Config{
		BaseURL: cfg.ExplainBaseURL,
		APIKey:  cfg.ExplainAPIKey,
		Model:   cfg.ExplainModel,
		Timeout: cfg.ExplainTimeout,
	}, s.logger)
	if cfg.ExplainAPIKey == "" {
		s.logger.Info("explanations disabled (no EXPLAIN_API_KEY), using fallback text")
	}

	cautious := cfg.IsProduction()
	s.riskService = risk.NewService(s.gate, s.models, s.recorder, s.logger).
		WithGeoRules(rules).
		WithExplainer(s.explainer).
		WithCautiousFallback(cautious).
		OnAssessed(func(a *risk.Assessment, tx *transactions.Transaction) {
			s.realtimeHub.Publish(realtime.EventAssessment, tx.UserID, a.FraudProbability*100, a)
		})

	s.upiService = upi.NewService(s.gate, s.profileStore, s.recorder, s.models, s.alertManager, s.logger).
		WithLocker(s.upiLocker()).
		WithCautiousFallback(cautious).
		OnVerdict(func(r *upi.Result) {
			s.realtimeHub.Publish(realtime.EventUPIVerdict, r.UserID, r.RiskScore, r)
		})

	s.detector = patterns.NewDetector(s.window, s.txStore, s.gate, s.alertManager, s.logger).
		WithMonitoredUsers(cfg.PatternMonitoredUsers).
		WithCooldown(cfg.PatternAlertCooldown).
		WithResyncEvery(cfg.PatternResyncEvery).
		WithSharedStore(s.db != nil)
	s.patternTimer = patterns.NewTimer(s.detector, cfg.PatternInterval, s.logger)
	if cfg.ModelReloadInterval > 0 {
		s.reloadTimer = models.NewReloadTimer(s.models, cfg.ModelReloadInterval, s.logger)
	}

	s.heatmap = heatmap.NewBuilder(s.txStore, s.gate, rules.Gazetteer())
	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("risk engine configured",
		"env", cfg.Env,
		"storage", s.storageKind(),
		"redis", s.redis != nil,
		"cautiousFallback", cautious,
		"patternInterval", cfg.PatternInterval.String(),
	)
	return s, nil
}

func (s *Server) openStores(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.txStore = transactions.NewMemoryStore()
		s.blockStore = blocklist.NewMemoryStore()
		s.profileStore = profiles.NewMemoryStore()
		s.alertStore = alerts.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.PostgresMaxOpen)
	db.SetMaxIdleConns(s.cfg.PostgresMaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database container often starts alongside the service.
	err = retry.Policy{
		Attempts:  5,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		OnRetry: func(attempt int, err error, sleep time.Duration) {
			s.logger.Warn("database not reachable, retrying", "attempt", attempt, "in", sleep.String(), "error", err)
		},
	}.Do(ctx, func() error { return db.PingContext(ctx) })
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.txStore = transactions.NewPostgresStore(db)
	s.blockStore = blocklist.NewPostgresStore(db)
	s.profileStore = profiles.NewPostgresStore(db)
	s.alertStore = alerts.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// openRedis dials REDIS_URL. When present Redis is the authoritative
// blocklist so every replica gates on the same set.
func (s *Server) openRedis(ctx context.Context) error {
	if s.redis == nil && s.cfg.RedisURL == "" {
		return nil
	}
	if s.redis == nil {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.blockStore = blocklist.NewRedisStore(s.redis)
	s.logger.Info("using Redis blocklist and distributed UPI locks")
	return nil
}

// upiLocker serializes a user's UPI evaluations in-process and, with Redis,
// across replicas.
func (s *Server) upiLocker() syncutil.Locker {
	local := syncutil.NewContextShardedMutex(s.cfg.UPILockShards)
	if s.redis == nil {
		return local
	}
	distributed := syncutil.NewRedisLock(s.redis, "riskgate:upi:lock:").OnLost(func(key string, err error) {
		s.logger.Error("distributed UPI lock lost before release", "user", key, "error", err)
	})
	return syncutil.Chain{local, distributed}
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("transactions", health.PingChecker("transactions", s.txStore.Ping))
	s.health.Register("blocklist", health.PingChecker("blocklist", s.gate.Ping))
	s.health.Register("profiles", health.PingChecker("profiles", s.profileStore.Ping))
	s.health.Register("alerts", health.PingChecker("alerts", s.alertStore.Ping))
	if s.redis != nil {
		s.health.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.models.RegisterHealth(s.health)
	s.health.Register("pattern_detector", func(context.Context) health.Status {
		// Before Run the timer is not expected to be running.
		if !s.ready.Load() || s.patternTimer.Running() {
			return health.Status{Name: "pattern_detector", Healthy: true}
		}
		return health.Status{Name: "pattern_detector", Healthy: false, Detail: "detector loop stopped"}
	})
	s.health.RegisterAdvisory("explain_breaker", s.explainer.Breaker().Checker("explain_breaker"))
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
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
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestSize))

	if s.cfg.RateLimitRPM > 0 {
		if s.redis != nil {
			s.router.Use(ratelimit.Middleware(ratelimit.NewRedisWindow(s.redis, s.cfg.RateLimitRPM), s.cfg.RateLimitRPM, "redis", s.logger))
		} else {
			s.rateLimiter = ratelimit.New(ratelimit.ConfigForRPM(s.cfg.RateLimitRPM))
			s.router.Use(ratelimit.Middleware(s.rateLimiter, s.cfg.RateLimitRPM, "local", s.logger))
		}
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.timeoutMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

// timeoutMiddleware bounds every request's context; stores and locks observe
// it and surface 503.
func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.RequestTimeout <= 0 || c.IsWebsocket() {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
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
	health.NewHandler(s.health).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.realtimeHub.RegisterRoutes(s.router)
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Scoring
	risk.NewHandler(s.riskService).RegisterRoutes(v1)
	upi.NewHandler(s.upiService).RegisterRoutes(v1)

	// Reads and operator writes over the shared stores
	transactions.NewHandler(s.txStore).RegisterRoutes(v1)
	blocklist.NewHandler(s.gate).RegisterRoutes(v1)
	alerts.NewHandler(s.alertManager).RegisterRoutes(v1)
	profiles.NewHandler(s.profileStore).RegisterRoutes(v1)
	heatmap.NewHandler(s.heatmap).RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsProduction()))
	models.NewHandler(s.models).RegisterAdminRoutes(admin)
	patterns.NewHandler(s.detector).RegisterAdminRoutes(admin)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "riskgate",
		"env":     s.cfg.Env,
		"storage": s.storageKind(),
		"endpoints": []string{
			"POST /v1/transactions/analyze",
			"POST /v1/upi/analyze",
			"GET /v1/transactions/:userId",
			"GET /v1/blocklist",
			"GET /v1/alerts",
			"GET /v1/users",
			"GET /v1/heatmap",
			"GET /ws",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without spans", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.patternTimer.Start(runCtx)
	if s.reloadTimer != nil {
		go s.reloadTimer.Start(runCtx)
	}
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

	s.patternTimer.Stop()
	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
