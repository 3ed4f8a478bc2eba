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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/finaiguard/internal/attestation"
	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/circuitbreaker"
	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/config"
	"github.com/mbd888/finaiguard/internal/health"
	"github.com/mbd888/finaiguard/internal/idgen"
	"github.com/mbd888/finaiguard/internal/logging"
	"github.com/mbd888/finaiguard/internal/metrics"
	"github.com/mbd888/finaiguard/internal/pipeline"
	"github.com/mbd888/finaiguard/internal/ratelimit"
	"github.com/mbd888/finaiguard/internal/realtime"
	"github.com/mbd888/finaiguard/internal/reference"
	"github.com/mbd888/finaiguard/internal/report"
	"github.com/mbd888/finaiguard/internal/risk"
	"github.com/mbd888/finaiguard/internal/security"
	"github.com/mbd888/finaiguard/internal/traces"
	"github.com/mbd888/finaiguard/internal/validation"
)

// Version is reported by / and /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	policy      *config.Policy
	chain       *auditchain.Service
	pipeline    *pipeline.Pipeline
	aggregator  *risk.Aggregator
	exporter    *report.Exporter
	index       risk.Store
	reference   reference.Provider
	signer      *attestation.Signer
	publisher   attestation.Publisher
	attestTimer *attestation.Timer
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithReferenceProvider replaces the configured reference data source.
func WithReferenceProvider(p reference.Provider) Option {
	return func(s *Server) {
		s.reference = p
	}
}

// WithPublisher replaces the configured attestation publisher.
func WithPublisher(p attestation.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers.
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

	// Apply options first (may set logger/reference/publisher)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	s.policy = policy
	s.logger.Info("policy loaded", "rules", len(policy.Rules), "source", policySource(cfg.PolicyFile))

	hasher, err := auditchain.NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var chainStore auditchain.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgChain := auditchain.NewPostgresStore(db)
		if err := pgChain.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate audit chain store: %w", err)
		}
		chainStore = pgChain

		pgIndex := risk.NewPostgresStore(db)
		if err := pgIndex.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate assessment index", "error", err)
		}
		s.index = pgIndex

		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
	} else {
		chainStore = auditchain.NewMemoryStore()
		s.index = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.reference == nil {
		if s.reference, err = s.openReference(ctx); err != nil {
			return nil, err
		}
	}

	s.chain = auditchain.NewService(chainStore, hasher, s.logger)
	s.aggregator, err = risk.NewAggregator(policy.Boundaries)
	if err != nil {
		return nil, err
	}
	engine := compliance.NewEngine(s.logger).WithRuleTimeout(cfg.RuleTimeout)
	s.pipeline, err = pipeline.New(pipeline.Config{
		Rules:          policy.Rules,
		Workers:        cfg.Workers,
		AppendAttempts: cfg.AppendAttempts,
		LookupTimeout:  cfg.LookupTimeout,
	}, engine, s.aggregator, s.chain, s.reference, s.index, s.logger)
	if err != nil {
		return nil, err
	}
	s.exporter = report.NewExporter(s.chain, s.logger)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.chain.OnAppend(s.realtimeHub.Observer())

	if err := s.setupAttestation(); err != nil {
		return nil, err
	}

	s.health.Register("chain:"+cfg.DefaultChain, health.ChainIntegrity(cfg.DefaultChain, s.exporter.Verify))

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

func policySource(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

// openReference picks the reference source: Redis when configured (seeded
// from REFERENCE_DIR and guarded by a circuit breaker), otherwise the
// snapshot files in REFERENCE_DIR held in memory.
func (s *Server) openReference(ctx context.Context) (reference.Provider, error) {
	var seed []*reference.Data
	if s.cfg.ReferenceDir != "" {
		ds, err := reference.ReadDir(s.cfg.ReferenceDir)
		if err != nil {
			return nil, err
		}
		seed = ds
	}

	if s.cfg.RedisURL != "" {
		opt, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: REDIS_URL: %w", config.ErrConfiguration, err)
		}
		s.redis = redis.NewClient(opt)
		rp := reference.NewRedisProvider(s.redis, "")
		if len(seed) > 0 {
			n, err := rp.Seed(ctx, seed)
			if err != nil {
				s.logger.Warn("failed to seed reference snapshots", "error", err)
			} else {
				s.logger.Info("reference snapshots seeded", "published", n, "total", len(seed))
			}
		}
		s.health.Register("redis", health.Ping("redis", rp.Ping))

		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("reference circuit changed", "provider", key, "from", from.String(), "to", to.String())
		})
		s.logger.Info("using Redis reference data")
		return reference.NewGuarded("redis", rp, breaker, s.logger), nil
	}

	mem := reference.NewMemoryProvider()
	for _, d := range seed {
		if err := mem.Add(d); err != nil {
			return nil, err
		}
	}
	if len(seed) == 0 {
		s.logger.Warn("no reference data configured, reference-dependent rules will be inapplicable")
	} else {
		s.logger.Info("using in-memory reference data", "versions", mem.Versions())
	}
	return mem, nil
}

func (s *Server) setupAttestation() error {
	var signer report.Signer
	if s.cfg.AttestationKey != "" {
		sg, err := attestation.NewSigner(s.cfg.AttestationKey)
		if err != nil {
			return err
		}
		s.signer = sg
		signer = sg
		s.logger.Info("attestation signing enabled", "signer", sg.Address())
	}

	if s.publisher == nil {
		if len(s.cfg.KafkaBrokers) > 0 {
			kp, err := attestation.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
			if err != nil {
				return err
			}
			s.publisher = kp
			s.logger.Info("publishing attestations to kafka", "topic", s.cfg.KafkaTopic)
		} else {
			s.publisher = attestation.NewLogPublisher(s.logger)
		}
	}

	s.attestTimer = attestation.NewTimer(s.chain, s.exporter, signer, s.publisher, s.logger).
		WithInterval(s.cfg.AttestationInterval)
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Server span first so request-scoped contexts carry it
	s.router.Use(traces.Middleware())

	// Request ID before rate limiting so rejections are traceable
	s.router.Use(s.requestIDMiddleware())

	if s.cfg.RateLimitRPS > 0 {
		cfg := ratelimit.FromRPS(s.cfg.RateLimitRPS)
		cfg.Key = ratelimit.ByClientAndChain
		s.rateLimiter = ratelimit.New(cfg)
		s.router.Use(s.rateLimiter.Middleware())
	}

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep a request ID from the load balancer when it is usable
		requestID := idgen.RequestID(c.GetHeader("X-Request-ID"))

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if chain := c.Param("chain"); chain != "" {
			ctx = logging.WithChain(ctx, chain)
		}
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1", validation.ChainParamMiddleware(), security.NoStoreMiddleware())

	pipeline.NewHandler(s.pipeline).RegisterRoutes(v1)
	auditchain.NewHandler(s.chain).RegisterRoutes(v1)

	reports := report.NewHandler(s.exporter, s.logger)
	if s.signer != nil {
		reports = reports.WithSigner(s.signer)
	}
	reports.RegisterRoutes(v1)

	risk.NewHandler(s.index, s.aggregator).RegisterRoutes(v1.Group("", validation.AddressParamMiddleware()))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  *realtime.Stats `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	stats := s.realtimeHub.Stats()
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  &stats,
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

type ruleInfo struct {
	ID       string              `json:"id"`
	Kind     compliance.Kind     `json:"kind"`
	Severity compliance.Severity `json:"severity"`
}

func (s *Server) infoHandler(c *gin.Context) {
	rules := make([]ruleInfo, 0, len(s.policy.Rules))
	for _, r := range s.pipeline.Rules() {
		rules = append(rules, ruleInfo{ID: r.ID, Kind: r.Kind, Severity: r.Severity})
	}
	info := gin.H{
		"service":      "finaiguard",
		"version":      Version,
		"algorithm":    s.chain.Hasher().Name(),
		"defaultChain": s.cfg.DefaultChain,
		"rules":        rules,
		"boundaries":   s.aggregator.Boundaries(),
	}
	if s.signer != nil {
		info["attestationSigner"] = s.signer.Address()
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, traces.Config{
		Endpoint:       s.cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute, // large exports
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"algorithm", s.chain.Hasher().Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.attestTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Stop background goroutines (hub, timer, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.attestTimer.Stop()

	// Publish final heads before closing the publisher
	if n, err := s.attestTimer.RunOnce(ctx); err != nil {
		s.logger.Warn("final attestation failed", "error", err)
	} else if n > 0 {
		s.logger.Info("final attestations published", "count", n)
	}
	if kp, ok := s.publisher.(*attestation.KafkaPublisher); ok {
		kp.Close()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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
