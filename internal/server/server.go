// Package server wires the engine together and exposes its HTTP surface:
// the billing webhook, health probes, and metrics.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/histori-net/entitlement/internal/account"
	"github.com/histori-net/entitlement/internal/config"
	"github.com/histori-net/entitlement/internal/deposit"
	"github.com/histori-net/entitlement/internal/faults"
	"github.com/histori-net/entitlement/internal/health"
	"github.com/histori-net/entitlement/internal/logging"
	"github.com/histori-net/entitlement/internal/mailer"
	"github.com/histori-net/entitlement/internal/metrics"
	"github.com/histori-net/entitlement/internal/oracle"
	"github.com/histori-net/entitlement/internal/plans"
	"github.com/histori-net/entitlement/internal/quota"
	"github.com/histori-net/entitlement/internal/subscription"
	"github.com/histori-net/entitlement/internal/sweep"
	"github.com/histori-net/entitlement/internal/syncutil"
)

const maxWebhookBody = 1 << 16

// Server wraps the HTTP server and the engine's background loops.
type Server struct {
	cfg *config.Config

	accounts account.Store
	plans    plans.Store
	quotaSvc *quota.Service
	notifier mailer.Notifier
	locks    *syncutil.AccountMutex

	chain       *ethclient.Client
	watcher     *deposit.Watcher
	depositProc *deposit.Processor
	subProc     *subscription.Processor
	sweepTimer  *sweep.Timer

	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

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

// WithNotifier overrides the notification collaborator (for testing)
func WithNotifier(n mailer.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		locks:     syncutil.NewAccountMutex(),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	metrics.MustRegisterDefault()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
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
		s.accounts = account.NewPostgresStore(db)
		s.plans = plans.NewPostgresStore(db)
		s.healthReg.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.accounts = account.NewMemoryStore()
		s.plans = plans.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	// Quota service: real gateway if configured, in-memory fake otherwise.
	var quotaClient quota.Client
	if cfg.QuotaAPIURL != "" {
		quotaClient = quota.NewHTTPClient(cfg.QuotaAPIURL, cfg.QuotaAPIKey)
		s.logger.Info("quota gateway configured", "url", cfg.QuotaAPIURL)
	} else {
		quotaClient = quota.NewFakeClient()
		s.logger.Info("quota gateway running in-memory")
	}
	s.quotaSvc = quota.NewService(quotaClient, s.plans, s.logger)

	if s.notifier == nil {
		if cfg.SendGridAPIKey != "" {
			s.notifier = mailer.NewSendGrid(cfg.SendGridAPIKey, cfg.AlertFromEmail, s.logger)
			s.logger.Info("email notices enabled", "from", cfg.AlertFromEmail)
		} else {
			s.notifier = mailer.Nop{}
			s.logger.Info("email notices disabled")
		}
	}

	s.subProc = subscription.NewProcessor(s.accounts, s.plans, s.quotaSvc, s.notifier,
		s.locks, s.logger, subscription.Config{
			DowngradeGrace: time.Duration(cfg.DowngradeGraceDays) * 24 * time.Hour,
		})

	// Chain side: deposit watching requires an RPC endpoint and the
	// deposit contract; both are optional in development mode.
	if cfg.RPCURL != "" && cfg.DepositContract != "" {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		s.chain = client

		quoter := oracle.New(oracle.NewChainPoolReader(client),
			common.HexToAddress(cfg.ETHUSDCPool), common.HexToAddress(cfg.HSTETHPool))
		waiter := deposit.NewChainWaiter(client)

		s.depositProc = deposit.NewProcessor(s.accounts, s.plans, s.quotaSvc, s.quotaSvc,
			quoter, waiter, s.locks, s.logger, deposit.Config{
				Confirmations: cfg.Confirmations,
				Production:    cfg.IsProduction(),
			})

		watcherCfg := deposit.DefaultWatcherConfig()
		watcherCfg.DepositContract = common.HexToAddress(cfg.DepositContract)
		watcherCfg.StartBlock = cfg.StartBlock
		s.watcher = deposit.NewWatcher(watcherCfg, client, s.depositProc, s.logger)

		s.healthReg.Register("chain", health.Chain(client))
		s.healthReg.Register("watcher", health.Loop("watcher", s.watcher.Running))
		s.logger.Info("deposit watcher configured", "contract", cfg.DepositContract)
	} else {
		s.logger.Info("deposit watching disabled (no RPC_URL / DEPOSIT_CONTRACT)")
	}

	sweeper := sweep.New(s.accounts, s.plans, s.quotaSvc, s.notifier, s.locks, s.logger)
	s.sweepTimer = sweep.NewTimer(sweeper, time.Minute, s.logger)
	s.healthReg.Register("sweep", health.Loop("sweep", s.sweepTimer.Running))

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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered", "panic", fmt.Sprint(recovered), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.POST("/webhooks/billing", s.billingWebhookHandler)
}

// billingWebhookHandler verifies and applies one billing event. Terminal
// outcomes (applied, duplicate, unresolvable) acknowledge with 2xx so the
// sender stops redelivering; transient failures ask for redelivery.
func (s *Server) billingWebhookHandler(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	var event stripe.Event
	if s.cfg.StripeWebhookSecret != "" {
		event, err = webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), s.cfg.StripeWebhookSecret)
		if err != nil {
			s.logger.Warn("webhook signature rejected", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
	} else {
		// Development mode only: unsigned events accepted.
		if err := json.Unmarshal(payload, &event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
			return
		}
	}

	ev, consumed, err := subscription.FromStripeEvent(&event)
	if !consumed {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil {
		s.logger.Warn("billing event rejected at boundary", "event", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}

	switch err := s.subProc.Process(c.Request.Context(), ev); {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, faults.ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
	case errors.Is(err, faults.ErrUnresolvable):
		// Redelivery will not change resolvability; acknowledge.
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
	case faults.IsConfiguration(err):
		s.logger.Error("billing event hit configuration fault", "event", ev.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "configuration"})
	default:
		s.logger.Error("billing event failed", "event", ev.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retry later"})
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":   healthy,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and background loops, blocking until a
// shutdown signal or context cancellation.
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

	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
		}
	}
	go s.sweepTimer.Start(runCtx)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if s.watcher != nil {
		s.watcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}
	s.sweepTimer.Stop()

	if s.chain != nil {
		s.chain.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.logger.Info("database closed")
	}

	s.logger.Info("shutdown complete")
	return firstErr
}
