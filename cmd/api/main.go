package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/meridianfi/referral-engine/internal/adapter"
	"github.com/meridianfi/referral-engine/internal/api/middleware"
	"github.com/meridianfi/referral-engine/internal/api/rest"
	"github.com/meridianfi/referral-engine/internal/api/server"
	"github.com/meridianfi/referral-engine/internal/chain"
	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/hierarchy"
	"github.com/meridianfi/referral-engine/internal/idempotency"
	"github.com/meridianfi/referral-engine/internal/ledger"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/perfcache"
	"github.com/meridianfi/referral-engine/internal/reward"
	"github.com/meridianfi/referral-engine/internal/settlement"
	"github.com/meridianfi/referral-engine/internal/signature"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/txflow"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAPIConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "api-server",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting referral engine API")

	// Connect to database. TranslateError maps driver duplicate-key errors to
	// gorm.ErrDuplicatedKey, which the store relies on for replay detection.
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.Fatal("Failed to configure connection pool", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal("Failed to migrate database schema", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	dataStore := store.NewPGStore(db)
	clock := adapter.NewClock()

	// Connect to the chain RPC endpoint for transfer verification
	dialer := adapter.NewEthClientDialer()
	ethClient, err := dialer.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal("Failed to connect to chain RPC", zap.Error(err), zap.String("rpc_url", cfg.Chain.RPCURL))
	}
	defer ethClient.Close()
	verifier := chain.NewEthVerifier(ethClient, &cfg.Chain)

	// The idempotency guard and rate limiter share one Redis connection; with
	// no Redis configured the guard falls back to the in-process map and rate
	// limiting is disabled
	var (
		guard       idempotency.Guard
		rateLimit   gin.HandlerFunc
		redisClient adapter.RedisClient
	)
	if cfg.Redis.Addr != "" {
		redisClient = adapter.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error(err, zap.String("component", "redis"))
			}
		}()
		guard = idempotency.NewRedisGuard(redisClient, cfg.Limits.IdempotencyTTL)
		rateLimit = middleware.RateLimit(redisClient.NewRateLimiter(), cfg.Limits.RatePerMinute)
		logger.InfoCtx(ctx, "Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		guard = idempotency.NewMemoryGuard(cfg.Limits.IdempotencyTTL, clock)
		logger.WarnCtx(ctx, "Redis not configured, using in-process idempotency guard")
	}

	// Assemble services
	perf := perfcache.New(dataStore, cfg.Rewards.Thresholds())
	hierarchySvc := hierarchy.NewService(dataStore, perf)
	ledgerSvc := ledger.NewService(dataStore, &cfg.Rewards)
	rewardSvc := reward.NewService(dataStore, ledgerSvc, perf, &cfg.Rewards)
	txflowSvc := txflow.NewService(dataStore, ledgerSvc, verifier, rewardSvc, perf,
		&cfg.Limits, &cfg.Settlement, clock)
	settler := settlement.NewSettler(dataStore, perf, rewardSvc, ledgerSvc, txflowSvc,
		&cfg.Rewards, &cfg.Settlement, clock)

	handler := rest.NewHandler(hierarchySvc, ledgerSvc, txflowSvc, perf, dataStore, settler, &cfg.Rewards)
	routes := rest.RouteConfig{
		SignatureAuth: middleware.SignatureAuth(signature.NewVerifier(clock, cfg.Limits.SignatureFreshFor), guard),
		RateLimit:     rateLimit,
		AdminAuth:     middleware.APIKeyAuth(middleware.AuthConfig{APIKeys: cfg.Auth.APIKeys}),
	}

	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}, handler, routes)

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("API server stopped")
}
