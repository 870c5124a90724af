package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/meridianfi/referral-engine/internal/adapter"
	"github.com/meridianfi/referral-engine/internal/chain"
	"github.com/meridianfi/referral-engine/internal/config"
	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/ledger"
	"github.com/meridianfi/referral-engine/internal/logger"
	"github.com/meridianfi/referral-engine/internal/perfcache"
	"github.com/meridianfi/referral-engine/internal/reward"
	"github.com/meridianfi/referral-engine/internal/settlement"
	"github.com/meridianfi/referral-engine/internal/store"
	"github.com/meridianfi/referral-engine/internal/txflow"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
	// backfillDate runs one settlement for the given UTC day and exits,
	// instead of scheduling the daily run
	backfillDate = flag.String("date", "", "Settle one day (YYYY-MM-DD) and exit")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadSettlerConfig(*configFile, *envPath)
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
			"service": "settler",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting referral engine settler")

	// Connect to database. TranslateError maps driver duplicate-key errors to
	// gorm.ErrDuplicatedKey, which makes replayed settlement days no-ops.
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

	dataStore := store.NewPGStore(db)
	clock := adapter.NewClock()

	// Connect to the chain RPC endpoint for the finalization sweep
	dialer := adapter.NewEthClientDialer()
	ethClient, err := dialer.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal("Failed to connect to chain RPC", zap.Error(err), zap.String("rpc_url", cfg.Chain.RPCURL))
	}
	defer ethClient.Close()
	verifier := chain.NewEthVerifier(ethClient, &cfg.Chain)

	// Assemble the settlement pipeline
	perf := perfcache.New(dataStore, cfg.Rewards.Thresholds())
	ledgerSvc := ledger.NewService(dataStore, &cfg.Rewards)
	rewardSvc := reward.NewService(dataStore, ledgerSvc, perf, &cfg.Rewards)
	// the settler only finalizes transactions, so withdrawal limits are unused
	txflowSvc := txflow.NewService(dataStore, ledgerSvc, verifier, rewardSvc, perf,
		&config.LimitsConfig{}, &cfg.Settlement, clock)
	settler := settlement.NewSettler(dataStore, perf, rewardSvc, ledgerSvc, txflowSvc,
		&cfg.Rewards, &cfg.Settlement, clock)

	settle := func(day domain.Day) error {
		result, err := settler.Run(ctx, day)
		if err != nil {
			return err
		}
		logger.InfoCtx(ctx, "settlement run finished",
			zap.String("day", result.Day.String()),
			zap.Int("reranked", result.Reranked),
			zap.Int("rewarded", result.Rewarded),
			zap.Int("swept", result.Swept),
			zap.Int("failures", result.Failures))
		return nil
	}

	// One-shot backfill mode
	if *backfillDate != "" {
		day, err := domain.ParseDay(*backfillDate)
		if err != nil {
			logger.Fatal("Bad -date value", zap.Error(err), zap.String("date", *backfillDate))
		}
		if err := settle(day); err != nil {
			logger.Fatal("Settlement failed", zap.Error(err), zap.String("day", day.String()))
		}
		return
	}

	// Scheduled mode: every run settles the previous UTC day
	scheduler := cron.New(cron.WithLocation(time.UTC))
	_, err = scheduler.AddFunc(cfg.Settlement.CronSpec, func() {
		day := domain.DayOf(clock.Now().AddDate(0, 0, -1))
		if err := settle(day); err != nil {
			logger.Error(err, zap.String("day", day.String()))
		}
	})
	if err != nil {
		logger.Fatal("Bad cron spec", zap.Error(err), zap.String("cron_spec", cfg.Settlement.CronSpec))
	}
	scheduler.Start()
	logger.InfoCtx(ctx, "Settlement scheduler started", zap.String("cron_spec", cfg.Settlement.CronSpec))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	// Let an in-flight run finish before exiting
	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("Timed out waiting for in-flight settlement run")
	}

	logger.Info("Settler stopped")
}
