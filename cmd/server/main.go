package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	httpapi "github.com/study-hub/study-hub/internal/api/http"
	"github.com/study-hub/study-hub/internal/application/auth"
	appwizard "github.com/study-hub/study-hub/internal/application/wizard"
	"github.com/study-hub/study-hub/internal/config"
	"github.com/study-hub/study-hub/internal/infrastructure/ethereum"
	"github.com/study-hub/study-hub/internal/infrastructure/postgres"
	"github.com/study-hub/study-hub/internal/infrastructure/sse"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	sessionRepo := postgres.NewSessionRepository(pool)
	indexRepo := postgres.NewIndexRepository(pool)
	accountRepo := postgres.NewAccountRepository(pool)

	// infrastructure
	sseHub := sse.NewHub()

	ethClient, chainID, err := ethereum.Dial(ctx, cfg.EthRPCURL)
	if err != nil {
		log.Fatalf("ethereum error: %v", err)
	}
	defer ethClient.Close()

	var signer ethereum.Signer
	if cfg.LocalSignerKey != "" {
		signer, err = ethereum.NewLocalSigner(ethClient, cfg.LocalSignerKey, chainID)
		if err != nil {
			log.Fatalf("signer error: %v", err)
		}
		logger.Warn().Msg("local signer enabled, wallet approval is bypassed")
	} else {
		signer = ethereum.NewWalletBridgeSigner(cfg.WalletBridgeURL)
	}

	gateway, err := ethereum.New(ethClient, chainID, ethereum.Config{
		EscrowContract:   common.HexToAddress(cfg.EscrowContract),
		RegistryContract: common.HexToAddress(cfg.RegistryContract),
		Confirmations:    cfg.Confirmations,
		PollInterval:     cfg.ConfirmPoll,
		ConfirmTimeout:   cfg.ConfirmTimeout,
	}, signer, logger)
	if err != nil {
		log.Fatalf("gateway error: %v", err)
	}

	// services
	authSvc := auth.NewService(accountRepo, cfg.SessionTTL, logger)
	wizardSvc := appwizard.NewOrchestrator(
		sessionRepo,
		indexRepo,
		gateway,
		indexRepo,
		sseHub,
		appwizard.Options{
			BatchThreshold: cfg.MilestoneBatchThreshold,
			BudgetWarnOnly: cfg.BudgetPolicy == config.BudgetPolicyWarn,
		},
		logger,
	)

	// API server
	apiServer := httpapi.NewServer(authSvc, wizardSvc, sseHub, cfg.SessionCookieName, cfg.SessionCookieSecure)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: step requests block on wallet approval and
		// confirmation, and the events route streams indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			n, err := authSvc.CleanupExpired(context.Background())
			if err != nil {
				logger.Error().Err(err).Msg("session cleanup failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("deleted", n).Msg("expired sessions removed")
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
