package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/better-wallet/wallet-core/internal/api"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/config"
	"github.com/better-wallet/wallet-core/internal/core"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/metrics"
	"github.com/better-wallet/wallet-core/internal/middleware"
	"github.com/better-wallet/wallet-core/internal/storage"
)

var _ api.Wallet = (*core.Core)(nil)

// breakerMinRequests is how many calls an endpoint sees before its failure
// ratio can trip the breaker
const breakerMinRequests = 5

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, closeStore, err := storage.Open(ctx, cfg.StorageBackend, cfg.BadgerDir, cfg.PostgresDSN)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	slog.Info("opened storage", "backend", cfg.StorageBackend)

	// Envelope encryption of sealed credentials
	kms, err := keyexec.NewKMSProvider(&keyexec.KMSConfig{
		Provider:          cfg.KMSProvider,
		LocalMasterKeyHex: cfg.KMSLocalMasterKey,
		AWSKMSKeyID:       cfg.KMSAWSKeyID,
		AWSKMSRegion:      cfg.KMSAWSRegion,
		VaultAddress:      cfg.KMSVaultAddress,
		VaultToken:        cfg.KMSVaultToken,
		VaultTransitKey:   cfg.KMSVaultTransitKey,
	})
	if err != nil {
		slog.Error("failed to initialize KMS provider", "provider", cfg.KMSProvider, "error", err)
		os.Exit(1)
	}
	slog.Info("initialized KMS provider", "provider", kms.Provider())

	chains := chain.Defaults()
	if cfg.ChainsFile != "" {
		chains, err = chain.LoadFile(cfg.ChainsFile, chains)
		if err != nil {
			slog.Error("failed to load chains file", "path", cfg.ChainsFile, "error", err)
			os.Exit(1)
		}
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	originLimiter := middleware.NewRateLimiter(float64(cfg.OriginRateLimitRPS), cfg.OriginRateLimitBurst, true)
	defer originLimiter.Stop()
	controlLimiter := middleware.NewRateLimiter(10, 20, true)
	defer controlLimiter.Stop()

	hub, ui := api.NewHub(), api.NewUI()
	wallet, err := core.New(ctx, core.Config{
		Store:              store,
		Chains:             chains,
		KMS:                kms,
		Surface:            ui,
		Responder:          hub,
		Breakers:           endpoint.NewBreakers(cfg.BreakerFailureRatio, breakerMinRequests),
		Metrics:            m,
		Limiter:            originLimiter,
		FetchTimeout:       cfg.FetchTimeout,
		PollInterval:       cfg.BalancePollInterval,
		BalanceConcurrency: cfg.BalanceConcurrency,
		AddressConcurrency: cfg.AddressConcurrency,
		RPCRateLimit:       cfg.RPCRateLimit,
	})
	if err != nil {
		slog.Error("failed to initialize wallet core", "error", err)
		os.Exit(1)
	}

	opts := api.Options{
		Host:    cfg.Host,
		Port:    cfg.Port,
		UIToken: cfg.UIToken,
		Limiter: controlLimiter,
	}
	if m != nil {
		opts.Metrics = m.Handler()
	}
	server := api.NewServer(opts, wallet, hub, ui)

	coreDone := make(chan error, 1)
	go func() {
		coreDone <- wallet.Run(ctx)
	}()

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Wait for either server error or shutdown signal
	exitCode := 0
	select {
	case err := <-serverErrors:
		if err != nil {
			slog.Error("server error", "error", err)
			exitCode = 1
		}
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}
	stop()

	// Create a context with timeout for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Attempt graceful shutdown
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
		slog.Warn("forcing shutdown")
	}

	// the core answers every undecided request before returning
	select {
	case err := <-coreDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("wallet core stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("wallet core did not stop in time")
	}

	slog.Info("server stopped")
	if exitCode != 0 {
		closeStore()
		os.Exit(exitCode)
	}
}
