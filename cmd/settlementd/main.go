package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"storefront/bank"
	"storefront/chain"
	"storefront/channels/banktransfer"
	"storefront/channels/crypto"
	"storefront/channels/gateway"
	"storefront/config"
	"storefront/identity"
	"storefront/models"
	"storefront/notify"
	"storefront/observability/logging"
	"storefront/oracle"
	"storefront/psp"
	"storefront/server"
	"storefront/settlement"
	"storefront/store"
	"storefront/wallet"
)

func main() {
	configPath := flag.String("config", "config/settlementd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "settlementd",
		Env:     cfg.Environment,
		File:    cfg.Log.File,
		MaxSize: cfg.Log.MaxSize,
		Backups: cfg.Log.Backups,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("settlementd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	jwtSecret := config.Secret(cfg.Auth.JWTSecretEnv)
	if jwtSecret == "" {
		return fmt.Errorf("auth secret %s is not set", cfg.Auth.JWTSecretEnv)
	}

	limits := store.DefaultLimits()
	if cfg.Limits.FiatMinimum > 0 {
		limits.MinGateway = cfg.Limits.FiatMinimum
		limits.MinBankTransfer = cfg.Limits.FiatMinimum
	}
	if cfg.Limits.CryptoMinimum > 0 {
		limits.MinCrypto = cfg.Limits.CryptoMinimum
	}
	if cfg.Limits.Maximum > 0 {
		limits.Max = cfg.Limits.Maximum
	}

	st := store.New(db, store.WithLimits(limits))
	ledger := wallet.New(db)
	dispatcher := notify.NewDispatcher(cfg.Notify.Endpoint, config.Secret(cfg.Notify.APIKeyEnv), cfg.Notify.PerMinute)
	coordinator := settlement.New(settlement.Config{
		DB:       db,
		Store:    st,
		Ledger:   ledger,
		Notifier: dispatcher,
		Logger:   logger,
	})

	priceOracle := oracle.New(cfg.Oracle.MaxAge.Duration, cfg.Oracle.MaxDeviation, cfg.Oracle.Breaker)
	registry := oracle.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Oracle.Sources))
	for _, src := range cfg.Oracle.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, config.Secret(src.APIKeyEnv), src.Assets)
		if err != nil {
			return fmt.Errorf("oracle source %s: %w", src.Name, err)
		}
		sources = append(sources, built)
	}
	poller := oracle.NewPoller(priceOracle, sources, cfg.Crypto.Asset, cfg.Crypto.Quote, cfg.Oracle.Interval.Duration, logger)

	ethClient, err := chain.Dial(cfg.Crypto.RPCURL)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer ethClient.Close()
	scanner := chain.NewScanner(ethClient, common.HexToAddress(cfg.Crypto.TokenAddress), cfg.Crypto.Confirmations, cfg.Crypto.Lookback)

	pspClient := psp.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.PayURL, config.Secret(cfg.Gateway.MerchantIDEnv))
	gatewayCh := gateway.New(st, coordinator, pspClient, cfg.Gateway.CallbackURL, logger)

	bankCh := banktransfer.New(banktransfer.Config{
		Store:       st,
		Coordinator: coordinator,
		Session:     bank.NewHTTPSessionClient(cfg.Bank.BaseURL, config.Secret(cfg.Bank.APIKeyEnv)),
		ShabaNumber: cfg.Bank.ShabaNumber,
		IntentTTL:   cfg.Bank.IntentTTL.Duration,
		Window:      cfg.Bank.Window.Duration,
		Interval:    cfg.Bank.Interval.Duration,
		Logger:      logger,
	})

	var tolerance *big.Int
	if cfg.Crypto.ToleranceBaseUnits > 0 {
		tolerance = big.NewInt(cfg.Crypto.ToleranceBaseUnits)
	}
	cryptoCh := crypto.New(crypto.Config{
		Store:       st,
		Coordinator: coordinator,
		Prices:      priceOracle,
		Lister:      scanner,
		Asset:       cfg.Crypto.Asset,
		Address:     common.HexToAddress(cfg.Crypto.WalletAddress),
		Decimals:    cfg.Crypto.Decimals,
		Tolerance:   tolerance,
		Window:      cfg.Crypto.Window.Duration,
		Interval:    cfg.Crypto.Interval.Duration,
		Logger:      logger,
	})

	srv := server.New(server.Config{
		DB:            db,
		Store:         st,
		Coordinator:   coordinator,
		Gateway:       gatewayCh,
		BankTransfer:  bankCh,
		Crypto:        cryptoCh,
		Ledger:        ledger,
		Identity:      identity.NewVerifier([]byte(jwtSecret)),
		WebhookSecret: config.Secret(cfg.Gateway.CallbackSecretEnv),
		Logger:        logger,
	})

	go poller.Run(ctx)
	go bankCh.Run(ctx)
	go cryptoCh.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	coordinator.Drain()
	logger.Info("settlementd stopped")
	return nil
}
