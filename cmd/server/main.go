package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/majisafe/majisafe/internal/api/http"
	"github.com/majisafe/majisafe/internal/application/checkout"
	appPump "github.com/majisafe/majisafe/internal/application/pump"
	"github.com/majisafe/majisafe/internal/application/session"
	"github.com/majisafe/majisafe/internal/application/watcher"
	"github.com/majisafe/majisafe/internal/config"
	"github.com/majisafe/majisafe/internal/domain/notification"
	"github.com/majisafe/majisafe/internal/domain/payment"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/infrastructure/ethereum"
	"github.com/majisafe/majisafe/internal/infrastructure/keystore"
	"github.com/majisafe/majisafe/internal/infrastructure/natsbus"
	"github.com/majisafe/majisafe/internal/infrastructure/paymentapi"
	"github.com/majisafe/majisafe/internal/infrastructure/postgres"
	"github.com/majisafe/majisafe/internal/infrastructure/pumpdriver"
	"github.com/majisafe/majisafe/internal/infrastructure/redisdb"
	"github.com/majisafe/majisafe/internal/infrastructure/sse"
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

	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatalf("migration error: %v", err)
		}
	}

	// repositories
	purchaseRepo := postgres.NewPurchaseRepository(pool)
	pumpEventRepo := postgres.NewPumpEventRepository(pool)

	// infrastructure
	sseHub := sse.NewHub(logger)
	publishers := notification.Fanout{sseHub}
	var natsPub *natsbus.Publisher
	if cfg.NATSURL != "" {
		natsPub, err = natsbus.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		publishers = append(publishers, natsPub)
	}

	var dedup payment.DedupStore
	memDedup := payment.NewMemoryDedupStore(cfg.DedupTTL)
	dedup = memDedup
	if cfg.RedisAddr != "" {
		rdb, err := redisdb.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		defer rdb.Close()
		dedup = redisdb.NewDedupStore(rdb, cfg.DedupTTL)
	}

	signer, err := keystore.FromEnvValue(cfg.LedgerPrivateKey)
	if err != nil {
		log.Fatalf("signing key error: %v", err)
	}
	if signer == nil {
		logger.Warn().Msg("LEDGER_PRIVATE_KEY not set; buyWater and activatePump submissions are disabled")
	}
	ledgerClient, err := ethereum.Dial(ctx, ethereum.Config{
		RPCURL:          cfg.LedgerRPCURL,
		ContractAddress: cfg.LedgerContractAddress,
		GasLimit:        cfg.LedgerGasLimit,
	}, signer, logger)
	if err != nil {
		log.Fatalf("ledger error: %v", err)
	}

	var driver pump.Driver
	if cfg.PumpDriverURL != "" {
		driver = pumpdriver.NewESP32(cfg.PumpDriverURL, logger)
	} else {
		logger.Warn().Msg("PUMP_DRIVER_URL not set; using simulated pumps")
		driver = pumpdriver.NewSimulated(200*time.Millisecond, logger)
	}

	pumpIDs := make([]pump.ID, 0, len(cfg.PumpIDs))
	for _, label := range cfg.PumpIDs {
		id, err := pump.ParseID(label)
		if err != nil {
			log.Fatalf("pump id %q: %v", label, err)
		}
		pumpIDs = append(pumpIDs, id)
	}

	gatewayClient := paymentapi.NewClient(cfg.PaymentGatewayURL, cfg.PaymentTimeout)

	// services
	pumpCtl := appPump.NewController(driver, pumpEventRepo, publishers, appPump.Config{
		MaxDispense:      cfg.PumpMaxDispense,
		HandshakeTimeout: cfg.PumpHandshakeTimeout,
	}, logger)
	pumpCtl.Register(pumpIDs...)

	registry := session.NewRegistry(cfg.SessionTTL, cfg.SessionGrace)
	sessionSvc := session.NewService(registry, purchaseRepo, pumpCtl, gatewayClient, ledgerClient, cfg.PumpLitersPerActivation, publishers, logger)

	paymentWatcher := watcher.NewPaymentWatcher(gatewayClient, dedup, cfg.PaymentPollInterval, logger)
	ledgerWatcher := watcher.NewLedgerWatcher(ledgerClient, watcher.LedgerConfig{
		PollInterval:     cfg.LedgerPollInterval,
		MinConfirmations: cfg.LedgerMinConfirmations,
		DropTimeout:      cfg.LedgerDropTimeout,
	}, logger)
	checkoutSvc := checkout.NewService(sessionSvc, paymentWatcher, ledgerWatcher, ledgerClient, cfg.SessionKeyWindow, logger)

	// API server
	apiServer := httpapi.NewServer(checkoutSvc, sessionSvc, pumpCtl, ledgerClient, sseHub, cfg.OperatorTokenHash, httpapi.Info{
		Service:  "MajiSafe purchase coordinator",
		Contract: cfg.LedgerContractAddress,
		RPCURL:   cfg.LedgerRPCURL,
	}, logger)

	// no WriteTimeout: /v1/events streams stay open
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// background loops
	bgCtx, stopBackground := context.WithCancel(context.Background())
	go sessionSvc.RunExpiry(bgCtx, cfg.ReapInterval)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				_ = memDedup.Cleanup()
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Int("pumps", len(pumpIDs)).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sseHub.Stop()
	_ = httpServer.Shutdown(ctxShutdown)
	stopBackground()
	checkoutSvc.Close()
	pumpCtl.Shutdown(ctxShutdown)
	if natsPub != nil {
		natsPub.Close()
	}
}
