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

	gatewayapi "github.com/majisafe/majisafe/internal/api/gateway"
	"github.com/majisafe/majisafe/internal/application/gateway"
	"github.com/majisafe/majisafe/internal/config"
	"github.com/majisafe/majisafe/internal/domain/notification"
	"github.com/majisafe/majisafe/internal/infrastructure/natsbus"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	rule, err := gateway.NewAcceptRule(cfg.AcceptRule)
	if err != nil {
		log.Fatalf("accept rule error: %v", err)
	}

	var publisher notification.Publisher
	var natsPub *natsbus.Publisher
	if cfg.NATSURL != "" {
		natsPub, err = natsbus.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		publisher = natsPub
	}

	svc := gateway.NewService(gateway.Config{
		MinPaymentEth: cfg.MinPaymentEth,
		KeyWindow:     cfg.KeyWindow,
		MaxRecords:    cfg.MaxRecords,
	}, rule, publisher, logger)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      gatewayapi.NewServer(svc, logger).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("rule", rule.String()).Float64("min_payment_eth", cfg.MinPaymentEth).Msg("sms gateway started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	if natsPub != nil {
		natsPub.Close()
	}
}
