package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitvault/internal/config"
	"bitvault/internal/db"
	"bitvault/internal/exchange"
	"bitvault/internal/logging"
	"bitvault/internal/processor"
	"bitvault/internal/scheduler"
	"bitvault/internal/store"
	"bitvault/internal/wallet/btc"
	"bitvault/internal/wallet/hedera"
	"bitvault/internal/xendit"

	"github.com/adshao/go-binance/v2"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := logging.New(cfg.Log.Level, "processor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	fiat := xendit.New(cfg.Xendit.APIKey, logger)
	indodax := exchange.NewIndodax(cfg.Indodax.APIKey, cfg.Indodax.APISecret, logger)
	market := exchange.New(binance.NewClient(cfg.Binance.APIKey, cfg.Binance.APISecret), indodax, logger)

	btcWallet, err := btc.NewWallet(cfg.BTC.APIBase, cfg.BTC.OperatorWIF, cfg.BTC.Network, logger)
	if err != nil {
		log.Fatalf("btc wallet init failed: %v", err)
	}
	hbarWallet, err := hedera.NewWallet(cfg.Hedera.MirrorBase, cfg.Hedera.Network, cfg.Hedera.OperatorID, cfg.Hedera.OperatorKey, logger)
	if err != nil {
		log.Fatalf("hedera wallet init failed: %v", err)
	}

	svc := processor.New(
		st, fiat, market, btcWallet, hbarWallet,
		time.Duration(cfg.Processor.MaxTxAgeMinutes)*time.Minute,
		cfg.Referral.LifetimeReferrers,
		logger,
	)

	orchestrator := scheduler.New("orchestrator",
		time.Duration(cfg.Processor.IntervalSeconds)*time.Second, svc.RunTick, logger)
	fiatPoll := scheduler.New("fiat-poll",
		time.Duration(cfg.Processor.FiatPollIntervalSeconds)*time.Second, svc.RunFiatPoll, logger)

	orchestrator.Start(ctx)
	fiatPoll.Start(ctx)

	listener := &btc.BlockListener{
		URL: cfg.BTC.WSBase,
		OnBlock: func(height int64) {
			logger.Info("new block observed", "height", height)
			orchestrator.Kick()
		},
		Log: logger,
	}
	go listener.Run(ctx)

	logger.Info("processor started",
		"interval_s", cfg.Processor.IntervalSeconds,
		"fiat_poll_s", cfg.Processor.FiatPollIntervalSeconds)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	orchestrator.Stop()
	fiatPoll.Stop()
}
