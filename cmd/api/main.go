package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitvault/internal/config"
	"bitvault/internal/db"
	"bitvault/internal/exchange"
	"bitvault/internal/logging"
	"bitvault/internal/rebalance"
	"bitvault/internal/server"
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
	logger := logging.New(cfg.Log.Level, "api")

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	fiat := xendit.New(cfg.Xendit.APIKey, logger)

	btcWallet, err := btc.NewWallet(cfg.BTC.APIBase, cfg.BTC.OperatorWIF, cfg.BTC.Network, logger)
	if err != nil {
		log.Fatalf("btc wallet init failed: %v", err)
	}
	hbarWallet, err := hedera.NewWallet(cfg.Hedera.MirrorBase, cfg.Hedera.Network, cfg.Hedera.OperatorID, cfg.Hedera.OperatorKey, logger)
	if err != nil {
		log.Fatalf("hedera wallet init failed: %v", err)
	}
	btcNet, err := btc.NetworkParams(cfg.BTC.Network)
	if err != nil {
		log.Fatalf("btc network params failed: %v", err)
	}

	indodax := exchange.NewIndodax(cfg.Indodax.APIKey, cfg.Indodax.APISecret, logger)
	market := exchange.New(binance.NewClient(cfg.Binance.APIKey, cfg.Binance.APISecret), indodax, logger)
	reb := rebalance.New(fiat, market, indodax, btcWallet, rebalance.Config{
		ThresholdIDR:       cfg.Rebalance.XenditThresholdIDR,
		BankCode:           cfg.Indodax.BankCode,
		AccountNumber:      cfg.Indodax.AccountNumber,
		AccountHolderName:  cfg.Indodax.AccountHolder,
		IndodaxUSDTAddress: cfg.Indodax.USDTAddress,
		IndodaxUSDTMemo:    cfg.Indodax.USDTMemo,
		StorageAddress:     cfg.BTC.StorageAddress,
	}, logger)

	txSvc := server.NewService(st, fiat, hbarWallet, btcNet, btcWallet.OperatorAddress(), cfg.BTC.StorageAddress, logger)
	h := server.NewHandler(txSvc, reb)
	srv := server.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
