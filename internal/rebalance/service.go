package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"bitvault/internal/exchange"
	"bitvault/internal/fees"
	"bitvault/internal/models"
	"bitvault/internal/wallet/btc"
	"bitvault/internal/xendit"
)

// Directions a rebalance can take.
const (
	DirectionNone    = "NONE"
	DirectionTopUp   = "TOP_UP_FIAT"
	DirectionDrain   = "DRAIN_FIAT"
)

// Steps of each direction. Venue-to-venue transfers settle asynchronously, so
// the operator invokes one step at a time and waits for funds to land before
// the next.
const (
	StepMoveTokens  = "move-tokens"   // operator wallet -> exchange deposit address
	StepSellTokens  = "sell-tokens"   // sell on Binance, push USDT to Indodax
	StepLiquidate   = "liquidate"     // sell USDT for IDR on Indodax
	StepPayout      = "payout"        // Xendit payout of the surplus to the operator bank
	StepBuyUSDT     = "buy-usdt"      // buy USDT on Indodax, push it to Binance
	StepBuyTokens   = "buy-tokens"    // buy on Binance, withdraw to the storage wallet
)

type FiatGateway interface {
	GetBalance(ctx context.Context) (float64, error)
	CreatePayout(ctx context.Context, spec xendit.PayoutSpec) (string, error)
}

type Exchange interface {
	TokenToIDRPrice(ctx context.Context, token models.TokenType) (float64, error)
	MarketBuy(ctx context.Context, token models.TokenType, idrAmount float64) (string, float64, error)
	MarketSell(ctx context.Context, token models.TokenType, qty float64) (string, error)
	DepositAddress(ctx context.Context, coin string) (string, string, error)
	Withdraw(ctx context.Context, coin string, amount float64, address, memo string) error
}

type IndodaxAPI interface {
	FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error)
	PrivateCall(ctx context.Context, method string, params map[string]string) (*exchange.PrivateResponse, error)
}

type TokenWallet interface {
	SendBulk(ctx context.Context, payouts []btc.Payout) (string, error)
}

// Config is the static wiring of the rebalance paths.
type Config struct {
	ThresholdIDR float64

	BankCode          string
	AccountNumber     string
	AccountHolderName string

	IndodaxUSDTAddress string
	IndodaxUSDTMemo    string
	StorageAddress     string
}

// Service moves operator liquidity between the fiat gateway, the exchanges
// and the token wallet so that the gateway balance tracks the configured
// threshold. Every step is operator-triggered.
type Service struct {
	fiat    FiatGateway
	market  Exchange
	indodax IndodaxAPI
	wallet  TokenWallet
	cfg     Config
	log     *slog.Logger
}

func New(fiat FiatGateway, market Exchange, indodax IndodaxAPI, wallet TokenWallet, cfg Config, log *slog.Logger) *Service {
	return &Service{fiat: fiat, market: market, indodax: indodax, wallet: wallet, cfg: cfg, log: log}
}

// Plan is the balance snapshot and the suggested next move.
type Plan struct {
	BalanceIDR   float64 `json:"balanceIdr"`
	ThresholdIDR float64 `json:"thresholdIdr"`
	Direction    string  `json:"direction"`
	AmountIDR    float64 `json:"amountIdr"`
}

func (s *Service) Plan(ctx context.Context) (*Plan, error) {
	balance, err := s.fiat.GetBalance(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{BalanceIDR: balance, ThresholdIDR: s.cfg.ThresholdIDR, Direction: DirectionNone}
	switch {
	case balance < s.cfg.ThresholdIDR:
		plan.Direction = DirectionTopUp
		plan.AmountIDR = s.cfg.ThresholdIDR - balance
	case balance > 2*s.cfg.ThresholdIDR:
		plan.Direction = DirectionDrain
		plan.AmountIDR = balance - s.cfg.ThresholdIDR
	}
	return plan, nil
}

// Execute runs one rebalance step for the given fiat amount.
func (s *Service) Execute(ctx context.Context, step string, amountIDR float64) error {
	if amountIDR <= 0 {
		return fmt.Errorf("rebalance amount must be positive, got %.0f", amountIDR)
	}

	switch step {
	case StepMoveTokens:
		return s.moveTokens(ctx, amountIDR)
	case StepSellTokens:
		return s.sellTokens(ctx, amountIDR)
	case StepLiquidate:
		return s.liquidate(ctx, amountIDR)
	case StepPayout:
		return s.payout(ctx, amountIDR)
	case StepBuyUSDT:
		return s.buyUSDT(ctx, amountIDR)
	case StepBuyTokens:
		return s.buyTokens(ctx, amountIDR)
	default:
		return fmt.Errorf("unknown rebalance step %q", step)
	}
}

func (s *Service) moveTokens(ctx context.Context, amountIDR float64) error {
	qty, err := s.tokenQty(ctx, amountIDR)
	if err != nil {
		return err
	}
	address, _, err := s.market.DepositAddress(ctx, string(models.TokenBTC))
	if err != nil {
		return err
	}

	hash, err := s.wallet.SendBulk(ctx, []btc.Payout{{Address: address, Amount: qty}})
	if err != nil {
		return err
	}
	if hash == "" {
		return fmt.Errorf("wallet throttled the send, retry after the next block")
	}
	s.log.Info("rebalance: tokens moved to exchange", "qty", qty, "hash", hash)
	return nil
}

func (s *Service) sellTokens(ctx context.Context, amountIDR float64) error {
	qty, err := s.tokenQty(ctx, amountIDR)
	if err != nil {
		return err
	}
	orderID, err := s.market.MarketSell(ctx, models.TokenBTC, qty)
	if err != nil {
		return err
	}

	usdt, err := s.usdtQty(ctx, amountIDR)
	if err != nil {
		return err
	}
	if err := s.market.Withdraw(ctx, "USDT", usdt, s.cfg.IndodaxUSDTAddress, s.cfg.IndodaxUSDTMemo); err != nil {
		return err
	}
	s.log.Info("rebalance: sold and pushed usdt", "order", orderID, "usdt", usdt)
	return nil
}

func (s *Service) liquidate(ctx context.Context, amountIDR float64) error {
	usdt, err := s.usdtQty(ctx, amountIDR)
	if err != nil {
		return err
	}
	_, err = s.indodax.PrivateCall(ctx, "trade", map[string]string{
		"pair": "usdt_idr",
		"type": "sell",
		"usdt": formatAmount(usdt),
	})
	if err != nil {
		return err
	}
	s.log.Info("rebalance: usdt liquidated to idr", "usdt", usdt)
	return nil
}

func (s *Service) payout(ctx context.Context, amountIDR float64) error {
	id, err := s.fiat.CreatePayout(ctx, xendit.PayoutSpec{
		Amount:            amountIDR,
		ChannelCode:       s.cfg.BankCode,
		AccountNumber:     s.cfg.AccountNumber,
		AccountHolderName: s.cfg.AccountHolderName,
		Description:       "operator liquidity rebalance",
	})
	if err != nil {
		return err
	}
	s.log.Info("rebalance: surplus payout requested", "payout", id, "idr", amountIDR)
	return nil
}

func (s *Service) buyUSDT(ctx context.Context, amountIDR float64) error {
	_, err := s.indodax.PrivateCall(ctx, "trade", map[string]string{
		"pair": "usdt_idr",
		"type": "buy",
		"idr":  formatAmount(amountIDR),
	})
	if err != nil {
		return err
	}

	address, _, err := s.market.DepositAddress(ctx, "USDT")
	if err != nil {
		return err
	}
	usdt, err := s.usdtQty(ctx, amountIDR)
	if err != nil {
		return err
	}
	_, err = s.indodax.PrivateCall(ctx, "withdrawCoin", map[string]string{
		"currency":         "usdt",
		"withdraw_address": address,
		"withdraw_amount":  formatAmount(usdt),
		"request_id":       fmt.Sprintf("rebalance-%d", int64(amountIDR)),
	})
	if err != nil {
		return err
	}
	s.log.Info("rebalance: usdt bought and pushed to exchange", "usdt", usdt)
	return nil
}

func (s *Service) buyTokens(ctx context.Context, amountIDR float64) error {
	orderID, qty, err := s.market.MarketBuy(ctx, models.TokenBTC, amountIDR)
	if err != nil {
		return err
	}
	if err := s.market.Withdraw(ctx, string(models.TokenBTC), qty, s.cfg.StorageAddress, ""); err != nil {
		return err
	}
	s.log.Info("rebalance: tokens bought and withdrawn to storage", "order", orderID, "qty", qty)
	return nil
}

func (s *Service) tokenQty(ctx context.Context, amountIDR float64) (float64, error) {
	cfg, err := fees.TokenFor(models.TokenBTC)
	if err != nil {
		return 0, err
	}
	price, err := s.market.TokenToIDRPrice(ctx, models.TokenBTC)
	if err != nil {
		return 0, err
	}
	return fees.RoundToStep(cfg.Rule, amountIDR/price)
}

func (s *Service) usdtQty(ctx context.Context, amountIDR float64) (float64, error) {
	ticker, err := s.indodax.FetchTicker(ctx, "usdt_idr")
	if err != nil {
		return 0, err
	}
	if ticker.Buy <= 0 {
		return 0, fmt.Errorf("invalid usdt_idr ticker")
	}
	return amountIDR / ticker.Buy, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
