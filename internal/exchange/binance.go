package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"bitvault/internal/fees"
	"bitvault/internal/models"

	"github.com/adshao/go-binance/v2"
)

// Service quotes and executes the exchange leg of deposits and withdrawals.
// Token prices are quoted in IDR via the token/USDT pair on Binance and the
// USDT/IDR ticker on Indodax.
type Service struct {
	binance *binance.Client
	indodax *Indodax
	log     *slog.Logger
}

func New(binanceClient *binance.Client, indodax *Indodax, log *slog.Logger) *Service {
	return &Service{binance: binanceClient, indodax: indodax, log: log}
}

func symbol(token models.TokenType) string {
	return string(token) + "USDT"
}

func (s *Service) TokenToIDRPrice(ctx context.Context, token models.TokenType) (float64, error) {
	prices, err := s.binance.NewListPricesService().Symbol(symbol(token)).Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price for %s", symbol(token))
	}
	tokenToUSD, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, err
	}

	ticker, err := s.indodax.FetchTicker(ctx, "usdt_idr")
	if err != nil {
		return 0, err
	}
	return tokenToUSD * ticker.Buy, nil
}

// MarketBuy spends idrAmount on a market buy and returns the exchange order
// id and the token quantity bought (rounded to the exchange step before
// submission).
func (s *Service) MarketBuy(ctx context.Context, token models.TokenType, idrAmount float64) (string, float64, error) {
	cfg, err := fees.TokenFor(token)
	if err != nil {
		return "", 0, err
	}
	price, err := s.TokenToIDRPrice(ctx, token)
	if err != nil {
		return "", 0, err
	}

	qty, err := fees.RoundToStep(cfg.Rule, idrAmount/price)
	if err != nil {
		return "", 0, err
	}

	order, err := s.binance.NewCreateOrderService().
		Symbol(symbol(token)).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		Quantity(formatQty(qty)).
		Do(ctx)
	if err != nil {
		return "", 0, err
	}
	return strconv.FormatInt(order.OrderID, 10), qty, nil
}

// MarketSell liquidates a token quantity that has already been rounded to the
// exchange step by the fee engine.
func (s *Service) MarketSell(ctx context.Context, token models.TokenType, qty float64) (string, error) {
	order, err := s.binance.NewCreateOrderService().
		Symbol(symbol(token)).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(formatQty(qty)).
		Do(ctx)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(order.OrderID, 10), nil
}

// DepositAddress returns the Binance deposit address for a coin, used by
// rebalancing to move operator funds onto the exchange.
func (s *Service) DepositAddress(ctx context.Context, coin string) (string, string, error) {
	res, err := s.binance.NewGetDepositAddressService().Coin(coin).Do(ctx)
	if err != nil {
		return "", "", err
	}
	return res.Address, res.Tag, nil
}

// Withdraw moves coin off Binance to an external address.
func (s *Service) Withdraw(ctx context.Context, coin string, amount float64, address, memo string) error {
	svc := s.binance.NewCreateWithdrawService().
		Coin(coin).
		Address(address).
		Amount(formatQty(amount))
	if memo != "" {
		svc = svc.AddressTag(memo)
	}
	_, err := svc.Do(ctx)
	return err
}

func formatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', 6, 64)
}
