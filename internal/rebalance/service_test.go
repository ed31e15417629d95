package rebalance

import (
	"context"
	"testing"

	"bitvault/internal/exchange"
	"bitvault/internal/logging"
	"bitvault/internal/models"
	"bitvault/internal/wallet/btc"
	"bitvault/internal/xendit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFiat struct {
	balance float64
	payouts []xendit.PayoutSpec
}

func (f *stubFiat) GetBalance(context.Context) (float64, error) { return f.balance, nil }

func (f *stubFiat) CreatePayout(_ context.Context, spec xendit.PayoutSpec) (string, error) {
	f.payouts = append(f.payouts, spec)
	return "payout-1", nil
}

type stubMarket struct {
	withdrawals []string
	sells       int
	buys        int
}

func (m *stubMarket) TokenToIDRPrice(context.Context, models.TokenType) (float64, error) {
	return 1_650_000_000, nil
}

func (m *stubMarket) MarketBuy(context.Context, models.TokenType, float64) (string, float64, error) {
	m.buys++
	return "buy-1", 0.01, nil
}

func (m *stubMarket) MarketSell(context.Context, models.TokenType, float64) (string, error) {
	m.sells++
	return "sell-1", nil
}

func (m *stubMarket) DepositAddress(context.Context, string) (string, string, error) {
	return "deposit-addr", "", nil
}

func (m *stubMarket) Withdraw(_ context.Context, coin string, _ float64, address, _ string) error {
	m.withdrawals = append(m.withdrawals, coin+"->"+address)
	return nil
}

type stubIndodax struct {
	calls []string
}

func (i *stubIndodax) FetchTicker(context.Context, string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Buy: 16_500, Sell: 16_550}, nil
}

func (i *stubIndodax) PrivateCall(_ context.Context, method string, _ map[string]string) (*exchange.PrivateResponse, error) {
	i.calls = append(i.calls, method)
	return &exchange.PrivateResponse{Success: 1}, nil
}

type stubWallet struct {
	sent []btc.Payout
}

func (w *stubWallet) SendBulk(_ context.Context, payouts []btc.Payout) (string, error) {
	w.sent = append(w.sent, payouts...)
	return "txid-1", nil
}

func newStub(balance float64) (*Service, *stubFiat, *stubMarket, *stubIndodax, *stubWallet) {
	fiat := &stubFiat{balance: balance}
	market := &stubMarket{}
	indodax := &stubIndodax{}
	wallet := &stubWallet{}
	svc := New(fiat, market, indodax, wallet, Config{
		ThresholdIDR:       50_000_000,
		BankCode:           "ID_BCA",
		AccountNumber:      "1234567890",
		AccountHolderName:  "Operator",
		IndodaxUSDTAddress: "usdt-addr",
		StorageAddress:     "storage-addr",
	}, logging.New("error", "test"))
	return svc, fiat, market, indodax, wallet
}

func TestPlan(t *testing.T) {
	cases := []struct {
		balance   float64
		direction string
		amount    float64
	}{
		{30_000_000, DirectionTopUp, 20_000_000},
		{60_000_000, DirectionNone, 0},
		{120_000_000, DirectionDrain, 70_000_000},
	}

	for _, tc := range cases {
		svc, _, _, _, _ := newStub(tc.balance)
		plan, err := svc.Plan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tc.direction, plan.Direction, "balance %.0f", tc.balance)
		assert.Equal(t, tc.amount, plan.AmountIDR)
	}
}

func TestExecute_MoveTokens(t *testing.T) {
	svc, _, _, _, wallet := newStub(30_000_000)

	require.NoError(t, svc.Execute(context.Background(), StepMoveTokens, 20_000_000))
	require.Len(t, wallet.sent, 1)
	assert.Equal(t, "deposit-addr", wallet.sent[0].Address)
	// 20M IDR at 1.65B per BTC, floored to the 0.00001 step.
	assert.InDelta(t, 0.01212, wallet.sent[0].Amount, 1e-9)
}

func TestExecute_SellTokensPushesUSDT(t *testing.T) {
	svc, _, market, _, _ := newStub(30_000_000)

	require.NoError(t, svc.Execute(context.Background(), StepSellTokens, 20_000_000))
	assert.Equal(t, 1, market.sells)
	require.Len(t, market.withdrawals, 1)
	assert.Equal(t, "USDT->usdt-addr", market.withdrawals[0])
}

func TestExecute_DrainPath(t *testing.T) {
	svc, fiat, market, indodax, _ := newStub(120_000_000)
	ctx := context.Background()

	require.NoError(t, svc.Execute(ctx, StepPayout, 70_000_000))
	require.Len(t, fiat.payouts, 1)
	assert.Equal(t, "ID_BCA", fiat.payouts[0].ChannelCode)

	require.NoError(t, svc.Execute(ctx, StepBuyUSDT, 70_000_000))
	assert.Equal(t, []string{"trade", "withdrawCoin"}, indodax.calls)

	require.NoError(t, svc.Execute(ctx, StepBuyTokens, 70_000_000))
	assert.Equal(t, 1, market.buys)
	require.Len(t, market.withdrawals, 1)
	assert.Equal(t, "BTC->storage-addr", market.withdrawals[0])
}

func TestExecute_Invalid(t *testing.T) {
	svc, _, _, _, _ := newStub(30_000_000)
	ctx := context.Background()

	assert.Error(t, svc.Execute(ctx, "no-such-step", 1_000_000))
	assert.Error(t, svc.Execute(ctx, StepPayout, 0))
}
