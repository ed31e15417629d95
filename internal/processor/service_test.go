package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitvault/internal/logging"
	"bitvault/internal/models"
	"bitvault/internal/reconcile"
	"bitvault/internal/store"
	"bitvault/internal/wallet/btc"
	"bitvault/internal/wallet/hedera"
	"bitvault/internal/xendit"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	txs        map[string]*models.Transaction
	order      []string
	findOneErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: map[string]*models.Transaction{}}
}

func (s *fakeStore) add(tx *models.Transaction) *models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = tx
	s.order = append(s.order, tx.ID)
	return tx
}

func (s *fakeStore) matches(tx *models.Transaction, f store.Filter) bool {
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.TokenType != "" && tx.TokenType != f.TokenType {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if tx.Status == st {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if f.WalletAddress != "" && tx.WalletAddress != f.WalletAddress {
		return false
	}
	if f.ExcludeID != "" && tx.ID == f.ExcludeID {
		return false
	}
	if f.HasXenditID != nil && (tx.XenditTxID != nil) != *f.HasXenditID {
		return false
	}
	if f.HasTxHash != nil && (tx.TxHash != nil) != *f.HasTxHash {
		return false
	}
	return true
}

func (s *fakeStore) List(_ context.Context, f store.Filter) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, id := range s.order {
		if s.matches(s.txs[id], f) {
			out = append(out, s.txs[id])
		}
	}
	return out, nil
}

func (s *fakeStore) FindOne(ctx context.Context, f store.Filter) (*models.Transaction, error) {
	if s.findOneErr != nil {
		return nil, s.findOneErr
	}
	txs, err := s.List(ctx, f)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return txs[0], nil
}

func (s *fakeStore) Update(_ context.Context, id string, p store.Patch) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("no transaction %s", id)
	}
	if p.Status != nil {
		tx.Status = *p.Status
	}
	if p.IDRAmount != nil {
		tx.IDRAmount = p.IDRAmount
	}
	if p.TokenAmount != nil {
		tx.TokenAmount = p.TokenAmount
	}
	if p.PaymentDetails != nil {
		tx.PaymentDetails = p.PaymentDetails
	}
	if p.CexTxID != nil {
		tx.CexTxID = p.CexTxID
	}
	if p.XenditTxID != nil {
		tx.XenditTxID = p.XenditTxID
	}
	if p.TxHash != nil {
		tx.TxHash = p.TxHash
	}
	if p.ClearRef {
		tx.RefAddress = nil
		tx.RefAmount = nil
	} else {
		if p.RefAddress != nil {
			tx.RefAddress = p.RefAddress
		}
		if p.RefAmount != nil {
			tx.RefAmount = p.RefAmount
		}
	}
	tx.UpdatedAt = time.Now().UTC()
	return tx, nil
}

func (s *fakeStore) IsTxHashBound(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.txs {
		if tx.TxHash != nil && *tx.TxHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ExpireAndPurge(context.Context, time.Time, time.Duration, time.Duration) (int64, int64, error) {
	return 0, 0, nil
}

type fakeFiat struct {
	paymentStatus map[string]string
	payoutStatus  map[string]string
	payouts       []xendit.PayoutSpec
}

func (f *fakeFiat) GetPaymentStatus(_ context.Context, id string) (string, error) {
	return f.paymentStatus[id], nil
}

func (f *fakeFiat) CreatePayout(_ context.Context, spec xendit.PayoutSpec) (string, error) {
	f.payouts = append(f.payouts, spec)
	return fmt.Sprintf("payout-%d", len(f.payouts)), nil
}

func (f *fakeFiat) GetPayoutStatus(_ context.Context, id string) (string, error) {
	return f.payoutStatus[id], nil
}

type fakeMarket struct {
	price  float64
	buyQty float64
	buys   int
	sells  int
}

func (m *fakeMarket) TokenToIDRPrice(context.Context, models.TokenType) (float64, error) {
	return m.price, nil
}

func (m *fakeMarket) MarketBuy(context.Context, models.TokenType, float64) (string, float64, error) {
	m.buys++
	return fmt.Sprintf("buy-%d", m.buys), m.buyQty, nil
}

func (m *fakeMarket) MarketSell(context.Context, models.TokenType, float64) (string, error) {
	m.sells++
	return fmt.Sprintf("sell-%d", m.sells), nil
}

type fakeBTC struct {
	transfers []reconcile.Transfer
	confirmed map[string]bool
	sendHash  string
	sent      [][]btc.Payout
}

func (w *fakeBTC) SendBulk(_ context.Context, payouts []btc.Payout) (string, error) {
	w.sent = append(w.sent, payouts)
	return w.sendHash, nil
}

func (w *fakeBTC) IsConfirmed(_ context.Context, txid string) (bool, error) {
	return w.confirmed[txid], nil
}

func (w *fakeBTC) IncomingTransfers(context.Context) ([]reconcile.Transfer, error) {
	return w.transfers, nil
}

func (w *fakeBTC) OperatorAddress() string { return "op-btc" }

type fakeHbar struct {
	transfers []reconcile.Transfer
	confirmed map[string]bool
	sendHash  string
	sent      [][]hedera.Payout
}

func (w *fakeHbar) SendBulk(_ context.Context, payouts []hedera.Payout) (string, error) {
	w.sent = append(w.sent, payouts)
	return w.sendHash, nil
}

func (w *fakeHbar) IsConfirmed(_ context.Context, txID string) (bool, error) {
	return w.confirmed[txID], nil
}

func (w *fakeHbar) IncomingTransfers(context.Context) ([]reconcile.Transfer, error) {
	return w.transfers, nil
}

func (w *fakeHbar) OperatorAddress() string { return "0.0.9001" }

type fixture struct {
	store  *fakeStore
	fiat   *fakeFiat
	market *fakeMarket
	btc    *fakeBTC
	hbar   *fakeHbar
	svc    *Service
}

func newFixture(lifetimeReferrers ...string) *fixture {
	f := &fixture{
		store:  newFakeStore(),
		fiat:   &fakeFiat{paymentStatus: map[string]string{}, payoutStatus: map[string]string{}},
		market: &fakeMarket{price: 1_650_000_000, buyQty: 0.06},
		btc:    &fakeBTC{confirmed: map[string]bool{}, sendHash: "btc-hash-1"},
		hbar:   &fakeHbar{confirmed: map[string]bool{}, sendHash: "hbar-hash-1"},
	}
	f.svc = New(f.store, f.fiat, f.market, f.btc, f.hbar, time.Hour, lifetimeReferrers, logging.New("error", "test"))
	return f
}

func ptr[T any](v T) *T { return &v }

func deposit(status models.TxStatus, idr float64) *models.Transaction {
	now := time.Now().UTC()
	return &models.Transaction{
		ID:             uuid.NewString(),
		Type:           models.TxDeposit,
		TokenType:      models.TokenBTC,
		Status:         status,
		WalletAddress:  "bc1q-user",
		IDRAmount:      &idr,
		PaymentDetails: &models.PaymentDetails{Method: "QRIS"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func btcWithdrawal(status models.TxStatus, amount float64) *models.Transaction {
	now := time.Now().UTC()
	return &models.Transaction{
		ID:            uuid.NewString(),
		Type:          models.TxWithdrawal,
		TokenType:     models.TokenBTC,
		Status:        status,
		WalletAddress: "bc1q-user",
		TokenAmount:   &amount,
		PaymentDetails: &models.PaymentDetails{
			Method:            "XENDIT_PAYOUT",
			ChannelCode:       "ID_BCA",
			AccountNumber:     "1234567890",
			AccountHolderName: "Budi",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMarkPaidFiatDeposits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	paid := f.store.add(deposit(models.StatusWaiting, 250_000))
	paid.XenditTxID = ptr("pr-paid")
	unpaid := f.store.add(deposit(models.StatusWaiting, 250_000))
	unpaid.XenditTxID = ptr("pr-unpaid")

	f.fiat.paymentStatus["pr-paid"] = xendit.PaymentSucceeded
	f.fiat.paymentStatus["pr-unpaid"] = "PENDING"

	require.NoError(t, f.svc.MarkPaidFiatDeposits(ctx))
	assert.Equal(t, models.StatusPaid, paid.Status)
	assert.Equal(t, models.StatusWaiting, unpaid.Status)
}

func TestDepositFlow_BuyDispatchFinalize(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))

	f.svc.ProcessPaidTransactions(ctx)

	assert.Equal(t, 1, f.market.buys)
	require.NotNil(t, tx.CexTxID)
	require.NotNil(t, tx.TokenAmount)
	assert.Greater(t, *tx.TokenAmount, 0.0)
	assert.Less(t, *tx.TokenAmount, f.market.buyQty)
	assert.Equal(t, models.StatusPending, tx.Status)
	require.NotNil(t, tx.TxHash)
	assert.Equal(t, "btc-hash-1", *tx.TxHash)
	require.Len(t, f.btc.sent, 1)

	// Not yet confirmed: stays PENDING.
	f.svc.FinalizePending(ctx)
	assert.Equal(t, models.StatusPending, tx.Status)

	f.btc.confirmed["btc-hash-1"] = true
	f.svc.FinalizePending(ctx)
	assert.Equal(t, models.StatusCompleted, tx.Status)
}

func TestDepositBuy_IdempotentOnCexTxID(t *testing.T) {
	f := newFixture()
	f.btc.sendHash = "" // wallet throttled, deposits stay PAID
	ctx := context.Background()

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx.CexTxID = ptr("buy-prior")
	tx.TokenAmount = ptr(0.058)

	f.svc.ProcessPaidTransactions(ctx)
	f.svc.ProcessPaidTransactions(ctx)

	assert.Equal(t, 0, f.market.buys, "a deposit with cex_tx_id set must never re-trade")
	assert.Equal(t, "buy-prior", *tx.CexTxID)
	assert.Equal(t, models.StatusPaid, tx.Status)
	assert.Len(t, f.btc.sent, 2, "dispatch retried while the wallet throttles")
}

func TestDispatch_BindsSameHashToAllDeposits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx1 := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx1.CexTxID = ptr("buy-1")
	tx1.TokenAmount = ptr(0.001)
	tx2 := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx2.CexTxID = ptr("buy-2")
	tx2.TokenAmount = ptr(0.002)

	f.svc.ProcessPaidTransactions(ctx)

	require.Len(t, f.btc.sent, 1)
	assert.Len(t, f.btc.sent[0], 2)
	require.NotNil(t, tx1.TxHash)
	require.NotNil(t, tx2.TxHash)
	assert.Equal(t, *tx1.TxHash, *tx2.TxHash)
	assert.Equal(t, models.StatusPending, tx1.Status)
	assert.Equal(t, models.StatusPending, tx2.Status)
}

func TestHbarPayouts_AggregatesPerAccount(t *testing.T) {
	txs := []*models.Transaction{
		{WalletAddress: "0.0.100", TokenAmount: ptr(2.0)},
		{WalletAddress: "0.0.100", TokenAmount: ptr(3.0), RefAddress: ptr("0.0.200"), RefAmount: ptr(1.0)},
	}

	payouts := hbarPayouts(txs)
	require.Len(t, payouts, 2)
	assert.Equal(t, hedera.Payout{AccountID: "0.0.100", Amount: 5.0}, payouts[0])
	assert.Equal(t, hedera.Payout{AccountID: "0.0.200", Amount: 1.0}, payouts[1])
}

func TestWithdrawalFlow_MatchConfirmSellPayout(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx := f.store.add(btcWithdrawal(models.StatusWaiting, 0.0005))
	f.btc.transfers = []reconcile.Transfer{{
		Hash:      "fund-1",
		From:      tx.WalletAddress,
		To:        "op-btc",
		Amount:    0.0005,
		Timestamp: time.Now().Add(-2 * time.Minute),
	}}

	require.NoError(t, f.svc.CheckChainPayments(ctx, models.TokenBTC))
	assert.Equal(t, models.StatusPending, tx.Status)
	require.NotNil(t, tx.TxHash)
	assert.Equal(t, "fund-1", *tx.TxHash)

	// Unconfirmed: stays PENDING.
	require.NoError(t, f.svc.CheckChainPayments(ctx, models.TokenBTC))
	assert.Equal(t, models.StatusPending, tx.Status)

	f.btc.confirmed["fund-1"] = true
	require.NoError(t, f.svc.CheckChainPayments(ctx, models.TokenBTC))
	assert.Equal(t, models.StatusPaid, tx.Status)

	f.fiat.payoutStatus["payout-1"] = xendit.PayoutAccepted
	f.svc.ProcessPaidTransactions(ctx)

	assert.Equal(t, 1, f.market.sells)
	require.Len(t, f.fiat.payouts, 1)
	spec := f.fiat.payouts[0]
	assert.Equal(t, tx.ID, spec.IdempotencyKey)
	assert.Equal(t, "ID_BCA", spec.ChannelCode)
	// sell 0.00044 at 1.65e9, minus the 5500 payout fee.
	assert.InDelta(t, 720_500, spec.Amount, 1)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	require.NotNil(t, tx.IDRAmount)
	assert.Equal(t, *tx.IDRAmount, spec.Amount, "payout pays the persisted sell-time amount")
}

func TestWithdrawal_PayoutPaysSellTimeAmount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Sold on an earlier tick; the payout request never went out.
	tx := f.store.add(btcWithdrawal(models.StatusPaid, 0.0005))
	tx.CexTxID = ptr("sell-prior")
	tx.IDRAmount = ptr(720_500.0)
	f.market.price = 900_000_000 // quote moved since the sell

	f.svc.ProcessPaidTransactions(ctx)

	assert.Equal(t, 0, f.market.sells, "a withdrawal with cex_tx_id set must never re-sell")
	require.Len(t, f.fiat.payouts, 1)
	assert.Equal(t, 720_500.0, f.fiat.payouts[0].Amount, "amount is fixed at sell time, not re-quoted")
}

func TestWithdrawal_OneTransferFundsOneWithdrawal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx1 := f.store.add(btcWithdrawal(models.StatusWaiting, 0.0005))
	tx2 := f.store.add(btcWithdrawal(models.StatusWaiting, 0.0005))
	f.btc.transfers = []reconcile.Transfer{{
		Hash:      "fund-1",
		From:      "bc1q-user",
		To:        "op-btc",
		Amount:    0.0005,
		Timestamp: time.Now().Add(-time.Minute),
	}}

	require.NoError(t, f.svc.CheckChainPayments(ctx, models.TokenBTC))

	pending := 0
	for _, tx := range []*models.Transaction{tx1, tx2} {
		if tx.Status == models.StatusPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending, "a single transfer can fund only one withdrawal")
}

func TestWithdrawal_RematchesAfterBoundHashVanishes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx := f.store.add(btcWithdrawal(models.StatusPending, 0.0005))
	tx.TxHash = ptr("gone-hash")
	f.btc.transfers = []reconcile.Transfer{{
		Hash:      "fund-2",
		From:      tx.WalletAddress,
		To:        "op-btc",
		Amount:    0.0005,
		Timestamp: time.Now().Add(-time.Minute),
	}}

	require.NoError(t, f.svc.CheckChainPayments(ctx, models.TokenBTC))
	require.NotNil(t, tx.TxHash)
	assert.Equal(t, "fund-2", *tx.TxHash)
	assert.Equal(t, models.StatusPending, tx.Status)
}

func TestReferral_PaidOnFirstDeposit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx.RefAddress = ptr("bc1q-referrer")

	f.svc.ProcessPaidTransactions(ctx)

	require.NotNil(t, tx.RefAddress, "wallet's first paid deposit keeps its referral")
	require.NotNil(t, tx.RefAmount)
	assert.InDelta(t, 0.00015, *tx.RefAmount, 1e-9)

	require.Len(t, f.btc.sent, 1)
	require.Len(t, f.btc.sent[0], 1)
	payout := f.btc.sent[0][0]
	assert.Equal(t, "bc1q-referrer", payout.RefAddress)
	assert.InDelta(t, 0.00015, payout.RefAmount, 1e-9)
}

func TestReferral_ClearedOnRepeatDeposit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	prior := deposit(models.StatusCompleted, 500_000)
	f.store.add(prior)

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx.RefAddress = ptr("bc1q-referrer")

	f.svc.ProcessPaidTransactions(ctx)

	assert.Nil(t, tx.RefAddress, "repeat depositor earns no referral for an unlisted referrer")
	assert.Nil(t, tx.RefAmount)
	assert.Equal(t, models.StatusPending, tx.Status, "deposit proceeds without the referral")
}

func TestReferral_LifetimeReferrerPaidOnRepeatDeposit(t *testing.T) {
	f := newFixture("bc1q-vip")
	ctx := context.Background()

	prior := deposit(models.StatusCompleted, 500_000)
	f.store.add(prior)

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx.RefAddress = ptr("bc1q-vip")

	f.svc.ProcessPaidTransactions(ctx)

	require.NotNil(t, tx.RefAddress)
	require.NotNil(t, tx.RefAmount)
	assert.Greater(t, *tx.RefAmount, 0.0)
}

func TestReferral_RecoveredFromFirstDeposit(t *testing.T) {
	f := newFixture("bc1q-vip")
	ctx := context.Background()

	first := deposit(models.StatusCompleted, 500_000)
	first.RefAddress = ptr("bc1q-vip")
	f.store.add(first)

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))

	f.svc.ProcessPaidTransactions(ctx)

	require.NotNil(t, tx.RefAddress, "lifetime referrer on the first deposit carries over")
	assert.Equal(t, "bc1q-vip", *tx.RefAddress)
	require.NotNil(t, tx.RefAmount)
}

func TestReferral_RecoveryIgnoresUnlistedReferrer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first := deposit(models.StatusCompleted, 500_000)
	first.RefAddress = ptr("bc1q-referrer")
	f.store.add(first)

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))

	f.svc.ProcessPaidTransactions(ctx)

	assert.Nil(t, tx.RefAddress)
	assert.Nil(t, tx.RefAmount)
}

func TestReferral_SelfReferralCleared(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx.RefAddress = ptr(tx.WalletAddress)

	f.svc.ProcessPaidTransactions(ctx)
	assert.Nil(t, tx.RefAddress)
}

func TestDepositBuy_NoTradeWhenReferralLookupFails(t *testing.T) {
	f := newFixture()
	f.store.findOneErr = errors.New("connection reset")
	ctx := context.Background()

	tx := f.store.add(deposit(models.StatusPaid, 10_000_000))
	tx.RefAddress = ptr("bc1q-referrer")

	f.svc.ProcessPaidTransactions(ctx)
	f.svc.ProcessPaidTransactions(ctx)

	assert.Equal(t, 0, f.market.buys, "a failed eligibility lookup must not move money")
	assert.Nil(t, tx.CexTxID)
	assert.Equal(t, models.StatusPaid, tx.Status)
}
