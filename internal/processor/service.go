package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bitvault/internal/fees"
	"bitvault/internal/models"
	"bitvault/internal/reconcile"
	"bitvault/internal/store"
	"bitvault/internal/wallet/btc"
	"bitvault/internal/wallet/hedera"
	"bitvault/internal/xendit"
)

// Lifecycle windows.
const (
	ExpireAfter = 10 * time.Minute
	PurgeAfter  = 7 * 24 * time.Hour
)

type TransactionStore interface {
	List(ctx context.Context, f store.Filter) ([]*models.Transaction, error)
	FindOne(ctx context.Context, f store.Filter) (*models.Transaction, error)
	Update(ctx context.Context, id string, p store.Patch) (*models.Transaction, error)
	IsTxHashBound(ctx context.Context, hash string) (bool, error)
	ExpireAndPurge(ctx context.Context, now time.Time, expireAfter, purgeAfter time.Duration) (int64, int64, error)
}

type FiatGateway interface {
	GetPaymentStatus(ctx context.Context, paymentRequestID string) (string, error)
	CreatePayout(ctx context.Context, spec xendit.PayoutSpec) (string, error)
	GetPayoutStatus(ctx context.Context, payoutID string) (string, error)
}

type Exchange interface {
	TokenToIDRPrice(ctx context.Context, token models.TokenType) (float64, error)
	MarketBuy(ctx context.Context, token models.TokenType, idrAmount float64) (string, float64, error)
	MarketSell(ctx context.Context, token models.TokenType, qty float64) (string, error)
}

type BTCWallet interface {
	SendBulk(ctx context.Context, payouts []btc.Payout) (string, error)
	IsConfirmed(ctx context.Context, txid string) (bool, error)
	IncomingTransfers(ctx context.Context) ([]reconcile.Transfer, error)
	OperatorAddress() string
}

type HederaWallet interface {
	SendBulk(ctx context.Context, payouts []hedera.Payout) (string, error)
	IsConfirmed(ctx context.Context, txID string) (bool, error)
	IncomingTransfers(ctx context.Context) ([]reconcile.Transfer, error)
	OperatorAddress() string
}

// Service drives every transaction through its lifecycle: fiat payment
// detection, on-chain payment matching, the exchange leg, payout dispatch and
// expiry. One instance owns all of it; ticks are serialized by the scheduler.
type Service struct {
	store  TransactionStore
	fiat   FiatGateway
	market Exchange
	btc    BTCWallet
	hbar   HederaWallet
	log    *slog.Logger

	maxTxAge          time.Duration
	lifetimeReferrers map[string]bool
	now               func() time.Time
}

func New(st TransactionStore, fiat FiatGateway, market Exchange, btcWallet BTCWallet, hbarWallet HederaWallet, maxTxAge time.Duration, lifetimeReferrers []string, log *slog.Logger) *Service {
	lifetime := make(map[string]bool, len(lifetimeReferrers))
	for _, addr := range lifetimeReferrers {
		lifetime[addr] = true
	}
	return &Service{
		store:             st,
		fiat:              fiat,
		market:            market,
		btc:               btcWallet,
		hbar:              hbarWallet,
		log:               log,
		maxTxAge:          maxTxAge,
		lifetimeReferrers: lifetime,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// RunTick is one full pass of the reconciliation loop. Every stage and every
// transaction is isolated: a failure is logged and the rest of the pass
// continues, so one stuck rail cannot stall the others.
func (s *Service) RunTick(ctx context.Context) {
	if err := s.MarkPaidFiatDeposits(ctx); err != nil {
		s.log.Error("fiat deposit check failed", "err", err)
	}
	if err := s.CheckChainPayments(ctx, models.TokenBTC); err != nil {
		s.log.Error("btc payment check failed", "err", err)
	}
	if err := s.CheckChainPayments(ctx, models.TokenHBAR); err != nil {
		s.log.Error("hbar payment check failed", "err", err)
	}
	s.ProcessPaidTransactions(ctx)
	s.FinalizePending(ctx)

	if expired, purged, err := s.store.ExpireAndPurge(ctx, s.now(), ExpireAfter, PurgeAfter); err != nil {
		s.log.Error("expire pass failed", "err", err)
	} else if expired > 0 || purged > 0 {
		s.log.Info("expire pass", "expired", expired, "purged", purged)
	}
}

// RunFiatPoll is the fast loop: only the cheap gateway status poll, so a paid
// QRIS shows up within seconds instead of a full orchestrator interval.
func (s *Service) RunFiatPoll(ctx context.Context) {
	if err := s.MarkPaidFiatDeposits(ctx); err != nil {
		s.log.Error("fiat deposit poll failed", "err", err)
	}
}

// MarkPaidFiatDeposits advances WAITING deposits whose gateway payment request
// has succeeded.
func (s *Service) MarkPaidFiatDeposits(ctx context.Context) error {
	hasXendit := true
	waiting, err := s.store.List(ctx, store.Filter{
		Type:              models.TxDeposit,
		Statuses:          []models.TxStatus{models.StatusWaiting},
		HasXenditID:       &hasXendit,
		OrderByCreatedAsc: true,
	})
	if err != nil {
		return err
	}

	for _, tx := range waiting {
		status, err := s.fiat.GetPaymentStatus(ctx, *tx.XenditTxID)
		if err != nil {
			s.log.Error("payment status check failed", "tx", tx.ID, "err", err)
			continue
		}
		if status != xendit.PaymentSucceeded {
			continue
		}
		paid := models.StatusPaid
		if _, err := s.store.Update(ctx, tx.ID, store.Patch{Status: &paid}); err != nil {
			s.log.Error("mark paid failed", "tx", tx.ID, "err", err)
			continue
		}
		s.log.Info("deposit paid", "tx", tx.ID, "method", tx.PaymentDetails.Method)
	}
	return nil
}

// CheckChainPayments matches observed incoming transfers against WAITING
// withdrawals on one chain, and re-validates PENDING ones whose bound transfer
// may have dropped out of the observed window.
func (s *Service) CheckChainPayments(ctx context.Context, token models.TokenType) error {
	var transfers []reconcile.Transfer
	var operator string
	var err error

	switch token {
	case models.TokenBTC:
		transfers, err = s.btc.IncomingTransfers(ctx)
		operator = s.btc.OperatorAddress()
	case models.TokenHBAR:
		transfers, err = s.hbar.IncomingTransfers(ctx)
		operator = s.hbar.OperatorAddress()
	default:
		return fmt.Errorf("unsupported token %s", token)
	}
	if err != nil {
		return err
	}

	candidates, err := s.store.List(ctx, store.Filter{
		Type:              models.TxWithdrawal,
		TokenType:         token,
		Statuses:          []models.TxStatus{models.StatusWaiting, models.StatusPending},
		OrderByCreatedAsc: true,
	})
	if err != nil {
		return err
	}

	params := reconcile.Params{OperatorAddress: operator, MaxAge: s.maxTxAge}
	used := make(map[string]bool)
	for _, tx := range candidates {
		if tx.TxHash != nil {
			used[*tx.TxHash] = true
		}
	}

	now := s.now()
	for _, tx := range candidates {
		switch tx.Status {
		case models.StatusWaiting:
			if err := s.matchWithdrawal(ctx, tx, transfers, used, params, now); err != nil {
				s.log.Error("withdrawal match failed", "tx", tx.ID, "err", err)
			}
		case models.StatusPending:
			if err := s.confirmWithdrawal(ctx, tx, transfers, used, params, now); err != nil {
				s.log.Error("withdrawal confirm failed", "tx", tx.ID, "err", err)
			}
		}
	}
	return nil
}

func (s *Service) matchWithdrawal(ctx context.Context, tx *models.Transaction, transfers []reconcile.Transfer, used map[string]bool, params reconcile.Params, now time.Time) error {
	match, err := reconcile.Match(ctx, tx, transfers, used, s.store.IsTxHashBound, params, now)
	if err != nil || match == nil {
		return err
	}

	used[match.Hash] = true
	pending := models.StatusPending
	if _, err := s.store.Update(ctx, tx.ID, store.Patch{Status: &pending, TxHash: &match.Hash}); err != nil {
		return err
	}
	s.log.Info("withdrawal funded", "tx", tx.ID, "token", tx.TokenType, "hash", match.Hash)
	return nil
}

// confirmWithdrawal moves a funded withdrawal to PAID once its bound transfer
// confirms. A bound hash that vanished from the window (reorg) is released so
// the transaction can match again.
func (s *Service) confirmWithdrawal(ctx context.Context, tx *models.Transaction, transfers []reconcile.Transfer, used map[string]bool, params reconcile.Params, now time.Time) error {
	if tx.TxHash == nil {
		return s.matchWithdrawal(ctx, tx, transfers, used, params, now)
	}

	var confirmed bool
	var err error
	switch tx.TokenType {
	case models.TokenBTC:
		confirmed, err = s.btc.IsConfirmed(ctx, *tx.TxHash)
	case models.TokenHBAR:
		confirmed, err = s.hbar.IsConfirmed(ctx, *tx.TxHash)
	}
	if err != nil {
		return err
	}

	if confirmed {
		paid := models.StatusPaid
		if _, err := s.store.Update(ctx, tx.ID, store.Patch{Status: &paid}); err != nil {
			return err
		}
		s.log.Info("withdrawal payment confirmed", "tx", tx.ID, "hash", *tx.TxHash)
		return nil
	}

	if !reconcile.StillObserved(transfers, *tx.TxHash) {
		delete(used, *tx.TxHash)
		tx.TxHash = nil
		return s.matchWithdrawal(ctx, tx, transfers, used, params, now)
	}
	return nil
}

// ProcessPaidTransactions runs the exchange and dispatch legs for everything
// in PAID: deposits buy and queue an on-chain payout, withdrawals sell and
// request a fiat payout.
func (s *Service) ProcessPaidTransactions(ctx context.Context) {
	paid, err := s.store.List(ctx, store.Filter{
		Statuses:          []models.TxStatus{models.StatusPaid},
		OrderByCreatedAsc: true,
	})
	if err != nil {
		s.log.Error("list paid failed", "err", err)
		return
	}

	dispatch := make(map[models.TokenType][]*models.Transaction)
	for _, tx := range paid {
		switch tx.Type {
		case models.TxDeposit:
			ready, err := s.executeDepositBuy(ctx, tx)
			if err != nil {
				s.log.Error("deposit buy failed", "tx", tx.ID, "err", err)
				continue
			}
			if ready {
				dispatch[tx.TokenType] = append(dispatch[tx.TokenType], tx)
			}
		case models.TxWithdrawal:
			if err := s.executeWithdrawalPayout(ctx, tx); err != nil {
				s.log.Error("withdrawal payout failed", "tx", tx.ID, "err", err)
			}
		}
	}

	for token, txs := range dispatch {
		if err := s.dispatchDeposits(ctx, token, txs); err != nil {
			s.log.Error("deposit dispatch failed", "token", token, "err", err)
		}
	}
}

// executeDepositBuy runs the market buy for a paid deposit exactly once
// (cex_tx_id is the idempotency marker) and resolves the referral. Reports
// whether the deposit is ready for on-chain dispatch.
func (s *Service) executeDepositBuy(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.CexTxID != nil {
		return tx.TokenAmount != nil && tx.TxHash == nil, nil
	}
	if tx.IDRAmount == nil || tx.PaymentDetails == nil {
		return false, fmt.Errorf("deposit %s is missing amount or payment details", tx.ID)
	}

	cfg, err := fees.TokenFor(tx.TokenType)
	if err != nil {
		return false, err
	}
	split := fees.ComputeDepositSplit(cfg, fees.DefaultSharing, fees.DefaultReferral, *tx.IDRAmount, tx.PaymentDetails.Method)

	// Referral eligibility reads the wallet's deposit history, so settle it
	// before any money moves.
	refAddr, refEligible, err := s.resolveReferral(ctx, tx)
	if err != nil {
		return false, err
	}

	orderID, bought, err := s.market.MarketBuy(ctx, tx.TokenType, split.SpendIDR)
	if err != nil {
		return false, err
	}

	credit, err := fees.DepositTokenCredit(cfg, *tx.IDRAmount, split, bought)
	if err != nil {
		// Buy already happened; record the order id so it never re-trades and
		// leave the credit for operator intervention.
		if _, uerr := s.store.Update(ctx, tx.ID, store.Patch{CexTxID: &orderID}); uerr != nil {
			return false, errors.Join(err, uerr)
		}
		return false, err
	}

	patch := store.Patch{CexTxID: &orderID, TokenAmount: &credit}
	if refEligible {
		refCredit, rerr := fees.ReferralTokenCredit(cfg, split, bought)
		switch {
		case rerr == nil:
			patch.RefAddress = &refAddr
			patch.RefAmount = &refCredit
		case errors.Is(rerr, fees.ErrBelowMinQty):
			patch.ClearRef = true
		default:
			return false, rerr
		}
	} else if tx.RefAddress != nil {
		patch.ClearRef = true
	}

	updated, err := s.store.Update(ctx, tx.ID, patch)
	if err != nil {
		return false, err
	}
	*tx = *updated

	s.log.Info("deposit bought", "tx", tx.ID, "order", orderID, "token", tx.TokenType,
		"spend_idr", split.SpendIDR, "credit", credit)
	return true, nil
}

// resolveReferral picks the referral recipient for a paid deposit. An explicit
// referrer is honored on the wallet's first paid deposit, or always when
// whitelisted for life. With no explicit referrer, the one recorded on the
// wallet's earliest prior deposit is reused when that referrer is on the
// lifetime list.
func (s *Service) resolveReferral(ctx context.Context, tx *models.Transaction) (string, bool, error) {
	prior, err := s.store.FindOne(ctx, store.Filter{
		Type:              models.TxDeposit,
		WalletAddress:     tx.WalletAddress,
		Statuses:          []models.TxStatus{models.StatusPaid, models.StatusPending, models.StatusCompleted},
		ExcludeID:         tx.ID,
		OrderByCreatedAsc: true,
	})
	if err != nil {
		return "", false, err
	}

	var ref string
	if tx.RefAddress != nil {
		ref = *tx.RefAddress
	}
	if ref == "" && prior != nil && prior.RefAddress != nil && s.lifetimeReferrers[*prior.RefAddress] {
		ref = *prior.RefAddress
	}
	if ref == "" || ref == tx.WalletAddress {
		return "", false, nil
	}
	if prior != nil && !s.lifetimeReferrers[ref] {
		return "", false, nil
	}
	return ref, true, nil
}

// dispatchDeposits pays all ready deposits of one token in a single on-chain
// transaction and binds the resulting hash to each. An empty hash means the
// wallet throttled the send; the deposits stay PAID and retry next tick.
func (s *Service) dispatchDeposits(ctx context.Context, token models.TokenType, txs []*models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	var hash string
	var err error
	switch token {
	case models.TokenBTC:
		hash, err = s.btc.SendBulk(ctx, btcPayouts(txs))
	case models.TokenHBAR:
		hash, err = s.hbar.SendBulk(ctx, hbarPayouts(txs))
	default:
		return fmt.Errorf("unsupported token %s", token)
	}
	if err != nil {
		return err
	}
	if hash == "" {
		return nil
	}

	pending := models.StatusPending
	for _, tx := range txs {
		if _, err := s.store.Update(ctx, tx.ID, store.Patch{Status: &pending, TxHash: &hash}); err != nil {
			s.log.Error("bind payout hash failed", "tx", tx.ID, "hash", hash, "err", err)
		}
	}
	s.log.Info("deposits dispatched", "token", token, "count", len(txs), "hash", hash)
	return nil
}

func btcPayouts(txs []*models.Transaction) []btc.Payout {
	payouts := make([]btc.Payout, 0, len(txs))
	for _, tx := range txs {
		p := btc.Payout{Address: tx.WalletAddress, Amount: *tx.TokenAmount}
		if tx.RefAddress != nil && tx.RefAmount != nil {
			p.RefAddress = *tx.RefAddress
			p.RefAmount = *tx.RefAmount
		}
		payouts = append(payouts, p)
	}
	return payouts
}

// hbarPayouts aggregates per recipient: Hedera rejects duplicate accounts in
// one TransferTransaction, so main and referral credits to the same account
// are summed.
func hbarPayouts(txs []*models.Transaction) []hedera.Payout {
	sums := make(map[string]float64)
	var order []string
	add := func(account string, amount float64) {
		if _, seen := sums[account]; !seen {
			order = append(order, account)
		}
		sums[account] += amount
	}

	for _, tx := range txs {
		add(tx.WalletAddress, *tx.TokenAmount)
		if tx.RefAddress != nil && tx.RefAmount != nil {
			add(*tx.RefAddress, *tx.RefAmount)
		}
	}

	payouts := make([]hedera.Payout, 0, len(order))
	for _, account := range order {
		payouts = append(payouts, hedera.Payout{AccountID: account, Amount: sums[account]})
	}
	return payouts
}

// executeWithdrawalPayout sells the received tokens (once, keyed on cex_tx_id)
// and drives the fiat payout to completion.
func (s *Service) executeWithdrawalPayout(ctx context.Context, tx *models.Transaction) error {
	if tx.TokenAmount == nil || tx.PaymentDetails == nil {
		return fmt.Errorf("withdrawal %s is missing amount or payment details", tx.ID)
	}
	cfg, err := fees.TokenFor(tx.TokenType)
	if err != nil {
		return err
	}

	sell, err := fees.ComputeWithdrawalSell(cfg, fees.DefaultSharing, *tx.TokenAmount)
	if err != nil {
		return err
	}

	if tx.CexTxID == nil {
		// Quote before the sell so a failed lookup cannot strand an executed
		// trade, then persist the order id and the sell-time payout amount in
		// one write. The payout leg always pays this recorded amount.
		price, err := s.market.TokenToIDRPrice(ctx, tx.TokenType)
		if err != nil {
			return err
		}
		amount := fees.WithdrawalPayoutIDR(cfg, sell, price)
		if amount <= 0 {
			return fmt.Errorf("payout amount %.0f not positive after fees", amount)
		}

		orderID, err := s.market.MarketSell(ctx, tx.TokenType, sell)
		if err != nil {
			return err
		}
		updated, err := s.store.Update(ctx, tx.ID, store.Patch{CexTxID: &orderID, IDRAmount: &amount})
		if err != nil {
			return err
		}
		*tx = *updated
		s.log.Info("withdrawal sold", "tx", tx.ID, "order", orderID, "sell", sell, "idr", amount)
	}

	if tx.XenditTxID == nil {
		if tx.IDRAmount == nil {
			return fmt.Errorf("withdrawal %s sold without a recorded payout amount", tx.ID)
		}

		payoutID, err := s.fiat.CreatePayout(ctx, xendit.PayoutSpec{
			Amount:            *tx.IDRAmount,
			ChannelCode:       tx.PaymentDetails.ChannelCode,
			AccountNumber:     tx.PaymentDetails.AccountNumber,
			AccountHolderName: tx.PaymentDetails.AccountHolderName,
			Description:       tx.PaymentDetails.Description,
			ReferenceID:       tx.ID,
			IdempotencyKey:    tx.ID,
		})
		if err != nil {
			return err
		}
		updated, err := s.store.Update(ctx, tx.ID, store.Patch{XenditTxID: &payoutID})
		if err != nil {
			return err
		}
		*tx = *updated
		s.log.Info("withdrawal payout requested", "tx", tx.ID, "payout", payoutID, "idr", *tx.IDRAmount)
	}

	status, err := s.fiat.GetPayoutStatus(ctx, *tx.XenditTxID)
	if err != nil {
		return err
	}
	if status == xendit.PayoutAccepted || status == xendit.PayoutSucceeded {
		completed := models.StatusCompleted
		if _, err := s.store.Update(ctx, tx.ID, store.Patch{Status: &completed}); err != nil {
			return err
		}
		s.log.Info("withdrawal completed", "tx", tx.ID)
	}
	return nil
}

// FinalizePending completes dispatched deposits once their payout transaction
// confirms on chain.
func (s *Service) FinalizePending(ctx context.Context) {
	hasHash := true
	pending, err := s.store.List(ctx, store.Filter{
		Type:              models.TxDeposit,
		Statuses:          []models.TxStatus{models.StatusPending},
		HasTxHash:         &hasHash,
		OrderByCreatedAsc: true,
	})
	if err != nil {
		s.log.Error("list pending failed", "err", err)
		return
	}

	for _, tx := range pending {
		var confirmed bool
		var err error
		switch tx.TokenType {
		case models.TokenBTC:
			confirmed, err = s.btc.IsConfirmed(ctx, *tx.TxHash)
		case models.TokenHBAR:
			confirmed, err = s.hbar.IsConfirmed(ctx, *tx.TxHash)
		}
		if err != nil {
			s.log.Error("confirmation check failed", "tx", tx.ID, "err", err)
			continue
		}
		if !confirmed {
			continue
		}

		completed := models.StatusCompleted
		if _, err := s.store.Update(ctx, tx.ID, store.Patch{Status: &completed}); err != nil {
			s.log.Error("complete deposit failed", "tx", tx.ID, "err", err)
			continue
		}
		s.log.Info("deposit completed", "tx", tx.ID, "hash", *tx.TxHash)
	}
}
