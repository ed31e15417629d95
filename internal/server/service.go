package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bitvault/internal/fees"
	"bitvault/internal/models"
	"bitvault/internal/processor"
	btcwallet "bitvault/internal/wallet/btc"
	hbarwallet "bitvault/internal/wallet/hedera"
	"bitvault/internal/xendit"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
)

// Fiat and token bounds enforced at create time.
const (
	MinDepositIDR = 199_000
	MaxQRISIDR    = 10_000_000
	MaxVAIDR      = 20_000_000

	MinBTCWithdrawal  = 0.0002
	MaxBTCWithdrawal  = 0.01
	MinHBARWithdrawal = 0.1
)

// Per-wallet caps on concurrently open transactions.
const (
	MaxWaitingDeposits    = 3
	MaxWaitingWithdrawals = 1
)

var ErrValidation = errors.New("validation failed")

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	CountWaiting(ctx context.Context, t models.TxType, wallet string) (int64, error)
}

type PaymentRequester interface {
	CreateQRISPaymentRequest(ctx context.Context, spec xendit.QRISSpec) (*xendit.PaymentRequest, error)
	CreateVAPaymentRequest(ctx context.Context, spec xendit.VASpec) (*xendit.PaymentRequest, error)
}

type HederaResolver interface {
	ResolveAddress(ctx context.Context, addr string) (string, error)
	OperatorAddress() string
}

// Service validates and creates transactions, requesting the fiat payment
// instrument for deposits at create time so the response already carries what
// the user needs to pay.
type Service struct {
	store          TransactionStore
	fiat           PaymentRequester
	hbar           HederaResolver
	btcNet         *chaincfg.Params
	btcOperator    string
	storageAddress string
	log            *slog.Logger
	now            func() time.Time
}

func NewService(st TransactionStore, fiat PaymentRequester, hbar HederaResolver, btcNet *chaincfg.Params, btcOperator, storageAddress string, log *slog.Logger) *Service {
	return &Service{
		store:          st,
		fiat:           fiat,
		hbar:           hbar,
		btcNet:         btcNet,
		btcOperator:    btcOperator,
		storageAddress: storageAddress,
		log:            log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// CreateSpec is the validated input of Create.
type CreateSpec struct {
	Type           models.TxType
	TokenType      models.TokenType
	WalletAddress  string
	IDRAmount      float64
	TokenAmount    float64
	RefAddress     string
	PaymentDetails models.PaymentDetails
}

func (s *Service) Create(ctx context.Context, spec CreateSpec) (*models.Transaction, error) {
	if !models.ValidTxType(spec.Type) {
		return nil, validationErr("unknown transaction type %q", spec.Type)
	}
	if !models.ValidTokenType(spec.TokenType) {
		return nil, validationErr("unknown token type %q", spec.TokenType)
	}

	wallet, err := s.resolveChainAddress(ctx, spec.TokenType, spec.WalletAddress)
	if err != nil {
		return nil, err
	}
	spec.WalletAddress = wallet

	if err := s.checkWaitingCap(ctx, spec.Type, wallet); err != nil {
		return nil, err
	}

	now := s.now()
	tx := &models.Transaction{
		ID:            uuid.NewString(),
		Type:          spec.Type,
		TokenType:     spec.TokenType,
		Status:        models.StatusWaiting,
		WalletAddress: wallet,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch spec.Type {
	case models.TxDeposit:
		if err := s.prepareDeposit(ctx, tx, &spec); err != nil {
			return nil, err
		}
	case models.TxWithdrawal:
		if err := s.prepareWithdrawal(tx, &spec); err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	s.log.Info("transaction created", "tx", tx.ID, "type", tx.Type, "token", tx.TokenType)
	return tx, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) prepareDeposit(ctx context.Context, tx *models.Transaction, spec *CreateSpec) error {
	details := spec.PaymentDetails

	switch details.Method {
	case fees.MethodQRIS:
		if spec.IDRAmount > MaxQRISIDR {
			return validationErr("QRIS deposits are capped at %d IDR", MaxQRISIDR)
		}
	case fees.MethodVA:
		if spec.IDRAmount > MaxVAIDR {
			return validationErr("VA deposits are capped at %d IDR", MaxVAIDR)
		}
		if details.ChannelCode == "" || details.CustomerName == "" {
			return validationErr("VA deposits require channelCode and customerName")
		}
	default:
		return validationErr("unknown payment method %q", details.Method)
	}
	if spec.IDRAmount < MinDepositIDR {
		return validationErr("deposits start at %d IDR", MinDepositIDR)
	}

	if spec.RefAddress != "" {
		ref, err := s.resolveChainAddress(ctx, spec.TokenType, spec.RefAddress)
		if err != nil {
			return err
		}
		if ref == spec.WalletAddress {
			return validationErr("referral address cannot be the depositing wallet")
		}
		if s.isOperatorAddress(ref) {
			return validationErr("referral address cannot be an operator wallet")
		}
		tx.RefAddress = &ref
	}

	amount := spec.IDRAmount
	tx.IDRAmount = &amount
	tx.PaymentDetails = &details

	pr, err := s.requestPayment(ctx, tx, details)
	if err != nil {
		return err
	}
	tx.XenditTxID = &pr.ID
	tx.PaymentDetails.QRString = pr.QRString
	tx.PaymentDetails.VANumber = pr.VANumber
	return nil
}

func (s *Service) requestPayment(ctx context.Context, tx *models.Transaction, details models.PaymentDetails) (*xendit.PaymentRequest, error) {
	if details.Method == fees.MethodQRIS {
		return s.fiat.CreateQRISPaymentRequest(ctx, xendit.QRISSpec{
			Amount:      *tx.IDRAmount,
			ReferenceID: tx.ID,
			Description: details.Description,
		})
	}
	return s.fiat.CreateVAPaymentRequest(ctx, xendit.VASpec{
		Amount:       *tx.IDRAmount,
		ChannelCode:  details.ChannelCode,
		ReferenceID:  tx.ID,
		CustomerName: details.CustomerName,
		Description:  details.Description,
		ExpiresAt:    s.now().Add(processor.ExpireAfter),
	})
}

func (s *Service) prepareWithdrawal(tx *models.Transaction, spec *CreateSpec) error {
	details := spec.PaymentDetails
	if details.ChannelCode == "" || details.AccountNumber == "" || details.AccountHolderName == "" {
		return validationErr("withdrawals require channelCode, accountNumber and accountHolderName")
	}

	switch spec.TokenType {
	case models.TokenBTC:
		if spec.TokenAmount < MinBTCWithdrawal || spec.TokenAmount > MaxBTCWithdrawal {
			return validationErr("BTC withdrawals must be between %g and %g", MinBTCWithdrawal, MaxBTCWithdrawal)
		}
	case models.TokenHBAR:
		if spec.TokenAmount < MinHBARWithdrawal {
			return validationErr("HBAR withdrawals start at %g", MinHBARWithdrawal)
		}
	}

	amount := spec.TokenAmount
	tx.TokenAmount = &amount
	details.Method = fees.MethodPayout
	details.OperatorAddress = s.operatorFor(spec.TokenType)
	tx.PaymentDetails = &details
	return nil
}

func (s *Service) checkWaitingCap(ctx context.Context, t models.TxType, wallet string) error {
	waiting, err := s.store.CountWaiting(ctx, t, wallet)
	if err != nil {
		return err
	}
	switch {
	case t == models.TxDeposit && waiting >= MaxWaitingDeposits:
		return validationErr("at most %d open deposits per wallet", MaxWaitingDeposits)
	case t == models.TxWithdrawal && waiting >= MaxWaitingWithdrawals:
		return validationErr("at most %d open withdrawal per wallet", MaxWaitingWithdrawals)
	}
	return nil
}

// resolveChainAddress validates an address for the token's chain and
// normalizes Hedera EVM addresses to account-id form.
func (s *Service) resolveChainAddress(ctx context.Context, token models.TokenType, addr string) (string, error) {
	switch token {
	case models.TokenBTC:
		if !btcwallet.ValidAddress(addr, s.btcNet) {
			return "", validationErr("%q is not a valid segwit address", addr)
		}
		return addr, nil
	case models.TokenHBAR:
		resolved, err := s.hbar.ResolveAddress(ctx, addr)
		if err != nil {
			return "", err
		}
		if !hbarwallet.ValidAccountID(resolved) {
			return "", validationErr("%q is not a known Hedera account", addr)
		}
		return resolved, nil
	}
	return "", validationErr("unknown token type %q", token)
}

func (s *Service) isOperatorAddress(addr string) bool {
	return addr == s.btcOperator || addr == s.storageAddress || addr == s.hbar.OperatorAddress()
}

func (s *Service) operatorFor(token models.TokenType) string {
	if token == models.TokenHBAR {
		return s.hbar.OperatorAddress()
	}
	return s.btcOperator
}
