package models

import "time"

type TxType string

const (
	TxDeposit    TxType = "DEPOSIT"
	TxWithdrawal TxType = "WITHDRAWAL"
)

type TokenType string

const (
	TokenBTC  TokenType = "BTC"
	TokenHBAR TokenType = "HBAR"
)

type TxStatus string

const (
	StatusWaiting   TxStatus = "WAITING"
	StatusPaid      TxStatus = "PAID"
	StatusPending   TxStatus = "PENDING"
	StatusCompleted TxStatus = "COMPLETED"
	StatusExpired   TxStatus = "EXPIRED"
)

// PaymentDetails carries payment-method specific fields. Stored as JSONB and
// mutated as the external rail state advances.
type PaymentDetails struct {
	Method            string `json:"method,omitempty"`
	ChannelCode       string `json:"channelCode,omitempty"`
	QRString          string `json:"qrString,omitempty"`
	VANumber          string `json:"vaNumber,omitempty"`
	AccountNumber     string `json:"accountNumber,omitempty"`
	AccountHolderName string `json:"accountHolderName,omitempty"`
	CustomerName      string `json:"customerName,omitempty"`
	Description       string `json:"description,omitempty"`
	// Address the user must fund for withdrawals.
	OperatorAddress string `json:"operatorAddress,omitempty"`
}

type Transaction struct {
	ID             string
	Type           TxType
	TokenType      TokenType
	Status         TxStatus
	WalletAddress  string
	IDRAmount      *float64
	TokenAmount    *float64
	PaymentDetails *PaymentDetails
	CexTxID        *string
	XenditTxID     *string
	TxHash         *string
	RefAddress     *string
	RefAmount      *float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func ValidTxType(t TxType) bool {
	return t == TxDeposit || t == TxWithdrawal
}

func ValidTokenType(t TokenType) bool {
	return t == TokenBTC || t == TokenHBAR
}
