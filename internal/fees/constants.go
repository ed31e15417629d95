package fees

import (
	"fmt"

	"bitvault/internal/models"
)

// Payment methods accepted by the fiat gateway.
const (
	MethodQRIS   = "QRIS"
	MethodVA     = "VA"
	MethodPayout = "XENDIT_PAYOUT"
)

// Internal transfer hop fees scale with the gross fiat amount relative to this
// reference size.
const hopFeeScaleIDR = 20_000_000

type DepositFees struct {
	PaymentGatewayFeePercent float64
	PaymentGatewayFeeFix     float64
	ToleranceSlippagePercent float64
	ToleranceSlippageFix     float64
	TaxPercent               float64
	PlatformFeeFix           float64
}

type WithdrawFees struct {
	ToleranceSlippagePercent float64
	ToleranceSlippageFix     float64
	PlatformFeePercent       float64
	PlatformFeeFix           float64
	TaxPercent               float64
	PayoutGatewayFee         float64
}

// HopFee is one internal wallet-to-wallet transfer deduction:
// max(Max * idrAmount / 20M floored to step, Min).
type HopFee struct {
	Max float64
	Min float64
}

type InternalFees struct {
	Hops                  []HopFee
	OperationalToUser     float64
	OperationalToExchange float64
}

// Sharing holds the exchange fee floors shared across assets.
type Sharing struct {
	IndodaxFeePercent  float64
	IndodaxFeeFix      float64
	BinanceFeePercent  float64
	BinanceFeeFix      float64
	PlatformFeePercent float64
}

type Referral struct {
	RewardMin     float64
	RewardPercent float64
}

type TokenConfig struct {
	Rule     StepRule
	Deposit  DepositFees
	Withdraw WithdrawFees
	Internal InternalFees
}

var DefaultSharing = Sharing{
	IndodaxFeePercent:  0.003,
	IndodaxFeeFix:      2500,
	BinanceFeePercent:  0.001,
	BinanceFeeFix:      1000,
	PlatformFeePercent: 0.01,
}

var DefaultReferral = Referral{
	RewardMin:     5000,
	RewardPercent: 0.0025,
}

var tokenConfigs = map[models.TokenType]TokenConfig{
	models.TokenBTC: {
		Rule: StepRule{Step: 0.00001, MinQty: 0.00005},
		Deposit: DepositFees{
			PaymentGatewayFeePercent: 0.007,
			PaymentGatewayFeeFix:     4440,
			ToleranceSlippagePercent: 0.005,
			ToleranceSlippageFix:     1000,
			TaxPercent:               0.0011,
			PlatformFeeFix:           5000,
		},
		Withdraw: WithdrawFees{
			ToleranceSlippagePercent: 0.005,
			ToleranceSlippageFix:     0.00001,
			PlatformFeePercent:       0.01,
			PlatformFeeFix:           0.00002,
			TaxPercent:               0.0011,
			PayoutGatewayFee:         5500,
		},
		Internal: InternalFees{
			// Binance -> legacy -> segwit -> operational wallet hops.
			Hops: []HopFee{
				{Max: 0.0002, Min: 0.00002},
				{Max: 0.0001, Min: 0.00001},
				{Max: 0.0001, Min: 0.00001},
			},
			OperationalToUser:     0,
			OperationalToExchange: 0.00003,
		},
	},
	models.TokenHBAR: {
		Rule: StepRule{Step: 1, MinQty: 1},
		Deposit: DepositFees{
			PaymentGatewayFeePercent: 0.007,
			PaymentGatewayFeeFix:     4440,
			ToleranceSlippagePercent: 0.005,
			ToleranceSlippageFix:     1000,
			TaxPercent:               0.0011,
			PlatformFeeFix:           5000,
		},
		Withdraw: WithdrawFees{
			ToleranceSlippagePercent: 0.005,
			ToleranceSlippageFix:     1,
			PlatformFeePercent:       0.01,
			PlatformFeeFix:           1,
			TaxPercent:               0.0011,
			PayoutGatewayFee:         5500,
		},
		Internal: InternalFees{
			OperationalToUser:     1,
			OperationalToExchange: 1,
		},
	},
}

// TokenFor returns the fee configuration for an asset. A missing entry is a
// configuration error and fatal at startup.
func TokenFor(token models.TokenType) (TokenConfig, error) {
	cfg, ok := tokenConfigs[token]
	if !ok {
		return TokenConfig{}, fmt.Errorf("no fee configuration for token %s", token)
	}
	return cfg, nil
}
