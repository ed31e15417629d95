package fees

import (
	"errors"
	"fmt"
	"math"
)

// ErrBelowMinQty marks token amounts that fall under the exchange's minimum
// tradable quantity after step rounding. Callers treat it as a business-rule
// skip, not a fatal error.
var ErrBelowMinQty = errors.New("amount below exchange minimum quantity")

// StepRule is the exchange LOT_SIZE constraint for one asset.
type StepRule struct {
	Step   float64
	MinQty float64
}

// FloorToStep floors an amount to the asset's step size. Used for fee
// components inside a cascade, where a too-small percentage term simply loses
// to the fixed floor.
func FloorToStep(rule StepRule, amount float64) float64 {
	if rule.Step <= 0 {
		return 0
	}
	return trim6(math.Floor(amount/rule.Step) * rule.Step)
}

// RoundToStep floors an amount to the asset's step size and fails when the
// result is below the minimum tradable quantity. All final token amounts go
// through here.
func RoundToStep(rule StepRule, amount float64) (float64, error) {
	rounded := FloorToStep(rule, amount)
	if rounded < rule.MinQty {
		return 0, fmt.Errorf("%w: %.8f < %.8f", ErrBelowMinQty, rounded, rule.MinQty)
	}
	return rounded, nil
}

// trim6 mirrors the historical behavior of formatting quantities with six
// decimals before submitting them to the exchange.
func trim6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// DepositSplit is the fiat-side outcome of the deposit fee cascade.
type DepositSplit struct {
	// SpendIDR is spent on the exchange market buy.
	SpendIDR float64
	// UserIDR is the user's share of SpendIDR before on-chain internal fees.
	UserIDR float64
	// ReferralIDR is the referral reward, paid only if eligibility holds.
	ReferralIDR float64
}

// ComputeDepositSplit applies the deposit fee cascade to a gross fiat amount.
// Fiat fees round up (conservative toward the operator); the referral reward
// rounds down.
func ComputeDepositSplit(cfg TokenConfig, sharing Sharing, referral Referral, idrAmount float64, method string) DepositSplit {
	gatewayFee := cfg.Deposit.PaymentGatewayFeeFix
	if method == MethodQRIS {
		gatewayFee = math.Ceil(idrAmount * cfg.Deposit.PaymentGatewayFeePercent)
	}

	tolerance := math.Max(
		math.Ceil(idrAmount*cfg.Deposit.ToleranceSlippagePercent),
		cfg.Deposit.ToleranceSlippageFix,
	)

	tax := math.Ceil(cfg.Deposit.TaxPercent * (idrAmount - gatewayFee))

	indodaxFee := math.Max(math.Ceil(idrAmount*sharing.IndodaxFeePercent), sharing.IndodaxFeeFix)
	binanceFee := math.Max(math.Ceil(idrAmount*sharing.BinanceFeePercent), sharing.BinanceFeeFix)
	platformFee := math.Max(math.Ceil(idrAmount*sharing.PlatformFeePercent), cfg.Deposit.PlatformFeeFix)

	spend := idrAmount - gatewayFee - indodaxFee - binanceFee - tax
	if spend < 0 {
		spend = 0
	}
	user := spend - platformFee - tolerance
	if user < 0 {
		user = 0
	}

	reward := math.Max(referral.RewardMin, math.Floor(idrAmount*referral.RewardPercent))

	return DepositSplit{SpendIDR: spend, UserIDR: user, ReferralIDR: reward}
}

// DepositTokenCredit converts the bought token amount into the user's credit:
// the user's fiat share of the buy, minus the internal transfer fee cascade,
// floored to the exchange step.
func DepositTokenCredit(cfg TokenConfig, idrAmount float64, split DepositSplit, boughtToken float64) (float64, error) {
	if split.SpendIDR <= 0 {
		return 0, fmt.Errorf("%w: nothing bought", ErrBelowMinQty)
	}

	credit := split.UserIDR / split.SpendIDR * boughtToken

	for _, hop := range cfg.Internal.Hops {
		fee := math.Max(FloorToStep(cfg.Rule, hop.Max*idrAmount/hopFeeScaleIDR), hop.Min)
		credit -= fee
	}
	credit -= cfg.Internal.OperationalToUser

	return RoundToStep(cfg.Rule, credit)
}

// ReferralTokenCredit expresses the fiat referral reward in token units at the
// same effective rate as the buy.
func ReferralTokenCredit(cfg TokenConfig, split DepositSplit, boughtToken float64) (float64, error) {
	if split.SpendIDR <= 0 {
		return 0, fmt.Errorf("%w: nothing bought", ErrBelowMinQty)
	}
	return RoundToStep(cfg.Rule, split.ReferralIDR/split.SpendIDR*boughtToken)
}

// ComputeWithdrawalSell derives the net token amount to liquidate on the
// exchange from the user's gross withdrawal amount. Fails with ErrBelowMinQty
// when the remainder is not tradable; the caller leaves the transaction in its
// prior state and retries later.
func ComputeWithdrawalSell(cfg TokenConfig, sharing Sharing, tokenAmount float64) (float64, error) {
	tolerance := math.Max(
		FloorToStep(cfg.Rule, cfg.Withdraw.ToleranceSlippagePercent*tokenAmount),
		cfg.Withdraw.ToleranceSlippageFix,
	)
	platformFee := math.Max(
		FloorToStep(cfg.Rule, cfg.Withdraw.PlatformFeePercent*tokenAmount),
		cfg.Withdraw.PlatformFeeFix,
	)
	opFee := cfg.Internal.OperationalToExchange

	indodaxFee := FloorToStep(cfg.Rule,
		(sharing.IndodaxFeePercent+cfg.Withdraw.TaxPercent)*(tokenAmount-tolerance-platformFee-opFee))

	return RoundToStep(cfg.Rule, tokenAmount-opFee-indodaxFee-platformFee-tolerance)
}

// WithdrawalPayoutIDR is the fiat amount paid out for a completed sell: floor
// of the proceeds minus the payout gateway fee. Floor, so the operator never
// overpays on rounding.
func WithdrawalPayoutIDR(cfg TokenConfig, sellAmount, price float64) float64 {
	return math.Floor(sellAmount*price) - cfg.Withdraw.PayoutGatewayFee
}
