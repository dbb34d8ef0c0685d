package contributor

import (
	"fmt"
	"math"
	"math/big"
)

const bpsDenominator = 10_000

// FeeSnapshot is the network fee data observed right before an attempt.
// MaxFeePerGas and MaxPriorityFeePerGas are nil on networks without a fee market.
type FeeSnapshot struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SupportsFeeMarket reports whether the network returned a base-fee/priority-fee pair
func (s FeeSnapshot) SupportsFeeMarket() bool {
	return s.MaxFeePerGas != nil && s.MaxPriorityFeePerGas != nil
}

// EscalationPolicy controls how the attempt number raises the price.
//
// With Cycle > 0 the multiplier is a sawtooth: 1 + Step*((attempt-1) mod Cycle).
// With Cycle == 0 it grows linearly: 1 + Step*(attempt-1).
type EscalationPolicy struct {
	Step  float64
	Cycle uint64
}

// MultiplierBps returns the attempt multiplier in basis points.
func (p EscalationPolicy) MultiplierBps(attempt uint64) uint64 {
	if attempt == 0 {
		attempt = 1
	}
	steps := attempt - 1
	if p.Cycle > 0 {
		steps %= p.Cycle
	}
	return bpsDenominator + toBps(p.Step)*steps
}

// FeeConfig holds the fee constants shared by every wallet.
type FeeConfig struct {
	GasMultiplier float64
	MaxGasPrice   *big.Int
	PriorityFee   *big.Int
	Escalation    EscalationPolicy
}

// FeeParams is the fee part of a single attempt.
type FeeParams struct {
	// Price is the escalated and capped gas price. For legacy transactions
	// it is the gas price that gets submitted.
	Price *big.Int

	Dynamic              bool
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	MultiplierBps uint64
	Capped        bool
	// Corrected is set when Price was below the priority fee and
	// MaxFeePerGas was raised to twice the priority fee.
	Corrected bool
}

// ComputeFee derives the fee parameters for the given 1-based attempt.
// It has no side effects and returns the same output for the same inputs.
func ComputeFee(snapshot FeeSnapshot, attempt uint64, cfg FeeConfig) (FeeParams, error) {
	if snapshot.GasPrice == nil || snapshot.GasPrice.Sign() <= 0 {
		return FeeParams{}, fmt.Errorf("%w: gas price missing", ErrInvalidFeeSnapshot)
	}
	if cfg.MaxGasPrice == nil || cfg.MaxGasPrice.Sign() <= 0 {
		return FeeParams{}, fmt.Errorf("%w: max gas price must be positive", ErrInvalidFeeConfig)
	}
	if cfg.GasMultiplier <= 0 {
		return FeeParams{}, fmt.Errorf("%w: gas multiplier must be positive", ErrInvalidFeeConfig)
	}

	multiplierBps := toBps(cfg.GasMultiplier) * cfg.Escalation.MultiplierBps(attempt) / bpsDenominator

	price := new(big.Int).Mul(snapshot.GasPrice, new(big.Int).SetUint64(multiplierBps))
	price.Div(price, big.NewInt(bpsDenominator))

	params := FeeParams{MultiplierBps: multiplierBps}
	if price.Cmp(cfg.MaxGasPrice) > 0 {
		price.Set(cfg.MaxGasPrice)
		params.Capped = true
	}
	params.Price = price

	if !snapshot.SupportsFeeMarket() {
		return params, nil
	}

	if cfg.PriorityFee == nil || cfg.PriorityFee.Sign() < 0 {
		return FeeParams{}, fmt.Errorf("%w: priority fee must not be negative", ErrInvalidFeeConfig)
	}

	params.Dynamic = true
	params.MaxPriorityFeePerGas = new(big.Int).Set(cfg.PriorityFee)
	if price.Cmp(cfg.PriorityFee) < 0 {
		params.MaxFeePerGas = new(big.Int).Mul(cfg.PriorityFee, big.NewInt(2))
		params.Corrected = true
	} else {
		params.MaxFeePerGas = new(big.Int).Set(price)
	}

	if params.MaxFeePerGas.Cmp(params.MaxPriorityFeePerGas) < 0 {
		return FeeParams{}, ErrInvalidFeePair
	}
	return params, nil
}

func toBps(f float64) uint64 {
	if f <= 0 {
		return 0
	}
	return uint64(math.Round(f * bpsDenominator))
}
