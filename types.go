package contributor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// Defaults for a fleet run
const (
	DefaultGasLimit                 = 300_000
	DefaultPollInterval             = time.Second
	DefaultWalletStagger            = 50 * time.Millisecond
	DefaultConcurrencyLimit         = 3
	DefaultStatsInterval            = 5 * time.Second
	DefaultDrainPollInterval        = time.Second
	DefaultConfirmationPollInterval = 2 * time.Second

	DefaultGasMultiplier   = 1.2
	DefaultEscalationStep  = 0.05
	DefaultEscalationCycle = 10
	DefaultMaxGasPriceGwei = 100
	DefaultPriorityFeeGwei = 2
)

// GasReserve is kept on top of the contribution amount when judging whether a
// wallet can afford an attempt (0.01 AVAX).
var GasReserve = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))

// DefaultFeeConfig returns the fee settings used when none are configured
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		GasMultiplier: DefaultGasMultiplier,
		MaxGasPrice:   new(big.Int).Mul(big.NewInt(DefaultMaxGasPriceGwei), big.NewInt(params.GWei)),
		PriorityFee:   new(big.Int).Mul(big.NewInt(DefaultPriorityFeeGwei), big.NewInt(params.GWei)),
		Escalation: EscalationPolicy{
			Step:  DefaultEscalationStep,
			Cycle: DefaultEscalationCycle,
		},
	}
}

// AttemptKind tells which branch an attempt ended in
type AttemptKind int

const (
	AttemptSubmitted AttemptKind = iota + 1
	AttemptSkipped
	AttemptRejected
)

func (k AttemptKind) String() string {
	switch k {
	case AttemptSubmitted:
		return "submitted"
	case AttemptSkipped:
		return "skipped"
	case AttemptRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// AttemptResult represents the outcome of one WalletSubmitter.Attempt call
type AttemptResult struct {
	Kind    AttemptKind
	Attempt uint64

	// Submitted
	Tx    *types.Transaction
	Nonce uint64
	Fee   FeeParams

	// Skipped: ErrWalletDisabled or ErrConcurrencyLimit.
	// Rejected: the submission error.
	Err error

	// Rejected only
	Outcome Outcome
}

// Confirmation is posted by a confirmation continuation once a submitted tx resolves
type Confirmation struct {
	Wallet  *WalletState
	Tx      *types.Transaction
	Receipt *types.Receipt
	Success bool
	Err     error

	// Fatal is set when the continuation's own bookkeeping broke an invariant
	Fatal error
}
