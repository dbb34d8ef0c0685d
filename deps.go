// deps.go defines minimal interfaces for external dependencies.
// This allows for easy mocking in tests and decouples the core from the RPC and signing implementations.
package contributor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient defines the chain operations the core needs.
type ChainClient interface {
	// ChainID returns the id used to sign transactions
	ChainID(ctx context.Context) (*big.Int, error)

	// FeeData returns the current gas price and, on fee-market networks,
	// the suggested max fee and priority fee
	FeeData(ctx context.Context) (FeeSnapshot, error)

	// TransactionCount returns the next nonce the chain expects from addr
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)

	// Balance returns the balance of addr in wei
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)

	// Code returns the contract code at addr, empty for externally owned accounts
	Code(ctx context.Context, addr common.Address) ([]byte, error)

	// Submit broadcasts a signed transaction. An error means no handle exists.
	Submit(ctx context.Context, tx *types.Transaction) error

	// AwaitConfirmation blocks until tx is mined or ctx is done.
	// A mined but reverted tx returns its receipt together with ErrTxReverted.
	AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Signer is the opaque key holder of a wallet.
// jarvis account.Account satisfies it.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (common.Address, *types.Transaction, error)
}

// MetricsRecorder receives fleet events for monitoring.
type MetricsRecorder interface {
	AttemptStarted(wallet string)
	AttemptRejected(wallet string, outcome Outcome)
	TxSubmitted(wallet string)
	TxConfirmed(wallet string)
	TxFailed(wallet string)
	WalletDisabled(wallet string, reason DisableReason)
	PendingChanged(wallet string, pending int)
}

type noopMetrics struct{}

func (noopMetrics) AttemptStarted(string)                {}
func (noopMetrics) AttemptRejected(string, Outcome)      {}
func (noopMetrics) TxSubmitted(string)                   {}
func (noopMetrics) TxConfirmed(string)                   {}
func (noopMetrics) TxFailed(string)                      {}
func (noopMetrics) WalletDisabled(string, DisableReason) {}
func (noopMetrics) PendingChanged(string, int)           {}
