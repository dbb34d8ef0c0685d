package contributor

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AttemptStatus is the lifecycle status of a journaled attempt.
type AttemptStatus string

const (
	// AttemptStatusRejected means the broadcaster refused the tx, no handle exists
	AttemptStatusRejected AttemptStatus = "rejected"
	// AttemptStatusPending means the tx was accepted and awaits confirmation
	AttemptStatusPending AttemptStatus = "pending"
	// AttemptStatusConfirmed means the tx was mined successfully
	AttemptStatusConfirmed AttemptStatus = "confirmed"
	// AttemptStatusFailed means the tx was accepted but failed afterwards
	AttemptStatusFailed AttemptStatus = "failed"
)

// AttemptRecord is what gets journaled for a single attempt.
type AttemptRecord struct {
	Wallet    common.Address
	Label     string
	Attempt   uint64
	Nonce     uint64
	TxHash    common.Hash // zero for rejected attempts
	Status    AttemptStatus
	Outcome   string // classification, only for rejected attempts
	Error     string
	GasPrice  *big.Int
	MaxFee    *big.Int
	TipCap    *big.Int
	Block     uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptJournal records attempts for later inspection.
// Journal failures are logged and never affect submission.
type AttemptJournal interface {
	// Record stores a new attempt
	Record(ctx context.Context, rec *AttemptRecord) error

	// UpdateStatus moves a submitted attempt to its final status
	UpdateStatus(ctx context.Context, hash common.Hash, status AttemptStatus, block uint64, errMsg string) error
}

type noopJournal struct{}

func (noopJournal) Record(context.Context, *AttemptRecord) error { return nil }
func (noopJournal) UpdateStatus(context.Context, common.Hash, AttemptStatus, uint64, string) error {
	return nil
}
