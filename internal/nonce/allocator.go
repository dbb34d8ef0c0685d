// Package nonce hands out per-wallet nonces for concurrent submissions.
// This is an internal package and should not be imported directly by external code.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Source returns the wallet's current on-chain transaction count.
type Source func(ctx context.Context, wallet common.Address) (uint64, error)

// walletNonce is the allocation state of one wallet. All fields are guarded by mu.
type walletNonce struct {
	mu sync.Mutex

	// last is the most recently allocated nonce, nil until the first
	// allocation or after a reset
	last *uint64

	// highWater is the largest nonce ever handed out for this wallet
	highWater    uint64
	hasHighWater bool
}

// Allocator manages nonces for multiple wallets.
// Allocation is serialized per wallet; different wallets never block each other.
type Allocator struct {
	wallets sync.Map // map[common.Address]*walletNonce
}

// NewAllocator creates a new nonce allocator
func NewAllocator() *Allocator {
	return &Allocator{}
}

func (a *Allocator) state(wallet common.Address) *walletNonce {
	s, _ := a.wallets.LoadOrStore(wallet, &walletNonce{})
	return s.(*walletNonce)
}

// Next returns the nonce for the wallet's next submission.
//
// The first call, and the first call after Reset, reads the count from source.
// Every other call returns the previous nonce plus one.
func (a *Allocator) Next(ctx context.Context, wallet common.Address, source Source) (uint64, error) {
	s := a.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64
	var decision string

	if s.last == nil {
		count, err := source(ctx, wallet)
		if err != nil {
			return 0, errors.Join(ErrSourceFailed, fmt.Errorf("wallet %s: %w", wallet.Hex(), err))
		}
		next = count
		decision = "fresh, using on-chain count"

		if s.hasHighWater && count <= s.highWater {
			logger.WithFields(logger.Fields{
				"wallet":     wallet.Hex(),
				"chain":      count,
				"high_water": s.highWater,
			}).Warn("nonce: on-chain count is not above previously allocated nonces, trusting chain")
		}
	} else {
		next = *s.last + 1
		decision = "local, previous + 1"
	}

	s.last = &next
	if !s.hasHighWater || next > s.highWater {
		s.highWater = next
		s.hasHighWater = true
	}

	logger.WithFields(logger.Fields{
		"wallet":   wallet.Hex(),
		"nonce":    next,
		"decision": decision,
	}).Debug("nonce: allocated")

	return next, nil
}

// Reset forgets the wallet's local sequence so that the next allocation
// queries the chain again.
func (a *Allocator) Reset(wallet common.Address) {
	s := a.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()

	var previous any = "nil"
	if s.last != nil {
		previous = *s.last
	}
	s.last = nil

	logger.WithFields(logger.Fields{
		"wallet":   wallet.Hex(),
		"previous": previous,
	}).Debug("nonce: reset, next allocation will query chain")
}

// Peek returns the last allocated nonce, if any, without allocating.
func (a *Allocator) Peek(wallet common.Address) (uint64, bool) {
	s := a.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return 0, false
	}
	return *s.last, true
}

// Release hands back a nonce that never reached the network. Only the most
// recent allocation can be released; anything else is ignored.
func (a *Allocator) Release(wallet common.Address, nonce uint64) bool {
	s := a.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil || *s.last != nonce {
		logger.WithFields(logger.Fields{
			"wallet": wallet.Hex(),
			"nonce":  nonce,
		}).Debug("nonce: release skipped, not the latest allocation")
		return false
	}

	if nonce == 0 {
		s.last = nil
	} else {
		prev := nonce - 1
		s.last = &prev
	}
	logger.WithFields(logger.Fields{
		"wallet": wallet.Hex(),
		"nonce":  nonce,
	}).Debug("nonce: released")
	return true
}
