package contributor

import (
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// DisableReason says why a wallet left the rotation.
type DisableReason string

const (
	DisableReasonNone              DisableReason = ""
	DisableReasonMaxAttempts       DisableReason = "max_attempts"
	DisableReasonInsufficientFunds DisableReason = "insufficient_funds"
)

// Wallet pairs a signer with a human readable label.
type Wallet struct {
	Label  string
	Signer Signer
}

// WalletState is the in-memory state of one managed wallet.
//
// Pending transactions and counters are mutated only by the owning
// WalletSubmitter and its confirmation continuations. The disabled flag is a
// one-way latch that anyone may set.
type WalletState struct {
	label   string
	signer  Signer
	address common.Address

	mu       sync.Mutex
	pending  map[common.Hash]uint64 // tx hash -> nonce
	reserved int                    // slots held by attempts that have not submitted yet
	balance  *big.Int

	attempts  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64

	disabled      atomic.Bool
	disableReason atomic.Value // DisableReason
}

// NewWalletState creates the state for w
func NewWalletState(w Wallet) *WalletState {
	return &WalletState{
		label:   w.Label,
		signer:  w.Signer,
		address: w.Signer.Address(),
		pending: make(map[common.Hash]uint64),
	}
}

func (s *WalletState) Label() string           { return s.label }
func (s *WalletState) Address() common.Address { return s.address }
func (s *WalletState) Signer() Signer          { return s.signer }
func (s *WalletState) Attempts() uint64        { return s.attempts.Load() }
func (s *WalletState) Successes() uint64       { return s.successes.Load() }
func (s *WalletState) Failures() uint64        { return s.failures.Load() }
func (s *WalletState) Disabled() bool          { return s.disabled.Load() }

// DisableReason returns why the wallet was disabled, or DisableReasonNone
func (s *WalletState) DisableReason() DisableReason {
	if r, ok := s.disableReason.Load().(DisableReason); ok {
		return r
	}
	return DisableReasonNone
}

// Disable latches the wallet off. It returns true only for the call that
// flipped the flag.
func (s *WalletState) Disable(reason DisableReason) bool {
	if !s.disabled.CompareAndSwap(false, true) {
		return false
	}
	s.disableReason.Store(reason)
	return true
}

// PendingCount returns the number of submitted but unresolved transactions
func (s *WalletState) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// PendingHashes returns the hashes of unresolved transactions
func (s *WalletState) PendingHashes() []common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]common.Hash, 0, len(s.pending))
	for h := range s.pending {
		hashes = append(hashes, h)
	}
	return hashes
}

// Balance returns the last observed balance, nil if never observed
func (s *WalletState) Balance() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance == nil {
		return nil
	}
	return new(big.Int).Set(s.balance)
}

// SetBalance records an observed balance
func (s *WalletState) SetBalance(balance *big.Int) {
	if balance == nil {
		return
	}
	s.mu.Lock()
	s.balance = new(big.Int).Set(balance)
	s.mu.Unlock()
}

// reserveSlot takes one in-flight slot if pending plus reserved slots are below limit.
func (s *WalletState) reserveSlot(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending)+s.reserved >= limit {
		return false
	}
	s.reserved++
	return true
}

// releaseSlot gives back a reservation that did not lead to a submission
func (s *WalletState) releaseSlot() {
	s.mu.Lock()
	if s.reserved > 0 {
		s.reserved--
	}
	s.mu.Unlock()
}

// commitSlot turns a reservation into a pending transaction and returns the new pending count
func (s *WalletState) commitSlot(hash common.Hash, nonce uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved > 0 {
		s.reserved--
	}
	s.pending[hash] = nonce
	return len(s.pending)
}

// resolve removes a pending transaction and returns the remaining count and
// whether the hash was pending at all
func (s *WalletState) resolve(hash common.Hash) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[hash]
	delete(s.pending, hash)
	return len(s.pending), ok
}

// WalletSnapshot is a point-in-time copy of a wallet's counters
type WalletSnapshot struct {
	Label         string
	Address       common.Address
	Attempts      uint64
	Successes     uint64
	Failures      uint64
	Pending       int
	Disabled      bool
	DisableReason DisableReason
	Balance       *big.Int
}

// Snapshot copies the wallet's counters
func (s *WalletState) Snapshot() WalletSnapshot {
	return WalletSnapshot{
		Label:         s.label,
		Address:       s.address,
		Attempts:      s.Attempts(),
		Successes:     s.Successes(),
		Failures:      s.Failures(),
		Pending:       s.PendingCount(),
		Disabled:      s.Disabled(),
		DisableReason: s.DisableReason(),
		Balance:       s.Balance(),
	}
}
