package contributor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jarviscommon "github.com/tranvictor/jarvis/common"

	"github.com/tranvictor/contributor/internal/nonce"
)

// FleetState is the lifecycle state of a Fleet
type FleetState int32

const (
	FleetAwaitingStart FleetState = iota
	FleetRunning
	FleetDraining
	FleetTerminated
)

func (s FleetState) String() string {
	switch s {
	case FleetAwaitingStart:
		return "awaiting_start"
	case FleetRunning:
		return "running"
	case FleetDraining:
		return "draining"
	case FleetTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TerminationReason says why a run ended
type TerminationReason int

const (
	TerminatedSuccess TerminationReason = iota + 1
	TerminatedAllExhausted
	TerminatedInterrupted
)

func (r TerminationReason) String() string {
	switch r {
	case TerminatedSuccess:
		return "success"
	case TerminatedAllExhausted:
		return "all_exhausted"
	case TerminatedInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Termination describes how a run ended
type Termination struct {
	Reason TerminationReason
	// Pending is the number of unresolved transactions when the run ended
	Pending int
	// Wallet and Receipt identify the winning tx on success
	Wallet  string
	Receipt *types.Receipt
	Stats   FleetStats
}

// ExitCode maps a termination to the process exit status
func (t Termination) ExitCode() int {
	switch t.Reason {
	case TerminatedSuccess:
		return 0
	case TerminatedInterrupted:
		if t.Pending == 0 {
			return 0
		}
		return 1
	default:
		return 1
	}
}

type walletEvent struct {
	wallet *WalletState
	reason DisableReason
}

// Fleet drives one WalletSubmitter per wallet on independent timers and
// decides when the whole run is over.
type Fleet struct {
	client   ChainClient
	contract common.Address
	value    *big.Int

	fee              FeeConfig
	gasLimit         uint64
	pollInterval     time.Duration
	stagger          time.Duration
	maxAttempts      uint64
	concurrencyLimit int
	startAt          time.Time
	statsInterval    time.Duration
	drainInterval    time.Duration
	waitOnSuccess    bool
	confirmTimeout   time.Duration

	classifier *Classifier
	nonces     *nonce.Allocator
	journal    AttemptJournal
	metrics    MetricsRecorder
	now        func() time.Time

	wallets    []*WalletState
	submitters []*WalletSubmitter

	state atomic.Int32
	force chan struct{}
	once  sync.Once

	confirmations chan Confirmation
	disabled      chan walletEvent
}

// NewFleet creates a fleet that contributes value to contract from every wallet
func NewFleet(client ChainClient, contract common.Address, value *big.Int, wallets []Wallet, opts ...FleetOption) (*Fleet, error) {
	if len(wallets) == 0 {
		return nil, ErrNoWallets
	}

	f := &Fleet{
		client:           client,
		contract:         contract,
		value:            new(big.Int).Set(value),
		fee:              DefaultFeeConfig(),
		gasLimit:         DefaultGasLimit,
		pollInterval:     DefaultPollInterval,
		stagger:          DefaultWalletStagger,
		concurrencyLimit: DefaultConcurrencyLimit,
		statsInterval:    DefaultStatsInterval,
		drainInterval:    DefaultDrainPollInterval,
		now:              time.Now,
		force:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.classifier == nil {
		f.classifier = NewClassifier()
	}
	if f.nonces == nil {
		f.nonces = nonce.NewAllocator()
	}
	if f.journal == nil {
		f.journal = noopJournal{}
	}
	if f.metrics == nil {
		f.metrics = noopMetrics{}
	}

	seen := make(map[common.Address]bool, len(wallets))
	for i, w := range wallets {
		if w.Signer == nil {
			return nil, fmt.Errorf("wallet %d (%s) has no signer", i, w.Label)
		}
		if seen[w.Signer.Address()] {
			return nil, fmt.Errorf("wallet %s (%s) is listed twice", w.Label, w.Signer.Address().Hex())
		}
		seen[w.Signer.Address()] = true
		f.wallets = append(f.wallets, NewWalletState(w))
	}

	// buffered so continuations rarely block on a busy scheduler
	f.confirmations = make(chan Confirmation, len(f.wallets)*f.concurrencyLimit)
	f.disabled = make(chan walletEvent, len(f.wallets))

	return f, nil
}

// State returns the current lifecycle state
func (f *Fleet) State() FleetState {
	return FleetState(f.state.Load())
}

// Wallets returns the managed wallet states in configuration order
func (f *Fleet) Wallets() []*WalletState {
	out := make([]*WalletState, len(f.wallets))
	copy(out, f.wallets)
	return out
}

// ForceStop ends a draining run without waiting for pending transactions.
// It is the second-interrupt path.
func (f *Fleet) ForceStop() {
	f.once.Do(func() { close(f.force) })
}

func (f *Fleet) setState(s FleetState) {
	old := FleetState(f.state.Swap(int32(s)))
	if old != s {
		logger.WithFields(logger.Fields{
			"from": old.String(),
			"to":   s.String(),
		}).Info("Fleet state changed")
	}
}

// Run blocks until the run terminates. Cancelling ctx is the operator
// interrupt: no new attempts start and the run drains pending transactions.
func (f *Fleet) Run(ctx context.Context) (Termination, error) {
	f.setState(FleetAwaitingStart)

	// continuations outlive interrupts and die with the run
	confirmCtx, stopContinuations := context.WithCancel(context.Background())
	defer stopContinuations()

	f.submitters = f.submitters[:0]
	for _, w := range f.wallets {
		f.submitters = append(f.submitters, NewWalletSubmitter(w, f.client, SubmitterConfig{
			Contract:         f.contract,
			Value:            f.value,
			GasLimit:         f.gasLimit,
			Fee:              f.fee,
			ConcurrencyLimit: f.concurrencyLimit,
		},
			withNonceAllocator(f.nonces),
			WithSubmitterClassifier(f.classifier),
			WithSubmitterJournal(f.journal),
			WithSubmitterMetrics(f.metrics),
			WithConfirmations(confirmCtx, f.confirmations),
			WithSubmitterConfirmationTimeout(f.confirmTimeout),
		))
	}

	f.refreshBalances(ctx)

	if !f.awaitStart(ctx) {
		return f.terminate(Termination{Reason: TerminatedInterrupted}), nil
	}

	f.setState(FleetRunning)

	attemptCtx, stopAttempts := context.WithCancel(ctx)
	defer stopAttempts()

	var tickers sync.WaitGroup
	for i, sub := range f.submitters {
		tickers.Add(1)
		go func(i int, sub *WalletSubmitter) {
			defer tickers.Done()
			f.runWallet(attemptCtx, i, sub)
		}(i, sub)
	}

	stats := time.NewTicker(f.statsInterval)
	defer stats.Stop()

	for {
		select {
		case c := <-f.confirmations:
			if c.Fatal != nil {
				stopAttempts()
				tickers.Wait()
				t := f.terminate(Termination{Reason: TerminatedAllExhausted, Pending: f.totalPending()})
				return t, c.Fatal
			}
			f.onConfirmation(ctx, c)
			if c.Success {
				stopAttempts()
				tickers.Wait()
				return f.succeed(c)
			}
			if f.exhausted() {
				stopAttempts()
				tickers.Wait()
				return f.terminate(Termination{Reason: TerminatedAllExhausted}), nil
			}

		case ev := <-f.disabled:
			f.onWalletDisabled(ev)
			if f.exhausted() {
				stopAttempts()
				tickers.Wait()
				return f.terminate(Termination{Reason: TerminatedAllExhausted}), nil
			}

		case <-stats.C:
			f.LogStats()

		case <-ctx.Done():
			stopAttempts()
			tickers.Wait()
			return f.drain()
		}
	}
}

// awaitStart holds the run until the configured start time. It returns false
// if the operator interrupted the wait.
func (f *Fleet) awaitStart(ctx context.Context) bool {
	if f.startAt.IsZero() {
		return true
	}
	wait := f.startAt.Sub(f.now())
	if wait <= 0 {
		logger.WithFields(logger.Fields{"start_at": f.startAt.Format(time.RFC3339)}).
			Info("Start time already passed, starting immediately")
		return true
	}

	logger.WithFields(logger.Fields{
		"start_at": f.startAt.Format(time.RFC3339),
		"wait":     wait.String(),
	}).Info("Waiting for start time")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-f.force:
		return false
	}
}

// runWallet is the per-wallet timer loop. The first attempt fires right away.
func (f *Fleet) runWallet(ctx context.Context, index int, sub *WalletSubmitter) {
	period := f.pollInterval + time.Duration(index)*f.stagger
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if !f.tick(ctx, sub) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one scheduling decision for a wallet. It returns false once the
// wallet must not be ticked again.
func (f *Fleet) tick(ctx context.Context, sub *WalletSubmitter) bool {
	if ctx.Err() != nil {
		return false
	}
	w := sub.State()
	if w.Disabled() {
		return false
	}
	if f.limitReached(w) {
		f.disable(w, DisableReasonMaxAttempts)
		return false
	}

	res := sub.Attempt(ctx)
	if res.Kind == AttemptRejected && res.Outcome == OutcomeInsufficientFunds {
		f.disable(w, DisableReasonInsufficientFunds)
		return false
	}
	if f.limitReached(w) {
		f.disable(w, DisableReasonMaxAttempts)
		return false
	}
	return true
}

func (f *Fleet) limitReached(w *WalletState) bool {
	return f.maxAttempts > 0 && w.Attempts() >= f.maxAttempts
}

func (f *Fleet) disable(w *WalletState, reason DisableReason) {
	if !w.Disable(reason) {
		return
	}
	f.disabled <- walletEvent{wallet: w, reason: reason}
}

func (f *Fleet) onWalletDisabled(ev walletEvent) {
	f.metrics.WalletDisabled(ev.wallet.Label(), ev.reason)
	logger.WithFields(logger.Fields{
		"wallet":   ev.wallet.Label(),
		"address":  ev.wallet.Address().Hex(),
		"reason":   string(ev.reason),
		"attempts": ev.wallet.Attempts(),
		"active":   f.activeWallets(),
	}).Warn("Wallet disabled")
}

func (f *Fleet) onConfirmation(ctx context.Context, c Confirmation) {
	if balance, err := f.client.Balance(ctx, c.Wallet.Address()); err == nil {
		c.Wallet.SetBalance(balance)
	}
}

// exhausted is true when no wallet can attempt again, nothing is in flight
// and no confirmation succeeded
func (f *Fleet) exhausted() bool {
	if f.activeWallets() > 0 || f.totalPending() > 0 {
		return false
	}
	for _, w := range f.wallets {
		if w.Successes() > 0 {
			return false
		}
	}
	return true
}

func (f *Fleet) activeWallets() int {
	n := 0
	for _, w := range f.wallets {
		if !w.Disabled() {
			n++
		}
	}
	return n
}

func (f *Fleet) totalPending() int {
	n := 0
	for _, w := range f.wallets {
		n += w.PendingCount()
	}
	return n
}

// succeed ends the run after a confirmed contribution, optionally letting
// the remaining in-flight transactions resolve first.
func (f *Fleet) succeed(c Confirmation) (Termination, error) {
	t := Termination{Reason: TerminatedSuccess, Wallet: c.Wallet.Label(), Receipt: c.Receipt}

	if f.waitOnSuccess {
		f.setState(FleetDraining)
		f.waitPending()
	}
	t.Pending = f.totalPending()
	return f.terminate(t), nil
}

// drain stops new attempts and waits for in-flight transactions.
func (f *Fleet) drain() (Termination, error) {
	f.setState(FleetDraining)
	logger.WithFields(logger.Fields{"pending": f.totalPending()}).
		Info("Interrupted, waiting for pending transactions")

	t := Termination{Reason: TerminatedInterrupted}
	if c, ok := f.waitPending(); ok {
		t.Wallet = c.Wallet.Label()
		t.Receipt = c.Receipt
	}
	t.Pending = f.totalPending()
	return f.terminate(t), nil
}

// waitPending blocks until no transaction is pending or ForceStop is called.
// It returns the last successful confirmation seen while waiting.
func (f *Fleet) waitPending() (Confirmation, bool) {
	var won Confirmation
	var ok bool

	poll := time.NewTicker(f.drainInterval)
	defer poll.Stop()

	for f.totalPending() > 0 {
		select {
		case c := <-f.confirmations:
			if c.Success {
				won, ok = c, true
			}
		case <-f.disabled:
		case <-poll.C:
			logger.WithFields(logger.Fields{"pending": f.totalPending()}).Info("Still waiting for pending transactions")
		case <-f.force:
			logger.WithFields(logger.Fields{"pending": f.totalPending()}).Warn("Forced stop with pending transactions")
			return won, ok
		}
	}
	return won, ok
}

func (f *Fleet) terminate(t Termination) Termination {
	f.setState(FleetTerminated)
	t.Stats = f.Stats()

	fields := logger.Fields{
		"reason":    t.Reason.String(),
		"pending":   t.Pending,
		"attempts":  t.Stats.Attempts,
		"successes": t.Stats.Successes,
		"failures":  t.Stats.Failures,
	}
	if t.Receipt != nil {
		fields["wallet"] = t.Wallet
		fields["tx_hash"] = t.Receipt.TxHash.Hex()
		if t.Receipt.BlockNumber != nil {
			fields["block"] = t.Receipt.BlockNumber.Uint64()
		}
	}
	logger.WithFields(fields).Info("Fleet terminated")
	f.LogStats()
	return t
}

// refreshBalances records every wallet's balance and warns about wallets that
// cannot cover the contribution plus GasReserve.
func (f *Fleet) refreshBalances(ctx context.Context) {
	minimum := new(big.Int).Add(f.value, GasReserve)
	for _, w := range f.wallets {
		balance, err := f.client.Balance(ctx, w.Address())
		if err != nil {
			logger.WithFields(logger.Fields{
				"wallet": w.Label(),
				"error":  err,
			}).Warn("Couldn't read wallet balance")
			continue
		}
		w.SetBalance(balance)

		fields := logger.Fields{
			"wallet":  w.Label(),
			"address": w.Address().Hex(),
			"balance": jarviscommon.BigToFloat(balance, 18),
		}
		if balance.Cmp(minimum) < 0 {
			fields["minimum"] = jarviscommon.BigToFloat(minimum, 18)
			logger.WithFields(fields).Warn("Wallet balance may not cover contribution and gas")
			continue
		}
		logger.WithFields(fields).Info("Wallet ready")
	}
}
