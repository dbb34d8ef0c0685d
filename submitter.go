package contributor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jarviscommon "github.com/tranvictor/jarvis/common"

	"github.com/tranvictor/contributor/internal/nonce"
)

// SubmitterConfig holds what every attempt of a wallet needs
type SubmitterConfig struct {
	Contract         common.Address
	Value            *big.Int
	GasLimit         uint64
	Fee              FeeConfig
	ConcurrencyLimit int
}

// WalletSubmitter runs submission attempts for a single wallet.
// Attempt may be called from one goroutine while confirmations resolve on others.
type WalletSubmitter struct {
	state  *WalletState
	client ChainClient
	cfg    SubmitterConfig

	nonces     *nonce.Allocator
	classifier *Classifier
	journal    AttemptJournal
	metrics    MetricsRecorder

	// confirmations receives the result of every submitted tx, nil to drop them
	confirmations chan<- Confirmation
	// confirmCtx bounds confirmation continuations; it outlives attempt contexts
	confirmCtx context.Context
	// confirmTimeout bounds a single continuation, 0 waits forever
	confirmTimeout time.Duration
}

// SubmitterOption configures a WalletSubmitter
type SubmitterOption func(*WalletSubmitter)

// WithSubmitterClassifier sets the classifier for rejected submissions
func WithSubmitterClassifier(c *Classifier) SubmitterOption {
	return func(s *WalletSubmitter) {
		s.classifier = c
	}
}

// WithSubmitterJournal sets the attempt journal
func WithSubmitterJournal(j AttemptJournal) SubmitterOption {
	return func(s *WalletSubmitter) {
		s.journal = j
	}
}

// WithSubmitterMetrics sets the metrics recorder
func WithSubmitterMetrics(m MetricsRecorder) SubmitterOption {
	return func(s *WalletSubmitter) {
		s.metrics = m
	}
}

// WithConfirmations makes confirmation continuations post their result to ch.
// Continuations stop waiting when ctx is done.
func WithConfirmations(ctx context.Context, ch chan<- Confirmation) SubmitterOption {
	return func(s *WalletSubmitter) {
		s.confirmCtx = ctx
		s.confirmations = ch
	}
}

// WithSubmitterConfirmationTimeout resolves a submitted tx as failed when no
// receipt shows up within timeout. Zero waits forever.
func WithSubmitterConfirmationTimeout(timeout time.Duration) SubmitterOption {
	return func(s *WalletSubmitter) {
		if timeout > 0 {
			s.confirmTimeout = timeout
		}
	}
}

func withNonceAllocator(a *nonce.Allocator) SubmitterOption {
	return func(s *WalletSubmitter) {
		s.nonces = a
	}
}

// NewWalletSubmitter creates a submitter owning state
func NewWalletSubmitter(state *WalletState, client ChainClient, cfg SubmitterConfig, opts ...SubmitterOption) *WalletSubmitter {
	s := &WalletSubmitter{
		state:  state,
		client: client,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.GasLimit == 0 {
		s.cfg.GasLimit = DefaultGasLimit
	}
	if s.cfg.ConcurrencyLimit <= 0 {
		s.cfg.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if s.cfg.Value == nil {
		s.cfg.Value = new(big.Int)
	}
	if s.nonces == nil {
		s.nonces = nonce.NewAllocator()
	}
	if s.classifier == nil {
		s.classifier = NewClassifier()
	}
	if s.journal == nil {
		s.journal = noopJournal{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.confirmCtx == nil {
		s.confirmCtx = context.Background()
	}
	return s
}

// State returns the wallet state owned by this submitter
func (s *WalletSubmitter) State() *WalletState {
	return s.state
}

// Attempt makes one submission attempt. Errors never escape: they come
// back as a Skipped or Rejected result.
func (s *WalletSubmitter) Attempt(ctx context.Context) AttemptResult {
	if s.state.Disabled() {
		return AttemptResult{Kind: AttemptSkipped, Attempt: s.state.Attempts(), Err: ErrWalletDisabled}
	}
	if !s.state.reserveSlot(s.cfg.ConcurrencyLimit) {
		logger.WithFields(logger.Fields{
			"wallet":  s.state.Label(),
			"pending": s.state.PendingCount(),
			"limit":   s.cfg.ConcurrencyLimit,
		}).Debug("Wallet at its in-flight limit, skipping tick")
		return AttemptResult{Kind: AttemptSkipped, Attempt: s.state.Attempts(), Err: ErrConcurrencyLimit}
	}

	attempt := s.state.attempts.Add(1)
	s.metrics.AttemptStarted(s.state.Label())

	logger.WithFields(logger.Fields{
		"wallet":  s.state.Label(),
		"attempt": attempt,
		"amount":  jarviscommon.BigToFloat(s.cfg.Value, 18),
	}).Debug("Contributing")

	tx, params, n, err := s.buildAndSign(ctx, attempt)
	if err != nil {
		return s.reject(ctx, attempt, nil, err)
	}

	if err := s.client.Submit(ctx, tx); err != nil {
		return s.reject(ctx, attempt, tx, err)
	}

	pending := s.state.commitSlot(tx.Hash(), n)
	s.metrics.TxSubmitted(s.state.Label())
	s.metrics.PendingChanged(s.state.Label(), pending)

	fields := logger.Fields{
		"wallet":  s.state.Label(),
		"attempt": attempt,
		"nonce":   n,
		"tx_hash": tx.Hash().Hex(),
		"pending": pending,
	}
	for k, v := range feeLogFields(params) {
		fields[k] = v
	}
	logger.WithFields(fields).Info("Contribution submitted, waiting for confirmation")

	rec := &AttemptRecord{
		Wallet:    s.state.Address(),
		Label:     s.state.Label(),
		Attempt:   attempt,
		Nonce:     n,
		TxHash:    tx.Hash(),
		Status:    AttemptStatusPending,
		GasPrice:  params.Price,
		MaxFee:    params.MaxFeePerGas,
		TipCap:    params.MaxPriorityFeePerGas,
		CreatedAt: time.Now(),
	}
	rec.UpdatedAt = rec.CreatedAt
	if jerr := s.journal.Record(ctx, rec); jerr != nil {
		logger.WithFields(logger.Fields{"wallet": s.state.Label(), "tx_hash": tx.Hash().Hex(), "error": jerr}).
			Warn("Couldn't journal submitted attempt")
	}

	go s.awaitConfirmation(tx)

	return AttemptResult{
		Kind:    AttemptSubmitted,
		Attempt: attempt,
		Tx:      tx,
		Nonce:   n,
		Fee:     params,
	}
}

// buildAndSign computes fees, allocates the nonce and signs the contribute call.
// On failure after allocation the nonce is handed back.
func (s *WalletSubmitter) buildAndSign(ctx context.Context, attempt uint64) (*types.Transaction, FeeParams, uint64, error) {
	snapshot, err := s.client.FeeData(ctx)
	if err != nil {
		return nil, FeeParams{}, 0, errors.Join(ErrGetFeeDataFailed, err)
	}

	params, err := ComputeFee(snapshot, attempt, s.cfg.Fee)
	if err != nil {
		return nil, FeeParams{}, 0, err
	}

	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, FeeParams{}, 0, fmt.Errorf("couldn't get chain id: %w", err)
	}

	data, err := ContributeCalldata()
	if err != nil {
		return nil, FeeParams{}, 0, err
	}

	addr := s.state.Address()
	n, err := s.nonces.Next(ctx, addr, s.client.TransactionCount)
	if err != nil {
		return nil, FeeParams{}, 0, errors.Join(ErrAcquireNonceFailed, err)
	}

	to := s.cfg.Contract
	var unsigned *types.Transaction
	if params.Dynamic {
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     n,
			GasTipCap: params.MaxPriorityFeePerGas,
			GasFeeCap: params.MaxFeePerGas,
			Gas:       s.cfg.GasLimit,
			To:        &to,
			Value:     s.cfg.Value,
			Data:      data,
		})
	} else {
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    n,
			GasPrice: params.Price,
			Gas:      s.cfg.GasLimit,
			To:       &to,
			Value:    s.cfg.Value,
			Data:     data,
		})
	}

	_, signed, err := s.state.Signer().SignTx(unsigned, chainID)
	if err != nil {
		s.nonces.Release(addr, n)
		return nil, FeeParams{}, 0, errors.Join(ErrSignTxFailed, err)
	}

	sender, err := jarviscommon.GetSignerAddressFromTx(signed, chainID)
	if err != nil || sender != addr {
		s.nonces.Release(addr, n)
		return nil, FeeParams{}, 0, fmt.Errorf("%w: expected %s, got %s", ErrSignerMismatch, addr.Hex(), sender.Hex())
	}

	return signed, params, n, nil
}

// reject accounts for an attempt that never produced a pending handle.
// tx is nil when the failure happened before broadcast.
func (s *WalletSubmitter) reject(ctx context.Context, attempt uint64, tx *types.Transaction, err error) AttemptResult {
	s.state.releaseSlot()
	s.state.failures.Add(1)

	outcome := s.classify(err)
	s.metrics.AttemptRejected(s.state.Label(), outcome)

	var n uint64
	if tx != nil {
		n = tx.Nonce()
		if outcome == OutcomeNonceConflict {
			s.nonces.Reset(s.state.Address())
		} else {
			s.nonces.Release(s.state.Address(), n)
		}
	}

	fields := logger.Fields{
		"wallet":  s.state.Label(),
		"attempt": attempt,
		"outcome": outcome.String(),
		"error":   ErrorMessage(err),
	}
	if tx != nil {
		fields["nonce"] = n
	}
	switch outcome {
	case OutcomeRetryableRejection, OutcomeNonceConflict, OutcomeGasParameterError:
		logger.WithFields(fields).Warn("Contribution rejected, will retry")
	case OutcomeInsufficientFunds:
		logger.WithFields(fields).Error("Contribution rejected, wallet cannot pay")
	default:
		logger.WithFields(fields).Error("Contribution failed with unknown error, will retry")
	}

	rec := &AttemptRecord{
		Wallet:    s.state.Address(),
		Label:     s.state.Label(),
		Attempt:   attempt,
		Nonce:     n,
		Status:    AttemptStatusRejected,
		Outcome:   outcome.String(),
		Error:     ErrorMessage(err),
		CreatedAt: time.Now(),
	}
	rec.UpdatedAt = rec.CreatedAt
	if jerr := s.journal.Record(ctx, rec); jerr != nil {
		logger.WithFields(logger.Fields{"wallet": s.state.Label(), "error": jerr}).Debug("Couldn't journal rejected attempt")
	}

	return AttemptResult{
		Kind:    AttemptRejected,
		Attempt: attempt,
		Err:     err,
		Outcome: outcome,
	}
}

func (s *WalletSubmitter) classify(err error) Outcome {
	switch {
	case errors.Is(err, ErrInvalidFeePair):
		return OutcomeGasParameterError
	case errors.Is(err, ErrSignerMismatch), errors.Is(err, ErrSignTxFailed):
		return OutcomeFatalUnknown
	// the wrapped rpc error may mention nonces or gas without being a rejection
	case errors.Is(err, ErrAcquireNonceFailed), errors.Is(err, ErrGetFeeDataFailed):
		return OutcomeFatalUnknown
	case errors.Is(err, ErrConfirmationTimeout):
		return OutcomeRetryableRejection
	}
	return s.classifier.ClassifyError(err)
}

// awaitConfirmation is the continuation of a submitted tx. It resolves the
// pending handle, updates counters and posts the result.
func (s *WalletSubmitter) awaitConfirmation(tx *types.Transaction) {
	waitCtx := s.confirmCtx
	if s.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(s.confirmCtx, s.confirmTimeout)
		defer cancel()
	}
	receipt, err := s.client.AwaitConfirmation(waitCtx, tx)

	if s.confirmCtx.Err() != nil && errors.Is(err, s.confirmCtx.Err()) {
		remaining, _ := s.state.resolve(tx.Hash())
		s.metrics.PendingChanged(s.state.Label(), remaining)
		logger.WithFields(logger.Fields{
			"wallet":  s.state.Label(),
			"tx_hash": tx.Hash().Hex(),
		}).Debug("Stopped waiting for confirmation")
		return
	}

	if errors.Is(err, context.DeadlineExceeded) && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		// likely dropped; the chain decides which nonce comes next
		s.nonces.Reset(s.state.Address())
		err = errors.Join(ErrConfirmationTimeout, err)
	}

	c := Confirmation{
		Wallet:  s.state,
		Tx:      tx,
		Receipt: receipt,
		Err:     err,
	}

	var block uint64
	if receipt != nil && receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	// counters move before the handle leaves the pending set so that the
	// scheduler never sees a resolved tx without its outcome
	status := AttemptStatusFailed
	if err == nil && receipt != nil && receipt.Status == types.ReceiptStatusSuccessful {
		c.Success = true
		status = AttemptStatusConfirmed
		s.state.successes.Add(1)
	} else {
		if err == nil {
			c.Err = ErrTxReverted
		}
		s.state.failures.Add(1)
	}

	remaining, wasPending := s.state.resolve(tx.Hash())
	s.metrics.PendingChanged(s.state.Label(), remaining)
	if !wasPending {
		c.Fatal = fmt.Errorf("tx %s resolved but was not tracked as pending for wallet %s", tx.Hash().Hex(), s.state.Label())
	}

	if c.Success {
		s.metrics.TxConfirmed(s.state.Label())
		logger.WithFields(logger.Fields{
			"wallet":  s.state.Label(),
			"tx_hash": tx.Hash().Hex(),
			"block":   block,
		}).Info("Contribution confirmed")
	} else {
		s.metrics.TxFailed(s.state.Label())
		logger.WithFields(logger.Fields{
			"wallet":  s.state.Label(),
			"tx_hash": tx.Hash().Hex(),
			"block":   block,
			"outcome": s.classify(c.Err).String(),
			"error":   ErrorMessage(c.Err),
		}).Warn("Contribution failed after submission")
	}

	if jerr := s.journal.UpdateStatus(s.confirmCtx, tx.Hash(), status, block, ErrorMessage(c.Err)); jerr != nil {
		logger.WithFields(logger.Fields{"wallet": s.state.Label(), "tx_hash": tx.Hash().Hex(), "error": jerr}).
			Warn("Couldn't journal attempt status")
	}

	if s.confirmations == nil {
		return
	}
	select {
	case s.confirmations <- c:
	case <-s.confirmCtx.Done():
	}
}

func feeLogFields(p FeeParams) logger.Fields {
	fields := logger.Fields{
		"gas_price_gwei": jarviscommon.BigToFloat(p.Price, 9),
		"multiplier_bps": p.MultiplierBps,
		"capped":         p.Capped,
	}
	if p.Dynamic {
		fields["max_fee_gwei"] = jarviscommon.BigToFloat(p.MaxFeePerGas, 9)
		fields["priority_fee_gwei"] = jarviscommon.BigToFloat(p.MaxPriorityFeePerGas, 9)
		fields["corrected"] = p.Corrected
	}
	return fields
}
