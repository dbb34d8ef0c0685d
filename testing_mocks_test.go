package contributor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
	"github.com/tranvictor/jarvis/util/account"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockChainClient implements ChainClient for testing
type mockChainClient struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	ChainIDFn           func(ctx context.Context) (*big.Int, error)
	FeeDataFn           func(ctx context.Context) (FeeSnapshot, error)
	TransactionCountFn  func(ctx context.Context, addr common.Address) (uint64, error)
	BalanceFn           func(ctx context.Context, addr common.Address) (*big.Int, error)
	CodeFn              func(ctx context.Context, addr common.Address) ([]byte, error)
	SubmitFn            func(ctx context.Context, tx *types.Transaction) error
	AwaitConfirmationFn func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

	// Call tracking for assertions
	TransactionCountCalls []common.Address
	SubmitCalls           []*types.Transaction
	AwaitCalls            []*types.Transaction
}

func (m *mockChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	if m.ChainIDFn != nil {
		return m.ChainIDFn(ctx)
	}
	return big.NewInt(AvalancheCChainID), nil
}

func (m *mockChainClient) FeeData(ctx context.Context) (FeeSnapshot, error) {
	if m.FeeDataFn != nil {
		return m.FeeDataFn(ctx)
	}
	return FeeSnapshot{GasPrice: gwei(25)}, nil
}

func (m *mockChainClient) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	m.TransactionCountCalls = append(m.TransactionCountCalls, addr)
	m.mu.Unlock()
	if m.TransactionCountFn != nil {
		return m.TransactionCountFn(ctx, addr)
	}
	return 0, nil
}

func (m *mockChainClient) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if m.BalanceFn != nil {
		return m.BalanceFn(ctx, addr)
	}
	return avax(10), nil
}

func (m *mockChainClient) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	if m.CodeFn != nil {
		return m.CodeFn(ctx, addr)
	}
	return []byte{0x60, 0x80, 0x60, 0x40}, nil
}

func (m *mockChainClient) Submit(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.SubmitCalls = append(m.SubmitCalls, tx)
	m.mu.Unlock()
	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, tx)
	}
	return nil
}

func (m *mockChainClient) AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	m.mu.Lock()
	m.AwaitCalls = append(m.AwaitCalls, tx)
	m.mu.Unlock()
	if m.AwaitConfirmationFn != nil {
		return m.AwaitConfirmationFn(ctx, tx)
	}
	return successReceipt(tx), nil
}

func (m *mockChainClient) submitted() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Transaction, len(m.SubmitCalls))
	copy(out, m.SubmitCalls)
	return out
}

func (m *mockChainClient) nonceQueries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TransactionCountCalls)
}

// mockSigner wraps a real account but lets tests break signing
type mockSigner struct {
	address  common.Address
	inner    Signer
	SignTxFn func(tx *types.Transaction, chainID *big.Int) (common.Address, *types.Transaction, error)
}

func (s *mockSigner) Address() common.Address { return s.address }

func (s *mockSigner) SignTx(tx *types.Transaction, chainID *big.Int) (common.Address, *types.Transaction, error) {
	if s.SignTxFn != nil {
		return s.SignTxFn(tx, chainID)
	}
	return s.inner.SignTx(tx, chainID)
}

// mockJournal implements AttemptJournal for testing
type mockJournal struct {
	mu      sync.Mutex
	records []AttemptRecord
	updates map[common.Hash]AttemptStatus

	RecordErr error
}

func (j *mockJournal) Record(ctx context.Context, rec *AttemptRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *rec)
	return j.RecordErr
}

func (j *mockJournal) UpdateStatus(ctx context.Context, hash common.Hash, status AttemptStatus, block uint64, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.updates == nil {
		j.updates = make(map[common.Hash]AttemptStatus)
	}
	j.updates[hash] = status
	return nil
}

func (j *mockJournal) recorded() []AttemptRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]AttemptRecord, len(j.records))
	copy(out, j.records)
	return out
}

func (j *mockJournal) status(hash common.Hash) (AttemptStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.updates[hash]
	return s, ok
}

// mockMetrics counts recorder calls
type mockMetrics struct {
	mu       sync.Mutex
	started  int
	rejected map[Outcome]int
	disabled map[string]DisableReason
}

func (m *mockMetrics) AttemptStarted(string) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *mockMetrics) AttemptRejected(_ string, outcome Outcome) {
	m.mu.Lock()
	if m.rejected == nil {
		m.rejected = make(map[Outcome]int)
	}
	m.rejected[outcome]++
	m.mu.Unlock()
}

func (m *mockMetrics) rejectedCount(outcome Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected[outcome]
}

func (m *mockMetrics) TxSubmitted(string) {}
func (m *mockMetrics) TxConfirmed(string) {}
func (m *mockMetrics) TxFailed(string)    {}

func (m *mockMetrics) WalletDisabled(wallet string, reason DisableReason) {
	m.mu.Lock()
	if m.disabled == nil {
		m.disabled = make(map[string]DisableReason)
	}
	m.disabled[wallet] = reason
	m.mu.Unlock()
}

func (m *mockMetrics) PendingChanged(string, int) {}

// ============================================================
// Fixtures
// ============================================================

// testPrivateKeyHex are hex-encoded test private keys
var (
	testPrivateKeyHex1 = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testPrivateKeyHex2 = "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	testPrivateKeyHex3 = "1111111111111111111111111111111111111111111111111111111111111111"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000c0de5")

func newTestAccount(t *testing.T, key string) *account.Account {
	t.Helper()
	acc, err := account.NewPrivateKeyAccount(key)
	require.NoError(t, err)
	return acc
}

func newTestWallet(t *testing.T, label, key string) Wallet {
	t.Helper()
	return Wallet{Label: label, Signer: newTestAccount(t, key)}
}

func newTestSubmitter(t *testing.T, client ChainClient, opts ...SubmitterOption) *WalletSubmitter {
	t.Helper()
	state := NewWalletState(newTestWallet(t, "main", testPrivateKeyHex1))
	return NewWalletSubmitter(state, client, SubmitterConfig{
		Contract:         testContract,
		Value:            avax(1),
		Fee:              DefaultFeeConfig(),
		ConcurrencyLimit: DefaultConcurrencyLimit,
	}, opts...)
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}

func avax(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

func successReceipt(tx *types.Transaction) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(100),
	}
}

func revertedReceipt(tx *types.Transaction) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(100),
	}
}

// blockUntilDone makes AwaitConfirmation wait for ctx, leaving txs pending
func blockUntilDone(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type rpcError struct {
	msg string
}

func (e rpcError) Error() string { return e.msg }

func rejectWith(format string, args ...any) func(context.Context, *types.Transaction) error {
	return func(context.Context, *types.Transaction) error {
		return rpcError{msg: fmt.Sprintf(format, args...)}
	}
}
