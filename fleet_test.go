package contributor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

type runResult struct {
	termination Termination
	err         error
}

// startFleet runs f in the background and returns a channel with its result
func startFleet(ctx context.Context, f *Fleet) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		t, err := f.Run(ctx)
		done <- runResult{termination: t, err: err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("fleet did not terminate")
		return runResult{}
	}
}

func fastFleetOptions(opts ...FleetOption) []FleetOption {
	return append([]FleetOption{
		WithPollInterval(5 * time.Millisecond),
		WithWalletStagger(time.Millisecond),
		WithDrainPollInterval(10 * time.Millisecond),
	}, opts...)
}

// senderOf runs inside submit hooks, off the test goroutine
func senderOf(tx *types.Transaction) common.Address {
	addr, _ := jarviscommon.GetSignerAddressFromTx(tx, big.NewInt(AvalancheCChainID))
	return addr
}

func TestNewFleet_Validation(t *testing.T) {
	client := &mockChainClient{}

	_, err := NewFleet(client, testContract, avax(1), nil)
	assert.ErrorIs(t, err, ErrNoWallets)

	_, err = NewFleet(client, testContract, avax(1), []Wallet{{Label: "broken"}})
	assert.Error(t, err)

	w := newTestWallet(t, "main", testPrivateKeyHex1)
	_, err = NewFleet(client, testContract, avax(1), []Wallet{w, {Label: "copy", Signer: w.Signer}})
	assert.ErrorContains(t, err, "listed twice")

	f, err := NewFleet(client, testContract, avax(1), []Wallet{w, newTestWallet(t, "second", testPrivateKeyHex2)})
	require.NoError(t, err)
	assert.Len(t, f.Wallets(), 2)
	assert.Equal(t, FleetAwaitingStart, f.State())
}

func TestFleet_MaxAttemptsExhausted(t *testing.T) {
	client := &mockChainClient{SubmitFn: rejectWith("execution reverted: Sale not open")}
	metrics := &mockMetrics{}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions(WithMaxAttempts(3), WithMetrics(metrics))...)
	require.NoError(t, err)

	r := waitRun(t, startFleet(context.Background(), f))

	require.NoError(t, r.err)
	assert.Equal(t, TerminatedAllExhausted, r.termination.Reason)
	assert.Equal(t, 1, r.termination.ExitCode())
	assert.Equal(t, FleetTerminated, f.State())

	w := f.Wallets()[0]
	assert.Equal(t, uint64(3), w.Attempts())
	assert.Equal(t, uint64(3), w.Failures())
	assert.Equal(t, DisableReasonMaxAttempts, w.DisableReason())
	assert.Len(t, client.submitted(), 3)
	assert.Equal(t, 3, metrics.rejected[OutcomeRetryableRejection])
	assert.Equal(t, DisableReasonMaxAttempts, metrics.disabled["main"])
}

func TestFleet_ConfirmationTimeoutLetsFleetExhaust(t *testing.T) {
	client := &mockChainClient{AwaitConfirmationFn: blockUntilDone}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions(
			WithMaxAttempts(2),
			WithConfirmationTimeout(30*time.Millisecond),
		)...)
	require.NoError(t, err)

	r := waitRun(t, startFleet(context.Background(), f))

	require.NoError(t, r.err)
	assert.Equal(t, TerminatedAllExhausted, r.termination.Reason)
	assert.Equal(t, 1, r.termination.ExitCode())

	w := f.Wallets()[0]
	assert.Equal(t, uint64(2), w.Attempts())
	assert.Equal(t, uint64(2), w.Failures())
	assert.Equal(t, 0, w.PendingCount())
}

func TestFleet_SuccessStopsAllWallets(t *testing.T) {
	client := &mockChainClient{}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{
			newTestWallet(t, "w1", testPrivateKeyHex1),
			newTestWallet(t, "w2", testPrivateKeyHex2),
		},
		fastFleetOptions()...)
	require.NoError(t, err)

	r := waitRun(t, startFleet(context.Background(), f))

	require.NoError(t, r.err)
	assert.Equal(t, TerminatedSuccess, r.termination.Reason)
	assert.Equal(t, 0, r.termination.ExitCode())
	require.NotNil(t, r.termination.Receipt)
	assert.Contains(t, []string{"w1", "w2"}, r.termination.Wallet)
	assert.GreaterOrEqual(t, r.termination.Stats.Successes, uint64(1))

	submitted := len(client.submitted())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, submitted, len(client.submitted()), "no attempts after termination")
}

func TestFleet_SuccessAfterRetries(t *testing.T) {
	open := make(chan struct{})
	client := &mockChainClient{
		SubmitFn: func(ctx context.Context, tx *types.Transaction) error {
			select {
			case <-open:
				return nil
			default:
				return rpcError{msg: "execution reverted: Sale not open"}
			}
		},
	}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions()...)
	require.NoError(t, err)

	done := startFleet(context.Background(), f)
	require.Eventually(t, func() bool { return f.Wallets()[0].Failures() >= 3 }, 2*time.Second, 5*time.Millisecond)
	close(open)

	r := waitRun(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, TerminatedSuccess, r.termination.Reason)
	assert.Greater(t, f.Wallets()[0].Attempts(), uint64(3))
}

func TestFleet_InsufficientFundsDisablesOnlyThatWallet(t *testing.T) {
	poor := newTestWallet(t, "poor", testPrivateKeyHex1)
	rich := newTestWallet(t, "rich", testPrivateKeyHex2)
	client := &mockChainClient{}
	client.SubmitFn = func(ctx context.Context, tx *types.Transaction) error {
		if senderOf(tx) == poor.Signer.Address() {
			return rpcError{msg: "insufficient funds for gas * price + value"}
		}
		return rpcError{msg: "execution reverted: not whitelisted"}
	}
	f, err := NewFleet(client, testContract, avax(1), []Wallet{poor, rich},
		fastFleetOptions(WithMaxAttempts(5))...)
	require.NoError(t, err)

	r := waitRun(t, startFleet(context.Background(), f))

	require.NoError(t, r.err)
	assert.Equal(t, TerminatedAllExhausted, r.termination.Reason)
	assert.Equal(t, 1, r.termination.ExitCode())

	wallets := f.Wallets()
	assert.Equal(t, DisableReasonInsufficientFunds, wallets[0].DisableReason())
	assert.Equal(t, uint64(1), wallets[0].Attempts())
	assert.Equal(t, DisableReasonMaxAttempts, wallets[1].DisableReason())
	assert.Equal(t, uint64(5), wallets[1].Attempts())
}

func TestFleet_InterruptDrainsPending(t *testing.T) {
	release := make(chan struct{})
	client := &mockChainClient{
		AwaitConfirmationFn: func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
			select {
			case <-release:
				return revertedReceipt(tx), ErrTxReverted
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions(WithConcurrencyLimit(1))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := startFleet(ctx, f)

	require.Eventually(t, func() bool { return f.Wallets()[0].PendingCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return f.State() == FleetDraining }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.Wallets()[0].PendingCount(), "draining waits for the pending tx")
	close(release)

	r := waitRun(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, TerminatedInterrupted, r.termination.Reason)
	assert.Equal(t, 0, r.termination.Pending)
	assert.Equal(t, 0, r.termination.ExitCode())
	assert.Len(t, client.submitted(), 1)
}

func TestFleet_ForceStopWhileDraining(t *testing.T) {
	client := &mockChainClient{AwaitConfirmationFn: blockUntilDone}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions(WithConcurrencyLimit(2))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := startFleet(ctx, f)

	require.Eventually(t, func() bool { return f.Wallets()[0].PendingCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return f.State() == FleetDraining }, 2*time.Second, 5*time.Millisecond)
	f.ForceStop()
	f.ForceStop()

	r := waitRun(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, TerminatedInterrupted, r.termination.Reason)
	assert.Equal(t, 2, r.termination.Pending)
	assert.Equal(t, 1, r.termination.ExitCode())
}

func TestFleet_ConcurrencyLimitHolds(t *testing.T) {
	client := &mockChainClient{AwaitConfirmationFn: blockUntilDone}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{
			newTestWallet(t, "w1", testPrivateKeyHex1),
			newTestWallet(t, "w2", testPrivateKeyHex2),
		},
		fastFleetOptions(WithConcurrencyLimit(2))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := startFleet(ctx, f)

	require.Eventually(t, func() bool { return len(client.submitted()) == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, client.submitted(), 4)
	for _, w := range f.Wallets() {
		assert.Equal(t, 2, w.PendingCount())
		assert.Equal(t, uint64(2), w.Attempts())
	}

	cancel()
	require.Eventually(t, func() bool { return f.State() == FleetDraining }, 2*time.Second, 5*time.Millisecond)
	f.ForceStop()
	waitRun(t, done)
}

func TestFleet_WaitsForStartTime(t *testing.T) {
	client := &mockChainClient{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions(
			WithStartAt(now.Add(time.Hour)),
			WithClock(func() time.Time { return now }),
		)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := startFleet(ctx, f)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, FleetAwaitingStart, f.State())
	assert.Empty(t, client.submitted())

	cancel()
	r := waitRun(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, TerminatedInterrupted, r.termination.Reason)
	assert.Equal(t, 0, r.termination.ExitCode())
	assert.Empty(t, client.submitted())
}

func TestFleet_PastStartTimeStartsImmediately(t *testing.T) {
	client := &mockChainClient{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions(
			WithStartAt(now.Add(-time.Minute)),
			WithClock(func() time.Time { return now }),
		)...)
	require.NoError(t, err)

	r := waitRun(t, startFleet(context.Background(), f))

	require.NoError(t, r.err)
	assert.Equal(t, TerminatedSuccess, r.termination.Reason)
}

func TestFleet_RecordsBalances(t *testing.T) {
	client := &mockChainClient{
		BalanceFn: func(context.Context, common.Address) (*big.Int, error) { return avax(3), nil },
	}
	f, err := NewFleet(client, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)},
		fastFleetOptions()...)
	require.NoError(t, err)

	r := waitRun(t, startFleet(context.Background(), f))

	require.NoError(t, r.err)
	assert.Equal(t, avax(3), f.Wallets()[0].Balance())
}

func TestTermination_ExitCode(t *testing.T) {
	tests := []struct {
		name string
		t    Termination
		want int
	}{
		{"success", Termination{Reason: TerminatedSuccess}, 0},
		{"success with pending", Termination{Reason: TerminatedSuccess, Pending: 2}, 0},
		{"exhausted", Termination{Reason: TerminatedAllExhausted}, 1},
		{"interrupted clean", Termination{Reason: TerminatedInterrupted}, 0},
		{"interrupted with pending", Termination{Reason: TerminatedInterrupted, Pending: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.t.ExitCode())
		})
	}
}

func TestFleetState_String(t *testing.T) {
	assert.Equal(t, "awaiting_start", FleetAwaitingStart.String())
	assert.Equal(t, "running", FleetRunning.String())
	assert.Equal(t, "draining", FleetDraining.String())
	assert.Equal(t, "terminated", FleetTerminated.String())
	assert.Equal(t, "interrupted", TerminatedInterrupted.String())
}
