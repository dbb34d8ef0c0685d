package contributor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOptionsFleet(t *testing.T, opts ...FleetOption) *Fleet {
	t.Helper()
	f, err := NewFleet(&mockChainClient{}, testContract, avax(1),
		[]Wallet{newTestWallet(t, "main", testPrivateKeyHex1)}, opts...)
	require.NoError(t, err)
	return f
}

func TestNewFleet_Defaults(t *testing.T) {
	f := newOptionsFleet(t)

	assert.Equal(t, uint64(DefaultGasLimit), f.gasLimit)
	assert.Equal(t, DefaultPollInterval, f.pollInterval)
	assert.Equal(t, DefaultWalletStagger, f.stagger)
	assert.Equal(t, DefaultConcurrencyLimit, f.concurrencyLimit)
	assert.Equal(t, DefaultStatsInterval, f.statsInterval)
	assert.Equal(t, uint64(0), f.maxAttempts)
	assert.True(t, f.startAt.IsZero())
	assert.Equal(t, DefaultFeeConfig(), f.fee)
	assert.NotNil(t, f.classifier)
	assert.NotNil(t, f.journal)
	assert.NotNil(t, f.metrics)
	assert.Equal(t, DefaultConcurrencyLimit, cap(f.confirmations))
}

func TestWithFeeConfig(t *testing.T) {
	cfg := DefaultFeeConfig()
	cfg.GasMultiplier = 1.5
	cfg.Escalation.Cycle = 0

	f := newOptionsFleet(t, WithFeeConfig(cfg))

	assert.Equal(t, cfg, f.fee)
}

func TestWithGasLimit(t *testing.T) {
	assert.Equal(t, uint64(500_000), newOptionsFleet(t, WithGasLimit(500_000)).gasLimit)
	assert.Equal(t, uint64(DefaultGasLimit), newOptionsFleet(t, WithGasLimit(0)).gasLimit)
}

func TestWithPollInterval(t *testing.T) {
	assert.Equal(t, 3*time.Second, newOptionsFleet(t, WithPollInterval(3*time.Second)).pollInterval)
	assert.Equal(t, DefaultPollInterval, newOptionsFleet(t, WithPollInterval(-time.Second)).pollInterval)
}

func TestWithWalletStagger(t *testing.T) {
	assert.Equal(t, time.Duration(0), newOptionsFleet(t, WithWalletStagger(0)).stagger)
	assert.Equal(t, DefaultWalletStagger, newOptionsFleet(t, WithWalletStagger(-time.Millisecond)).stagger)
}

func TestWithMaxAttempts(t *testing.T) {
	assert.Equal(t, uint64(7), newOptionsFleet(t, WithMaxAttempts(7)).maxAttempts)
}

func TestWithConcurrencyLimit(t *testing.T) {
	f := newOptionsFleet(t, WithConcurrencyLimit(5))

	assert.Equal(t, 5, f.concurrencyLimit)
	assert.Equal(t, 5, cap(f.confirmations))
	assert.Equal(t, DefaultConcurrencyLimit, newOptionsFleet(t, WithConcurrencyLimit(0)).concurrencyLimit)
}

func TestWithStartAt(t *testing.T) {
	start := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

	assert.Equal(t, start, newOptionsFleet(t, WithStartAt(start)).startAt)
}

func TestWithStatsAndDrainIntervals(t *testing.T) {
	f := newOptionsFleet(t, WithStatsInterval(time.Minute), WithDrainPollInterval(2*time.Second))

	assert.Equal(t, time.Minute, f.statsInterval)
	assert.Equal(t, 2*time.Second, f.drainInterval)
}

func TestWithWaitForPendingOnSuccess(t *testing.T) {
	assert.True(t, newOptionsFleet(t, WithWaitForPendingOnSuccess(true)).waitOnSuccess)
	assert.False(t, newOptionsFleet(t).waitOnSuccess)
}

func TestWithConfirmationTimeout(t *testing.T) {
	assert.Equal(t, time.Minute, newOptionsFleet(t, WithConfirmationTimeout(time.Minute)).confirmTimeout)
	assert.Zero(t, newOptionsFleet(t).confirmTimeout)
	assert.Zero(t, newOptionsFleet(t, WithConfirmationTimeout(-time.Second)).confirmTimeout)
}

func TestWithClassificationRules(t *testing.T) {
	f := newOptionsFleet(t, WithClassificationRules(
		ClassificationRule{Pattern: "paused", Outcome: OutcomeRetryableRejection},
	))

	assert.Equal(t, OutcomeRetryableRejection, f.classifier.Classify("sale paused"))
	assert.Equal(t, OutcomeFatalUnknown, f.classifier.Classify("nonce too low"))
}

func TestWithJournalAndMetrics(t *testing.T) {
	journal := &mockJournal{}
	metrics := &mockMetrics{}

	f := newOptionsFleet(t, WithJournal(journal), WithMetrics(metrics))

	assert.Same(t, journal, f.journal)
	assert.Same(t, metrics, f.metrics)
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	f := newOptionsFleet(t, WithClock(func() time.Time { return fixed }))
	assert.Equal(t, fixed, f.now())

	f = newOptionsFleet(t, WithClock(nil))
	assert.NotNil(t, f.now)
}
