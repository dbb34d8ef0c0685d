package contributor

import (
	"time"
)

// FleetOption is a function that configures a Fleet
type FleetOption func(*Fleet)

// WithFeeConfig sets the fee constants used by every wallet
func WithFeeConfig(cfg FeeConfig) FleetOption {
	return func(f *Fleet) {
		f.fee = cfg
	}
}

// WithGasLimit sets the gas limit of the contribute call
func WithGasLimit(gasLimit uint64) FleetOption {
	return func(f *Fleet) {
		if gasLimit > 0 {
			f.gasLimit = gasLimit
		}
	}
}

// WithPollInterval sets the base tick period of every wallet
func WithPollInterval(interval time.Duration) FleetOption {
	return func(f *Fleet) {
		if interval > 0 {
			f.pollInterval = interval
		}
	}
}

// WithWalletStagger sets the extra tick period added per wallet index.
// Wallet i ticks every pollInterval + i*stagger.
func WithWalletStagger(stagger time.Duration) FleetOption {
	return func(f *Fleet) {
		if stagger >= 0 {
			f.stagger = stagger
		}
	}
}

// WithMaxAttempts sets the per-wallet attempt budget, 0 means unlimited
func WithMaxAttempts(maxAttempts uint64) FleetOption {
	return func(f *Fleet) {
		f.maxAttempts = maxAttempts
	}
}

// WithConcurrencyLimit sets how many transactions a wallet may have in flight
func WithConcurrencyLimit(limit int) FleetOption {
	return func(f *Fleet) {
		if limit > 0 {
			f.concurrencyLimit = limit
		}
	}
}

// WithStartAt defers the first attempt until t. A zero or past time starts immediately.
func WithStartAt(t time.Time) FleetOption {
	return func(f *Fleet) {
		f.startAt = t
	}
}

// WithStatsInterval sets how often wallet stats are logged
func WithStatsInterval(interval time.Duration) FleetOption {
	return func(f *Fleet) {
		if interval > 0 {
			f.statsInterval = interval
		}
	}
}

// WithDrainPollInterval sets how often the pending count is reported while draining
func WithDrainPollInterval(interval time.Duration) FleetOption {
	return func(f *Fleet) {
		if interval > 0 {
			f.drainInterval = interval
		}
	}
}

// WithWaitForPendingOnSuccess makes a successful run wait for the other
// in-flight transactions before terminating
func WithWaitForPendingOnSuccess(wait bool) FleetOption {
	return func(f *Fleet) {
		f.waitOnSuccess = wait
	}
}

// WithConfirmationTimeout gives up on a submitted tx after timeout and counts
// it as failed, freeing its in-flight slot. Zero waits forever.
func WithConfirmationTimeout(timeout time.Duration) FleetOption {
	return func(f *Fleet) {
		if timeout > 0 {
			f.confirmTimeout = timeout
		}
	}
}

// WithClassificationRules replaces the rules used to classify rejected submissions
func WithClassificationRules(rules ...ClassificationRule) FleetOption {
	return func(f *Fleet) {
		f.classifier = NewClassifier(rules...)
	}
}

// WithJournal sets a journal that records every attempt
func WithJournal(j AttemptJournal) FleetOption {
	return func(f *Fleet) {
		f.journal = j
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) FleetOption {
	return func(f *Fleet) {
		f.metrics = m
	}
}

// WithClock overrides the time source used for the start time check
func WithClock(now func() time.Time) FleetOption {
	return func(f *Fleet) {
		if now != nil {
			f.now = now
		}
	}
}
