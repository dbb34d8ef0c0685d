package contributor

import (
	"github.com/KyberNetwork/logger"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

// FleetStats aggregates wallet counters
type FleetStats struct {
	State     FleetState
	Attempts  uint64
	Successes uint64
	Failures  uint64
	Pending   int
	Active    int
	Wallets   []WalletSnapshot
}

// Stats returns a snapshot of every wallet and the fleet totals
func (f *Fleet) Stats() FleetStats {
	stats := FleetStats{
		State:   f.State(),
		Wallets: make([]WalletSnapshot, 0, len(f.wallets)),
	}
	for _, w := range f.wallets {
		snap := w.Snapshot()
		stats.Wallets = append(stats.Wallets, snap)
		stats.Attempts += snap.Attempts
		stats.Successes += snap.Successes
		stats.Failures += snap.Failures
		stats.Pending += snap.Pending
		if !snap.Disabled {
			stats.Active++
		}
	}
	return stats
}

// RemainingAttempts returns how many attempts the wallet has left, or -1 when unlimited
func (f *Fleet) RemainingAttempts(snap WalletSnapshot) int64 {
	if f.maxAttempts == 0 {
		return -1
	}
	if snap.Attempts >= f.maxAttempts {
		return 0
	}
	return int64(f.maxAttempts - snap.Attempts)
}

// LogStats writes one line per wallet followed by the fleet totals
func (f *Fleet) LogStats() {
	stats := f.Stats()
	for _, w := range stats.Wallets {
		fields := logger.Fields{
			"wallet":    w.Label,
			"address":   w.Address.Hex(),
			"attempts":  w.Attempts,
			"successes": w.Successes,
			"failures":  w.Failures,
			"pending":   w.Pending,
			"disabled":  w.Disabled,
		}
		if remaining := f.RemainingAttempts(w); remaining >= 0 {
			fields["remaining"] = remaining
		}
		if w.Disabled {
			fields["disable_reason"] = string(w.DisableReason)
		}
		if w.Balance != nil {
			fields["balance"] = jarviscommon.BigToFloat(w.Balance, 18)
		}
		logger.WithFields(fields).Info("Wallet stats")
	}
	logger.WithFields(logger.Fields{
		"state":     stats.State.String(),
		"attempts":  stats.Attempts,
		"successes": stats.Successes,
		"failures":  stats.Failures,
		"pending":   stats.Pending,
		"active":    stats.Active,
	}).Info("Fleet stats")
}
