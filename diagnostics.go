package contributor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

// AvalancheCChainID is the chain id of the Avalanche C-Chain mainnet
const AvalancheCChainID = 43114

// CheckStatus is the verdict of a single diagnostic check
type CheckStatus string

const (
	CheckOK   CheckStatus = "ok"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// CheckResult is one line of a diagnostics report
type CheckResult struct {
	Name   string
	Status CheckStatus
	Detail string
}

// DiagnosticsInput is what the pre-flight checks look at
type DiagnosticsInput struct {
	Contract        common.Address
	Value           *big.Int
	Wallets         []common.Address
	StartAt         time.Time
	ExpectedChainID uint64
	Now             time.Time
}

// DiagnosticsReport collects check results
type DiagnosticsReport struct {
	Checks []CheckResult
}

// Failed reports whether any check failed
func (r DiagnosticsReport) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == CheckFail {
			return true
		}
	}
	return false
}

func (r *DiagnosticsReport) add(name string, status CheckStatus, format string, args ...any) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: status, Detail: fmt.Sprintf(format, args...)})
}

// RunDiagnostics checks that the network, wallets and contract are ready for a run.
// It never submits anything.
func RunDiagnostics(ctx context.Context, client ChainClient, in DiagnosticsInput) DiagnosticsReport {
	var report DiagnosticsReport
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.ExpectedChainID == 0 {
		in.ExpectedChainID = AvalancheCChainID
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		report.add("network", CheckFail, "couldn't reach the network: %v", err)
		return report
	}
	name := NetworkName(chainID.Uint64())
	if chainID.Uint64() != in.ExpectedChainID {
		report.add("network", CheckWarn, "connected to %s (chain id %d), expected chain id %d", name, chainID.Uint64(), in.ExpectedChainID)
	} else {
		report.add("network", CheckOK, "connected to %s (chain id %d)", name, chainID.Uint64())
	}

	lowBalance := new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(10))
	for _, addr := range in.Wallets {
		check := "balance " + addr.Hex()
		balance, err := client.Balance(ctx, addr)
		if err != nil {
			report.add(check, CheckFail, "couldn't read balance: %v", err)
			continue
		}
		avax := jarviscommon.BigToFloat(balance, 18)
		switch {
		case balance.Sign() == 0:
			report.add(check, CheckFail, "wallet has no AVAX to pay for gas")
		case in.Value != nil && balance.Cmp(in.Value) < 0:
			report.add(check, CheckFail, "balance %.6f AVAX is below the contribution amount %.6f AVAX", avax, jarviscommon.BigToFloat(in.Value, 18))
		case balance.Cmp(lowBalance) < 0:
			report.add(check, CheckWarn, "low balance %.6f AVAX, gas may not be covered", avax)
		default:
			report.add(check, CheckOK, "balance %.6f AVAX", avax)
		}
	}

	code, err := client.Code(ctx, in.Contract)
	switch {
	case err != nil:
		report.add("contract", CheckFail, "couldn't read code at %s: %v", in.Contract.Hex(), err)
	case len(code) == 0:
		report.add("contract", CheckFail, "no code at %s, check the address", in.Contract.Hex())
	default:
		report.add("contract", CheckOK, "contract found at %s", in.Contract.Hex())
	}

	switch {
	case in.StartAt.IsZero():
		report.add("start time", CheckOK, "not set, contributions start immediately")
	case !in.StartAt.After(in.Now):
		report.add("start time", CheckWarn, "%s is in the past, contributions start immediately", in.StartAt.Format(time.RFC3339))
	default:
		report.add("start time", CheckOK, "%s, in %s", in.StartAt.Format(time.RFC3339), in.StartAt.Sub(in.Now).Round(time.Second))
	}

	zone, offset := in.Now.Zone()
	report.add("clock", CheckOK, "local time %s, zone %s (UTC%+d)", in.Now.Format(time.RFC3339), zone, offset/3600)

	return report
}

// PreviewFee fetches current fee data and computes the parameters of the
// given attempt without submitting anything.
func PreviewFee(ctx context.Context, client ChainClient, attempt uint64, cfg FeeConfig) (FeeSnapshot, FeeParams, error) {
	snapshot, err := client.FeeData(ctx)
	if err != nil {
		return FeeSnapshot{}, FeeParams{}, errors.Join(ErrGetFeeDataFailed, err)
	}
	params, err := ComputeFee(snapshot, attempt, cfg)
	if err != nil {
		return snapshot, FeeParams{}, err
	}
	return snapshot, params, nil
}
