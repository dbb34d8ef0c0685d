package contributor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Submission errors
var (
	ErrInvalidFeeSnapshot  = fmt.Errorf("invalid fee snapshot")
	ErrInvalidFeeConfig    = fmt.Errorf("invalid fee config")
	ErrInvalidFeePair      = fmt.Errorf("max fee per gas is lower than max priority fee per gas")
	ErrGetFeeDataFailed    = fmt.Errorf("get fee data failed")
	ErrAcquireNonceFailed  = fmt.Errorf("acquire nonce failed")
	ErrSignTxFailed        = fmt.Errorf("sign tx failed")
	ErrSignerMismatch      = fmt.Errorf("signed tx sender does not match wallet")
	ErrWalletDisabled      = fmt.Errorf("wallet is disabled")
	ErrConcurrencyLimit    = fmt.Errorf("wallet reached its in-flight limit")
	ErrTxReverted          = fmt.Errorf("tx reverted on chain")
	ErrConfirmationTimeout = fmt.Errorf("gave up waiting for confirmation")
	ErrCircuitBreakerOpen  = fmt.Errorf("circuit breaker is open: rpc temporarily unavailable")
	ErrNoWallets           = fmt.Errorf("fleet needs at least one wallet")
)

// Outcome is the classification of a failed submission.
type Outcome int

const (
	OutcomeFatalUnknown Outcome = iota
	OutcomeRetryableRejection
	OutcomeGasParameterError
	OutcomeNonceConflict
	OutcomeInsufficientFunds
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetryableRejection:
		return "retryable_rejection"
	case OutcomeGasParameterError:
		return "gas_parameter_error"
	case OutcomeNonceConflict:
		return "nonce_conflict"
	case OutcomeInsufficientFunds:
		return "insufficient_funds"
	default:
		return "fatal_unknown"
	}
}

// ClassificationRule maps a case-insensitive substring to an outcome.
type ClassificationRule struct {
	Pattern string
	Outcome Outcome
}

// DefaultClassificationRules is evaluated in order; the first match wins.
var DefaultClassificationRules = []ClassificationRule{
	{Pattern: "max priority fee per gas higher than max fee per gas", Outcome: OutcomeGasParameterError},
	{Pattern: "maxpriorityfeepergas cannot exceed maxfeepergas", Outcome: OutcomeGasParameterError},
	{Pattern: "tip higher than fee cap", Outcome: OutcomeGasParameterError},
	{Pattern: "insufficient funds", Outcome: OutcomeInsufficientFunds},
	{Pattern: "nonce", Outcome: OutcomeNonceConflict},
	{Pattern: "already known", Outcome: OutcomeNonceConflict},
	{Pattern: "not whitelisted", Outcome: OutcomeRetryableRejection},
	{Pattern: "not open", Outcome: OutcomeRetryableRejection},
	{Pattern: "revert", Outcome: OutcomeRetryableRejection},
}

// Classifier turns broadcaster error messages into outcomes.
type Classifier struct {
	rules []ClassificationRule
}

// NewClassifier creates a classifier over the given rules.
// With no rules it uses DefaultClassificationRules.
func NewClassifier(rules ...ClassificationRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultClassificationRules
	}
	normalized := make([]ClassificationRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		normalized = append(normalized, ClassificationRule{
			Pattern: strings.ToLower(r.Pattern),
			Outcome: r.Outcome,
		})
	}
	return &Classifier{rules: normalized}
}

// Rules returns a copy of the rules in evaluation order
func (c *Classifier) Rules() []ClassificationRule {
	out := make([]ClassificationRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify maps a message to exactly one outcome. It never fails;
// unmatched messages are OutcomeFatalUnknown.
func (c *Classifier) Classify(message string) Outcome {
	lower := strings.ToLower(message)
	for _, r := range c.rules {
		if strings.Contains(lower, r.Pattern) {
			return r.Outcome
		}
	}
	return OutcomeFatalUnknown
}

// ClassifyError classifies err using its message plus any revert reason
// carried in the rpc error data.
func (c *Classifier) ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeFatalUnknown
	}
	return c.Classify(ErrorMessage(err))
}

// ErrorMessage returns err's message, extended with the decoded revert
// reason when err carries one.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if reason, ok := revertReason(err); ok && !strings.Contains(msg, reason) {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return msg
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	var raw []byte
	switch data := dataErr.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(data)
		if decodeErr != nil {
			return "", false
		}
		raw = decoded
	case []byte:
		raw = data
	default:
		return "", false
	}
	reason, unpackErr := abi.UnpackRevert(raw)
	if unpackErr != nil {
		return "", false
	}
	return reason, true
}
