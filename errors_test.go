package contributor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDataError implements rpc.DataError for testing
type mockDataError struct {
	data    interface{}
	message string
}

func (e *mockDataError) Error() string {
	return e.message
}

func (e *mockDataError) ErrorData() interface{} {
	return e.data
}

// encodeRevert builds the Error(string) payload a reverting contract returns
func encodeRevert(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestClassifier_DefaultRules(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		message string
		want    Outcome
	}{
		{"execution reverted: Sale not open", OutcomeRetryableRejection},
		{"Address NOT WHITELISTED", OutcomeRetryableRejection},
		{"execution reverted", OutcomeRetryableRejection},
		{"nonce too low", OutcomeNonceConflict},
		{"Nonce has already been used", OutcomeNonceConflict},
		{"already known", OutcomeNonceConflict},
		{"insufficient funds for gas * price + value", OutcomeInsufficientFunds},
		{"max priority fee per gas higher than max fee per gas", OutcomeGasParameterError},
		{"maxPriorityFeePerGas cannot exceed maxFeePerGas", OutcomeGasParameterError},
		{"tip higher than fee cap", OutcomeGasParameterError},
		{"connection refused", OutcomeFatalUnknown},
		{"", OutcomeFatalUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.message))
		})
	}
}

func TestClassifier_FirstMatchWins(t *testing.T) {
	c := NewClassifier()

	// matches both "insufficient funds" and "nonce"
	assert.Equal(t, OutcomeInsufficientFunds, c.Classify("insufficient funds for nonce 4"))
	// matches both the gas wording and "revert"
	assert.Equal(t, OutcomeGasParameterError, c.Classify("reverted: tip higher than fee cap"))
}

func TestClassifier_CustomRules(t *testing.T) {
	c := NewClassifier(
		ClassificationRule{Pattern: "Sale Paused", Outcome: OutcomeRetryableRejection},
		ClassificationRule{Pattern: "", Outcome: OutcomeNonceConflict},
	)

	require.Len(t, c.Rules(), 1)
	assert.Equal(t, "sale paused", c.Rules()[0].Pattern)
	assert.Equal(t, OutcomeRetryableRejection, c.Classify("SALE PAUSED until noon"))
	assert.Equal(t, OutcomeFatalUnknown, c.Classify("nonce too low"))
}

func TestClassifier_RulesReturnsCopy(t *testing.T) {
	c := NewClassifier()
	rules := c.Rules()
	rules[0].Outcome = OutcomeFatalUnknown

	assert.Equal(t, OutcomeGasParameterError, c.Rules()[0].Outcome)
}

func TestClassifyError_Nil(t *testing.T) {
	assert.Equal(t, OutcomeFatalUnknown, NewClassifier().ClassifyError(nil))
}

func TestClassifyError_WrappedError(t *testing.T) {
	err := fmt.Errorf("broadcast failed: %w", errors.New("nonce too low"))

	assert.Equal(t, OutcomeNonceConflict, NewClassifier().ClassifyError(err))
}

func TestClassifyError_DecodesRevertReason(t *testing.T) {
	err := &mockDataError{
		message: "execution failed",
		data:    hexutil.Encode(encodeRevert(t, "Sale not open")),
	}

	assert.Equal(t, "execution failed: Sale not open", ErrorMessage(err))
	assert.Equal(t, OutcomeRetryableRejection, NewClassifier().ClassifyError(err))
}

func TestErrorMessage_RawBytesData(t *testing.T) {
	err := &mockDataError{
		message: "execution failed",
		data:    encodeRevert(t, "Not whitelisted"),
	}

	assert.Equal(t, "execution failed: Not whitelisted", ErrorMessage(err))
}

func TestErrorMessage_ReasonAlreadyInMessage(t *testing.T) {
	err := &mockDataError{
		message: "execution reverted: Sale not open",
		data:    hexutil.Encode(encodeRevert(t, "Sale not open")),
	}

	assert.Equal(t, "execution reverted: Sale not open", ErrorMessage(err))
}

func TestErrorMessage_UndecodableData(t *testing.T) {
	tests := []struct {
		name string
		data interface{}
	}{
		{"bad hex", "0xzz"},
		{"custom error selector", "0xdeadbeef"},
		{"unsupported type", 42},
		{"nil", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &mockDataError{message: "execution reverted", data: tt.data}
			assert.Equal(t, "execution reverted", ErrorMessage(err))
		})
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "retryable_rejection", OutcomeRetryableRejection.String())
	assert.Equal(t, "gas_parameter_error", OutcomeGasParameterError.String())
	assert.Equal(t, "nonce_conflict", OutcomeNonceConflict.String())
	assert.Equal(t, "insufficient_funds", OutcomeInsufficientFunds.String())
	assert.Equal(t, "fatal_unknown", OutcomeFatalUnknown.String())
}
