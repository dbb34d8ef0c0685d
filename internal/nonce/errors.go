package nonce

import "fmt"

var (
	// ErrSourceFailed is returned when the on-chain transaction count could not be read
	ErrSourceFailed = fmt.Errorf("couldn't read transaction count from chain")
)
