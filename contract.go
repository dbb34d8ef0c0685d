package contributor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const contributeABI = `[{"type":"function","name":"contribute","inputs":[],"outputs":[],"stateMutability":"payable"}]`

var (
	contributeOnce sync.Once
	contributeData []byte
	contributeErr  error
)

// ContributeCalldata returns the packed call to the payable contribute() method
func ContributeCalldata() ([]byte, error) {
	contributeOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(contributeABI))
		if err != nil {
			contributeErr = fmt.Errorf("couldn't parse contribute abi: %w", err)
			return
		}
		contributeData, contributeErr = parsed.Pack("contribute")
	})
	if contributeErr != nil {
		return nil, contributeErr
	}
	out := make([]byte, len(contributeData))
	copy(out, contributeData)
	return out, nil
}
