// adapters.go provides the go-ethereum and jarvis implementations of the
// interfaces defined in deps.go.
package contributor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tranvictor/jarvis/networks"
	"github.com/tranvictor/jarvis/util/account"

	"github.com/tranvictor/contributor/internal/circuitbreaker"
)

// ethClientAdapter implements ChainClient over a go-ethereum ethclient.
// Every RPC goes through a circuit breaker so a dead endpoint fails fast.
type ethClientAdapter struct {
	client  *ethclient.Client
	breaker *circuitbreaker.Breaker

	receiptPollInterval time.Duration

	chainIDMu sync.Mutex
	chainID   *big.Int
}

// ChainClientOption configures the ethclient adapter
type ChainClientOption func(*ethClientAdapter)

// WithReceiptPollInterval sets how often AwaitConfirmation polls for the receipt
func WithReceiptPollInterval(interval time.Duration) ChainClientOption {
	return func(a *ethClientAdapter) {
		if interval > 0 {
			a.receiptPollInterval = interval
		}
	}
}

// WithBreakerConfig overrides the RPC circuit breaker configuration
func WithBreakerConfig(cfg circuitbreaker.Config) ChainClientOption {
	return func(a *ethClientAdapter) {
		if cfg.IsFailure == nil {
			cfg.IsFailure = isTransportFailure
		}
		a.breaker = circuitbreaker.New(cfg)
	}
}

// NewEthClientAdapter creates a ChainClient from an ethclient
func NewEthClientAdapter(client *ethclient.Client, opts ...ChainClientOption) ChainClient {
	a := &ethClientAdapter{
		client:              client,
		receiptPollInterval: DefaultConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.breaker == nil {
		cfg := circuitbreaker.DefaultConfig()
		cfg.IsFailure = isTransportFailure
		cfg.OnStateChange = func(from, to circuitbreaker.State) {
			logger.WithFields(logger.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("RPC circuit breaker changed state")
		}
		a.breaker = circuitbreaker.New(cfg)
	}
	return a
}

// DialChainClient connects to rpcURL and wraps the client
func DialChainClient(ctx context.Context, rpcURL string, opts ...ChainClientOption) (ChainClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("couldn't connect to %s: %w", rpcURL, err)
	}
	return NewEthClientAdapter(client, opts...), nil
}

// isTransportFailure counts errors that say the endpoint is unhealthy.
// JSON-RPC errors come from a live node and do not count.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func (a *ethClientAdapter) call(fn func() error) error {
	err := a.breaker.Do(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return errors.Join(ErrCircuitBreakerOpen, err)
	}
	return err
}

func (a *ethClientAdapter) ChainID(ctx context.Context) (*big.Int, error) {
	a.chainIDMu.Lock()
	defer a.chainIDMu.Unlock()
	if a.chainID != nil {
		return new(big.Int).Set(a.chainID), nil
	}

	var id *big.Int
	err := a.call(func() (err error) {
		id, err = a.client.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.chainID = id
	return new(big.Int).Set(id), nil
}

func (a *ethClientAdapter) FeeData(ctx context.Context) (FeeSnapshot, error) {
	var snapshot FeeSnapshot
	err := a.call(func() error {
		gasPrice, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("couldn't suggest gas price: %w", err)
		}
		snapshot.GasPrice = gasPrice

		head, err := a.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("couldn't get latest header: %w", err)
		}
		if head.BaseFee == nil {
			return nil
		}

		tip, err := a.client.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("couldn't suggest tip cap: %w", err)
		}
		snapshot.MaxPriorityFeePerGas = tip
		snapshot.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		return nil
	})
	return snapshot, err
}

func (a *ethClientAdapter) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	var n uint64
	err := a.call(func() (err error) {
		n, err = a.client.PendingNonceAt(ctx, addr)
		return err
	})
	return n, err
}

func (a *ethClientAdapter) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := a.call(func() (err error) {
		balance, err = a.client.BalanceAt(ctx, addr, nil)
		return err
	})
	return balance, err
}

func (a *ethClientAdapter) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := a.call(func() (err error) {
		code, err = a.client.CodeAt(ctx, addr, nil)
		return err
	})
	return code, err
}

func (a *ethClientAdapter) Submit(ctx context.Context, tx *types.Transaction) error {
	return a.call(func() error {
		return a.client.SendTransaction(ctx, tx)
	})
}

// AwaitConfirmation polls for the receipt until the tx is mined or ctx is done.
// Lookup errors are retried on the next poll.
func (a *ethClientAdapter) AwaitConfirmation(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(a.receiptPollInterval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := a.call(func() (err error) {
			receipt, err = a.client.TransactionReceipt(ctx, tx.Hash())
			return err
		})
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, ErrTxReverted
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			logger.WithFields(logger.Fields{
				"tx_hash": tx.Hash().Hex(),
				"error":   err,
			}).Debug("Receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LoadSigner unlocks a jarvis private key account. The 0x prefix is optional.
func LoadSigner(privateKey string) (Signer, error) {
	key := strings.TrimPrefix(strings.TrimSpace(privateKey), "0x")
	acc, err := account.NewPrivateKeyAccount(key)
	if err != nil {
		return nil, fmt.Errorf("couldn't load private key: %w", err)
	}
	return acc, nil
}

// NetworkName resolves a human readable chain name through jarvis,
// falling back to the numeric id for chains jarvis does not know.
func NetworkName(chainID uint64) string {
	network, err := networks.GetNetworkByID(chainID)
	if err != nil || network == nil {
		return fmt.Sprintf("chain-%d", chainID)
	}
	return network.GetName()
}
