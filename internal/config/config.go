// Package config reads the contributor configuration from flags, the
// environment and the wallets file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	contributor "github.com/tranvictor/contributor"
)

// ErrInvalidConfig is wrapped by every configuration error
var ErrInvalidConfig = errors.New("invalid config")

const (
	RPCURLFlagName                 = "rpc-url"
	PrivateKeyFlagName             = "private-key"
	ContractFlagName               = "contract"
	AmountFlagName                 = "amount"
	StartTimeFlagName              = "start-time"
	PollIntervalFlagName           = "poll-interval"
	MaxGasPriceFlagName            = "max-gas-price"
	GasMultiplierFlagName          = "gas-multiplier"
	PriorityFeeFlagName            = "priority-fee"
	MaxAttemptsFlagName            = "max-attempts"
	ConcurrentTransactionsFlagName = "concurrent-transactions"
	WalletsFileFlagName            = "wallets-file"
	EscalationStepFlagName         = "escalation-step"
	EscalationCycleFlagName        = "escalation-cycle"
	GasLimitFlagName               = "gas-limit"
	StatsIntervalFlagName          = "stats-interval"
	WaitPendingFlagName            = "wait-pending-on-success"
	ConfirmationTimeoutFlagName    = "confirmation-timeout"
	RedisURLFlagName               = "redis-url"
	MetricsAddrFlagName            = "metrics-addr"
)

const (
	DefaultRPCURL      = "https://api.avax.network/ext/bc/C/rpc"
	DefaultAmount      = "0.1"
	DefaultWalletsFile = "./wallets.json"
)

// startTimeLayouts are tried in order; layouts without a zone are local time
var startTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// Flags returns every flag with its environment binding
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    RPCURLFlagName,
			Usage:   "Avalanche C-Chain RPC endpoint",
			Value:   DefaultRPCURL,
			EnvVars: []string{"AVALANCHE_RPC_URL"},
		},
		&cli.StringFlag{
			Name:    PrivateKeyFlagName,
			Usage:   "Private key of the single wallet used when no wallets file exists",
			EnvVars: []string{"PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:    ContractFlagName,
			Usage:   "Address of the sale contract exposing contribute()",
			EnvVars: []string{"CONTRACT_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    AmountFlagName,
			Usage:   "AVAX sent with every contribute() call, as a decimal",
			Value:   DefaultAmount,
			EnvVars: []string{"AVAX_AMOUNT"},
		},
		&cli.StringFlag{
			Name:    StartTimeFlagName,
			Usage:   "ISO-8601 time of the first attempt, empty to start immediately",
			EnvVars: []string{"START_TIME"},
		},
		&cli.Int64Flag{
			Name:    PollIntervalFlagName,
			Usage:   "Base period between attempts of one wallet, in milliseconds",
			Value:   contributor.DefaultPollInterval.Milliseconds(),
			EnvVars: []string{"POLL_INTERVAL"},
		},
		&cli.Float64Flag{
			Name:    MaxGasPriceFlagName,
			Usage:   "Gas price cap in gwei",
			Value:   contributor.DefaultMaxGasPriceGwei,
			EnvVars: []string{"MAX_GAS_PRICE"},
		},
		&cli.Float64Flag{
			Name:    GasMultiplierFlagName,
			Usage:   "Multiplier applied to the network gas price",
			Value:   contributor.DefaultGasMultiplier,
			EnvVars: []string{"GAS_MULTIPLIER"},
		},
		&cli.Float64Flag{
			Name:    PriorityFeeFlagName,
			Usage:   "Max priority fee in gwei on fee-market networks",
			Value:   contributor.DefaultPriorityFeeGwei,
			EnvVars: []string{"PRIORITY_FEE"},
		},
		&cli.Uint64Flag{
			Name:    MaxAttemptsFlagName,
			Usage:   "Attempts per wallet before it is disabled, 0 for unlimited",
			EnvVars: []string{"MAX_ATTEMPTS"},
		},
		&cli.IntFlag{
			Name:    ConcurrentTransactionsFlagName,
			Usage:   "Maximum in-flight transactions per wallet",
			Value:   contributor.DefaultConcurrencyLimit,
			EnvVars: []string{"CONCURRENT_TRANSACTIONS"},
		},
		&cli.StringFlag{
			Name:    WalletsFileFlagName,
			Usage:   "JSON file with [{\"privateKey\": ..., \"label\": ...}]",
			Value:   DefaultWalletsFile,
			EnvVars: []string{"WALLETS_FILE"},
		},
		&cli.Float64Flag{
			Name:    EscalationStepFlagName,
			Usage:   "Price increase per attempt, as a fraction",
			Value:   contributor.DefaultEscalationStep,
			EnvVars: []string{"ESCALATION_STEP"},
		},
		&cli.Uint64Flag{
			Name:    EscalationCycleFlagName,
			Usage:   "Attempts after which the escalation starts over, 0 for linear growth",
			Value:   contributor.DefaultEscalationCycle,
			EnvVars: []string{"ESCALATION_CYCLE"},
		},
		&cli.Uint64Flag{
			Name:    GasLimitFlagName,
			Usage:   "Gas limit of the contribute() call",
			Value:   contributor.DefaultGasLimit,
			EnvVars: []string{"GAS_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    StatsIntervalFlagName,
			Usage:   "How often wallet stats are logged",
			Value:   contributor.DefaultStatsInterval,
			EnvVars: []string{"STATS_INTERVAL"},
		},
		&cli.BoolFlag{
			Name:    WaitPendingFlagName,
			Usage:   "After a success, wait for the other in-flight transactions before exiting",
			EnvVars: []string{"WAIT_PENDING_ON_SUCCESS"},
		},
		&cli.DurationFlag{
			Name:    ConfirmationTimeoutFlagName,
			Usage:   "Give up on a submitted transaction after this long, 0 to wait forever",
			EnvVars: []string{"CONFIRMATION_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    RedisURLFlagName,
			Usage:   "Redis URL for the attempt journal, empty to disable",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    MetricsAddrFlagName,
			Usage:   "Listen address for the Prometheus /metrics endpoint, empty to disable",
			EnvVars: []string{"METRICS_ADDR"},
		},
	}
}

// LoadEnv loads .env and then lets .env.local override it. Missing files are ignored.
func LoadEnv() {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")
}

// WalletKey is one entry of the wallets file
type WalletKey struct {
	PrivateKey string `json:"privateKey"`
	Label      string `json:"label"`
}

// Config is the resolved configuration of a run
type Config struct {
	RPCURL                 string
	Contract               common.Address
	Amount                 *big.Int
	StartAt                time.Time
	PollInterval           time.Duration
	MaxGasPrice            *big.Int
	GasMultiplier          float64
	PriorityFee            *big.Int
	EscalationStep         float64
	EscalationCycle        uint64
	MaxAttempts            uint64
	ConcurrentTransactions int
	GasLimit               uint64
	StatsInterval          time.Duration
	WaitPendingOnSuccess   bool
	ConfirmationTimeout    time.Duration
	WalletsFile            string
	Wallets                []WalletKey
	RedisURL               string
	MetricsAddr            string
}

// ReadConfig resolves the configuration from the parsed flags.
// Call Check on the result before using it.
func ReadConfig(ctx *cli.Context) (Config, error) {
	cfg := Config{
		RPCURL:                 strings.TrimSpace(ctx.String(RPCURLFlagName)),
		PollInterval:           time.Duration(ctx.Int64(PollIntervalFlagName)) * time.Millisecond,
		GasMultiplier:          ctx.Float64(GasMultiplierFlagName),
		EscalationStep:         ctx.Float64(EscalationStepFlagName),
		EscalationCycle:        ctx.Uint64(EscalationCycleFlagName),
		MaxAttempts:            ctx.Uint64(MaxAttemptsFlagName),
		ConcurrentTransactions: ctx.Int(ConcurrentTransactionsFlagName),
		GasLimit:               ctx.Uint64(GasLimitFlagName),
		StatsInterval:          ctx.Duration(StatsIntervalFlagName),
		WaitPendingOnSuccess:   ctx.Bool(WaitPendingFlagName),
		ConfirmationTimeout:    ctx.Duration(ConfirmationTimeoutFlagName),
		WalletsFile:            ctx.String(WalletsFileFlagName),
		RedisURL:               strings.TrimSpace(ctx.String(RedisURLFlagName)),
		MetricsAddr:            strings.TrimSpace(ctx.String(MetricsAddrFlagName)),
	}

	contract := strings.TrimSpace(ctx.String(ContractFlagName))
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return Config{}, fmt.Errorf("%w: contract address %q is not a hex address", ErrInvalidConfig, contract)
		}
		cfg.Contract = common.HexToAddress(contract)
	}

	var err error
	if cfg.Amount, err = ParseDecimal(ctx.String(AmountFlagName), 18); err != nil {
		return Config{}, fmt.Errorf("%w: amount: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxGasPrice, err = GweiToWei(ctx.Float64(MaxGasPriceFlagName)); err != nil {
		return Config{}, fmt.Errorf("%w: max gas price: %v", ErrInvalidConfig, err)
	}
	if cfg.PriorityFee, err = GweiToWei(ctx.Float64(PriorityFeeFlagName)); err != nil {
		return Config{}, fmt.Errorf("%w: priority fee: %v", ErrInvalidConfig, err)
	}
	if cfg.StartAt, err = ParseStartTime(ctx.String(StartTimeFlagName)); err != nil {
		return Config{}, fmt.Errorf("%w: start time: %v", ErrInvalidConfig, err)
	}
	if cfg.Wallets, err = LoadWallets(cfg.WalletsFile, ctx.String(PrivateKeyFlagName)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Check validates the configuration
func (c Config) Check() error {
	if c.RPCURL == "" {
		return fmt.Errorf("%w: rpc url must be set", ErrInvalidConfig)
	}
	if c.Contract == (common.Address{}) {
		return fmt.Errorf("%w: CONTRACT_ADDRESS must be set", ErrInvalidConfig)
	}
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.MaxGasPrice == nil || c.MaxGasPrice.Sign() <= 0 {
		return fmt.Errorf("%w: max gas price must be positive", ErrInvalidConfig)
	}
	if c.GasMultiplier <= 0 {
		return fmt.Errorf("%w: gas multiplier must be positive", ErrInvalidConfig)
	}
	if c.PriorityFee == nil || c.PriorityFee.Sign() < 0 {
		return fmt.Errorf("%w: priority fee must not be negative", ErrInvalidConfig)
	}
	if c.EscalationStep < 0 {
		return fmt.Errorf("%w: escalation step must not be negative", ErrInvalidConfig)
	}
	if c.ConcurrentTransactions < 1 {
		return fmt.Errorf("%w: concurrent transactions must be at least 1", ErrInvalidConfig)
	}
	if c.ConfirmationTimeout < 0 {
		return fmt.Errorf("%w: confirmation timeout must not be negative", ErrInvalidConfig)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("%w: stats interval must be positive", ErrInvalidConfig)
	}
	if len(c.Wallets) == 0 {
		return fmt.Errorf("%w: no wallets configured, set PRIVATE_KEY or provide %s", ErrInvalidConfig, c.WalletsFile)
	}
	return nil
}

// FeeConfig returns the fee settings shared by every wallet
func (c Config) FeeConfig() contributor.FeeConfig {
	return contributor.FeeConfig{
		GasMultiplier: c.GasMultiplier,
		MaxGasPrice:   new(big.Int).Set(c.MaxGasPrice),
		PriorityFee:   new(big.Int).Set(c.PriorityFee),
		Escalation: contributor.EscalationPolicy{
			Step:  c.EscalationStep,
			Cycle: c.EscalationCycle,
		},
	}
}

// FleetOptions maps the configuration onto fleet options
func (c Config) FleetOptions() []contributor.FleetOption {
	return []contributor.FleetOption{
		contributor.WithFeeConfig(c.FeeConfig()),
		contributor.WithGasLimit(c.GasLimit),
		contributor.WithPollInterval(c.PollInterval),
		contributor.WithMaxAttempts(c.MaxAttempts),
		contributor.WithConcurrencyLimit(c.ConcurrentTransactions),
		contributor.WithStartAt(c.StartAt),
		contributor.WithStatsInterval(c.StatsInterval),
		contributor.WithWaitForPendingOnSuccess(c.WaitPendingOnSuccess),
		contributor.WithConfirmationTimeout(c.ConfirmationTimeout),
	}
}

// LoadWallets reads the wallets file. When the file does not exist it falls
// back to a single wallet labelled "main" built from fallbackKey.
func LoadWallets(path, fallbackKey string) ([]WalletKey, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || path == "" {
		key := strings.TrimSpace(fallbackKey)
		if key == "" {
			return nil, nil
		}
		return []WalletKey{{PrivateKey: key, Label: "main"}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: couldn't read wallets file %s: %v", ErrInvalidConfig, path, err)
	}

	var entries []WalletKey
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: couldn't parse wallets file %s: %v", ErrInvalidConfig, path, err)
	}

	wallets := make([]WalletKey, 0, len(entries))
	for i, e := range entries {
		key := strings.TrimSpace(e.PrivateKey)
		if key == "" {
			return nil, fmt.Errorf("%w: wallet %d in %s has no private key", ErrInvalidConfig, i+1, path)
		}
		label := strings.TrimSpace(e.Label)
		if label == "" {
			label = "Wallet " + strconv.Itoa(i+1)
		}
		wallets = append(wallets, WalletKey{PrivateKey: key, Label: label})
	}
	return wallets, nil
}

// ParseStartTime parses an ISO-8601 start time. Empty means no start time.
func ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range startTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 time", s)
}

// ParseDecimal converts a decimal string to an integer amount with the
// given number of decimals, rejecting anything that would lose precision.
func ParseDecimal(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%q is negative", s)
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%q has more than %d decimals", s, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))

	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal number", s)
	}
	return v, nil
}

// GweiToWei converts a gwei value to wei without going through float math on wei
func GweiToWei(g float64) (*big.Int, error) {
	return ParseDecimal(strconv.FormatFloat(g, 'f', -1, 64), 9)
}
