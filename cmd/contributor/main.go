package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	jarviscommon "github.com/tranvictor/jarvis/common"
	"github.com/urfave/cli/v2"

	contributor "github.com/tranvictor/contributor"
	"github.com/tranvictor/contributor/internal/config"
	"github.com/tranvictor/contributor/internal/metrics"
	redisstore "github.com/tranvictor/contributor/persistence/redis"
)

const attemptFlagName = "attempt"

func main() {
	if err := run(os.Args); err != nil {
		logger.WithFields(logger.Fields{"error": err}).Error("contributor failed")
		os.Exit(1)
	}
}

// run loads .env files first because flags read their EnvVars while parsing
func run(args []string) error {
	config.LoadEnv()
	return newApp().Run(args)
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "contributor",
		Usage:  "keep calling contribute() from a fleet of wallets until one transaction succeeds",
		Flags:  config.Flags(),
		Action: runFleet,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the fleet (default)",
				Flags:  config.Flags(),
				Action: runFleet,
			},
			{
				Name:   "check",
				Usage:  "run pre-flight diagnostics and exit",
				Flags:  config.Flags(),
				Action: runCheck,
			},
			{
				Name:  "gas",
				Usage: "show current network fees and the fee an attempt would pay",
				Flags: append(config.Flags(), &cli.Uint64Flag{
					Name:  attemptFlagName,
					Usage: "attempt number to price",
					Value: 1,
				}),
				Action: runGas,
			},
		},
	}
}

// readConfig resolves and validates the configuration, turning failures
// into exit code 1.
func readConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.ReadConfig(c)
	if err == nil {
		err = cfg.Check()
	}
	if err != nil {
		return config.Config{}, cli.Exit(err.Error(), 1)
	}
	return cfg, nil
}

// buildWallets unlocks every configured key
func buildWallets(keys []config.WalletKey) ([]contributor.Wallet, error) {
	wallets := make([]contributor.Wallet, 0, len(keys))
	for _, k := range keys {
		signer, err := contributor.LoadSigner(k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: wallet %s: %v", config.ErrInvalidConfig, k.Label, err)
		}
		wallets = append(wallets, contributor.Wallet{Label: k.Label, Signer: signer})
	}
	return wallets, nil
}

func dial(ctx context.Context, rpcURL string) (contributor.ChainClient, error) {
	client, err := contributor.DialChainClient(ctx, rpcURL)
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{"rpc": rpcURL, "error": err}).Warn("Couldn't read chain id")
		return client, nil
	}
	fields := logger.Fields{
		"rpc":      rpcURL,
		"chain_id": chainID.Uint64(),
		"network":  contributor.NetworkName(chainID.Uint64()),
	}
	if chainID.Uint64() != contributor.AvalancheCChainID {
		logger.WithFields(fields).Warn("Connected to a chain other than Avalanche C-Chain")
	} else {
		logger.WithFields(fields).Info("Connected")
	}
	return client, nil
}

func runFleet(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	wallets, err := buildWallets(cfg.Wallets)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	// first signal drains, second one forces the exit
	ctx, interrupt := context.WithCancel(context.Background())
	defer interrupt()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	client, err := dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}

	opts := cfg.FleetOptions()

	if cfg.RedisURL != "" {
		store, err := redisstore.NewAttemptStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer func() { _ = store.Close() }()
		reportLeftovers(ctx, store)
		opts = append(opts, contributor.WithJournal(store))
	}

	// metrics outlive the interrupt so draining stays observable
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	if cfg.MetricsAddr != "" {
		recorder := metrics.NewRecorder()
		go func() {
			if err := recorder.Serve(metricsCtx, cfg.MetricsAddr); err != nil {
				logger.WithFields(logger.Fields{"addr": cfg.MetricsAddr, "error": err}).Error("Metrics server stopped")
			}
		}()
		opts = append(opts, contributor.WithMetrics(recorder))
	}

	fleet, err := contributor.NewFleet(client, cfg.Contract, cfg.Amount, wallets, opts...)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	go func() {
		if _, ok := <-sigs; !ok {
			return
		}
		logger.WithFields(logger.Fields{"state": fleet.State().String()}).
			Info("Interrupt received, waiting for pending transactions. Interrupt again to quit now")
		interrupt()
		if _, ok := <-sigs; !ok {
			return
		}
		logger.WithFields(logger.Fields{"state": fleet.State().String()}).
			Warn("Second interrupt, stopping without waiting")
		fleet.ForceStop()
	}()

	logger.WithFields(logger.Fields{
		"contract":    cfg.Contract.Hex(),
		"amount":      jarviscommon.BigToFloat(cfg.Amount, 18),
		"wallets":     len(wallets),
		"max_gwei":    jarviscommon.BigToFloat(cfg.MaxGasPrice, 9),
		"multiplier":  cfg.GasMultiplier,
		"concurrency": cfg.ConcurrentTransactions,
	}).Info("Starting contributor")

	term, runErr := fleet.Run(ctx)
	fleet.LogStats()

	fields := logger.Fields{
		"reason":  term.Reason.String(),
		"pending": term.Pending,
	}
	if term.Receipt != nil {
		fields["wallet"] = term.Wallet
		fields["tx_hash"] = term.Receipt.TxHash.Hex()
		fields["block"] = term.Receipt.BlockNumber
	}
	if runErr != nil {
		fields["error"] = runErr
		logger.WithFields(fields).Error("Run ended")
	} else {
		logger.WithFields(fields).Info("Run ended")
	}

	if code := term.ExitCode(); code != 0 {
		return cli.Exit(fmt.Sprintf("run ended: %s", term.Reason), code)
	}
	return nil
}

// reportLeftovers warns about transactions an earlier run never saw resolved
func reportLeftovers(ctx context.Context, store *redisstore.AttemptStore) {
	pending, err := store.ListPending(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{"error": err}).Warn("Couldn't list journaled pending attempts")
		return
	}
	for _, rec := range pending {
		logger.WithFields(logger.Fields{
			"wallet":  rec.Label,
			"address": rec.Wallet.Hex(),
			"attempt": rec.Attempt,
			"nonce":   rec.Nonce,
			"tx_hash": rec.TxHash.Hex(),
			"since":   rec.CreatedAt.Format(time.RFC3339),
		}).Warn("Attempt from an earlier run is still pending")
	}
}

func runCheck(c *cli.Context) error {
	cfg, err := readConfig(c)
	if err != nil {
		logger.WithFields(logger.Fields{"check": "config", "status": string(contributor.CheckFail)}).Error(err.Error())
		return err
	}
	logger.WithFields(logger.Fields{"check": "config", "status": string(contributor.CheckOK)}).Info("required settings present")

	wallets, err := buildWallets(cfg.Wallets)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx := c.Context
	client, err := contributor.DialChainClient(ctx, cfg.RPCURL)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	addresses := make([]string, 0, len(wallets))
	in := contributor.DiagnosticsInput{
		Contract:        cfg.Contract,
		Value:           cfg.Amount,
		StartAt:         cfg.StartAt,
		ExpectedChainID: contributor.AvalancheCChainID,
		Now:             time.Now(),
	}
	for _, w := range wallets {
		in.Wallets = append(in.Wallets, w.Signer.Address())
		addresses = append(addresses, w.Label+"="+w.Signer.Address().Hex())
	}
	logger.WithFields(logger.Fields{"wallets": addresses}).Info("Running diagnostics")

	report := contributor.RunDiagnostics(ctx, client, in)
	for _, check := range report.Checks {
		entry := logger.WithFields(logger.Fields{
			"check":  check.Name,
			"status": string(check.Status),
		})
		switch check.Status {
		case contributor.CheckFail:
			entry.Error(check.Detail)
		case contributor.CheckWarn:
			entry.Warn(check.Detail)
		default:
			entry.Info(check.Detail)
		}
	}

	if report.Failed() {
		return cli.Exit("diagnostics failed", 1)
	}
	logger.WithFields(logger.Fields{"checks": len(report.Checks)}).Info("All checks passed")
	return nil
}

func runGas(c *cli.Context) error {
	cfg, err := config.ReadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx := c.Context
	client, err := dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}

	attempt := c.Uint64(attemptFlagName)
	snapshot, fee, err := contributor.PreviewFee(ctx, client, attempt, cfg.FeeConfig())
	if err != nil {
		if errors.Is(err, contributor.ErrGetFeeDataFailed) {
			return cli.Exit(err.Error(), 1)
		}
		return cli.Exit(fmt.Sprintf("%s: %v", config.ErrInvalidConfig, err), 1)
	}

	network := logger.Fields{
		"gas_price_gwei": jarviscommon.BigToFloat(snapshot.GasPrice, 9),
		"fee_market":     snapshot.SupportsFeeMarket(),
	}
	if snapshot.SupportsFeeMarket() {
		network["max_fee_gwei"] = jarviscommon.BigToFloat(snapshot.MaxFeePerGas, 9)
		network["priority_fee_gwei"] = jarviscommon.BigToFloat(snapshot.MaxPriorityFeePerGas, 9)
	}
	logger.WithFields(network).Info("Network fee data")

	computed := logger.Fields{
		"attempt":        attempt,
		"multiplier_bps": fee.MultiplierBps,
		"price_gwei":     jarviscommon.BigToFloat(fee.Price, 9),
		"capped":         fee.Capped,
		"dynamic":        fee.Dynamic,
	}
	if fee.Dynamic {
		computed["max_fee_gwei"] = jarviscommon.BigToFloat(fee.MaxFeePerGas, 9)
		computed["priority_fee_gwei"] = jarviscommon.BigToFloat(fee.MaxPriorityFeePerGas, 9)
		computed["corrected"] = fee.Corrected
	}
	logger.WithFields(computed).Info("Computed fee")
	return nil
}
