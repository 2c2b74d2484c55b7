package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tradenet/cmd/internal/passphrase"
	"tradenet/config"
	"tradenet/native/governance"
	"tradenet/native/trade"
	"tradenet/observability/logging"
	telemetry "tradenet/observability/otel"
	"tradenet/p2p"
)

const (
	adminTokenEnv = "TRADENET_ADMIN_TOKEN"
	envVar        = "TRADENET_ENV"
)

var errChainUnavailable = errors.New("chain capability not configured")

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(*configFile, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "tradenode: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string, debug bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv(envVar))
	if env == "" {
		env = cfg.Node.Environment
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger, logCloser := logging.SetupWithOptions("tradenode", env, logging.Options{
		Level:      level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "tradenode",
		ServiceVersion: cfg.Node.AppVersion,
		Environment:    env,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	pass, err := passphrase.NewSource(cfg.Node.KeystorePassphraseEnv, "node keystore").Get()
	if err != nil {
		return err
	}

	n, err := newNode(cfg, pass, unconfiguredCapabilities(logger), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.close(); err != nil {
			logger.Error("Shutdown incomplete", slog.Any("error", err))
		}
	}()

	logger.Info("Trade node started",
		slog.String("address", n.address.FullAddress()),
		slog.String("version", cfg.Node.AppVersion),
		slog.String("admin", cfg.Node.AdminAddress))
	return n.run(ctx)
}

// unconfiguredCapabilities returns collaborators that fail every call until a
// wallet, chain and transport integration is plugged in.
func unconfiguredCapabilities(logger *slog.Logger) capabilities {
	logger.Warn("Wallet, chain and transport capabilities are not configured; trades cannot progress past the first wallet call")
	return capabilities{
		wallet:     trade.FuncWallet{},
		chain:      trade.ChainFunc(func(context.Context, string) (bool, error) { return false, errChainUnavailable }),
		network:    p2p.FuncNetwork{},
		govChain:   emptyChain{},
		voteWallet: unavailableVoteWallet{},
	}
}

// emptyChain is a chain view that has seen no blocks.
type emptyChain struct{}

func (emptyChain) ChainHeight() int { return 0 }

func (emptyChain) Tx(string) (governance.ChainTx, bool) { return governance.ChainTx{}, false }

type unavailableVoteWallet struct{}

func (unavailableVoteWallet) PrepareBlindVoteTx(context.Context, int64, []byte) (string, []byte, error) {
	return "", nil, errChainUnavailable
}

func (unavailableVoteWallet) PublishTx(context.Context, []byte) error {
	return errChainUnavailable
}
