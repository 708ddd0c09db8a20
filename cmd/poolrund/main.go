// Command poolrund runs the pooled perpetuals trading orchestrator: it
// wires the Run State Machine, Round Controller, Trade Executor, Price
// Oracle, chain and DEX adapters, and the scheduler loop that drives
// them, then blocks until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/solpool/poolrund/admin"
	"github.com/solpool/poolrund/broadcast"
	"github.com/solpool/poolrund/chain"
	"github.com/solpool/poolrund/clock"
	"github.com/solpool/poolrund/config"
	"github.com/solpool/poolrund/crypto"
	"github.com/solpool/poolrund/dex"
	"github.com/solpool/poolrund/ledger"
	"github.com/solpool/poolrund/logs"
	"github.com/solpool/poolrund/observability/logging"
	oteltel "github.com/solpool/poolrund/observability/otel"
	"github.com/solpool/poolrund/oracle"
	"github.com/solpool/poolrund/round"
	"github.com/solpool/poolrund/runstate"
	"github.com/solpool/poolrund/scheduler"
	"github.com/solpool/poolrund/store"
	"github.com/solpool/poolrund/trade"
)

func main() {
	if err := run(); err != nil {
		slog.Error("poolrund exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("POOLRUND_CONFIG")
	if configPath == "" {
		configPath = "config.toml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := os.Getenv("POOLRUND_ENV")
	if env == "" {
		env = "development"
	}
	var log *slog.Logger
	if cfg.LogFilePath != "" {
		log = logging.SetupWithFile("poolrund", env, cfg.LogFilePath)
	} else {
		log = logging.Setup("poolrund", env)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := oteltel.Init(ctx, oteltel.Config{
			ServiceName: "poolrund",
			Environment: env,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    true,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer shutdown(context.Background())
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	baseStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer baseStore.Close()

	fastLogKV, err := ledger.NewLevelKV(filepath.Join(cfg.DataDir, "syslog.leveldb"))
	if err != nil {
		return fmt.Errorf("open fast log kv: %w", err)
	}
	defer fastLogKV.Close()
	fastLog, err := ledger.NewFastLog(fastLogKV)
	if err != nil {
		return fmt.Errorf("open fast log: %w", err)
	}
	st := logs.NewMirroringStore(baseStore, fastLog)
	exporter := logs.NewExporter(fastLog, filepath.Join(cfg.DataDir, "syslog-export"))

	bus := broadcast.NewBus()

	priceOracle := oracle.New(time.Duration(cfg.OracleStaleSeconds)*time.Second, 0.05, 0.2)
	var feeds []oracle.Feed
	if cfg.OracleDriftAddress != "" {
		feeds = append(feeds, oracle.NewDriftFeed(cfg.OracleDriftAddress))
	}
	if cfg.OracleBinanceSymbol != "" {
		feeds = append(feeds, oracle.NewBinanceRESTFeed("https://api.binance.com"))
	}
	for _, feed := range feeds {
		poller := oracle.NewPoller(priceOracle, feed, []string{cfg.OracleBinanceSymbol}, 1, log)
		go poller.Run(ctx)
	}

	intentKV, err := ledger.NewLevelKV(filepath.Join(cfg.DataDir, "intents.leveldb"))
	if err != nil {
		return fmt.Errorf("open intent kv: %w", err)
	}
	defer intentKV.Close()
	intents := ledger.NewIntentLedger(intentKV)

	signerBytes, err := hex.DecodeString(cfg.SignerKey)
	if err != nil {
		return fmt.Errorf("decode signer key hex: %w", err)
	}
	signer, err := crypto.PrivateKeyFromBytes(signerBytes)
	if err != nil {
		return fmt.Errorf("decode signer key: %w", err)
	}

	var submitter chain.Submitter
	if cfg.ChainRPCAddress != "" {
		submitter = chain.NewRPCSubmitter(cfg.ChainRPCAddress)
	} else {
		submitter = chain.NewNoopSubmitter()
	}
	chainAdapter := chain.NewAdapter(cfg.ChainProgramID, submitter, signer, intents)

	dexAdapter, err := buildDexAdapter(cfg, priceOracle)
	if err != nil {
		return fmt.Errorf("build dex adapter: %w", err)
	}
	if realAdapter, ok := dexAdapter.(*dex.RealAdapter); ok {
		if verr := realAdapter.VerifySubaccount(ctx); verr != nil {
			msg := fmt.Sprintf("dex trading subaccount unavailable, booting in mock mode: %v", verr)
			log.Error(msg)
			_ = st.AppendSystemLog(ctx, &store.SystemLog{Type: store.LogSystem, Message: msg, CreatedAt: time.Now().UTC()})
			mockCfg := *cfg
			mockCfg.EnableRealTrading = false
			if dexAdapter, err = buildDexAdapter(&mockCfg, priceOracle); err != nil {
				return fmt.Errorf("build dex adapter: %w", err)
			}
		}
	}

	executor := trade.NewExecutor(st, dexAdapter, bus,
		trade.WithChainAdapter(chainAdapter),
		trade.WithLogger(log),
	)

	roundController := round.New(st, priceOracle, executor, bus, clock.Real{}, log)

	sm := runstate.New(st, bus,
		runstate.WithChainAdapter(chainAdapter),
		runstate.WithTradeExecutor(executor),
		runstate.WithLogger(log),
		runstate.WithPlatformFeeBps(cfg.PlatformFeeBps),
	)

	adminController := admin.New(st, sm, roundController, log)
	_ = adminController // wired for an eventual operator surface; exercised directly in tests today.

	schedCfg := scheduler.Config{
		TickInterval:    time.Second,
		CooldownSeconds: cfg.CooldownSeconds,
		CronSchedule:    cfg.CronSchedule,
		PlatformFeeBps:  cfg.PlatformFeeBps,
		DefaultRun: runstate.CreateRunConfig{
			Pair:                 cfg.OracleBinanceSymbol,
			BaseCoin:             "USDC",
			DurationMinutes:      120,
			VotingInterval:       10,
			MinDeposit:           10,
			MaxDeposit:           100,
			MaxParticipants:      100,
			LobbyDurationSeconds: cfg.LobbyDurationSeconds,
		},
	}
	sched := scheduler.New(st, sm, roundController, executor, chainAdapter, clock.Real{}, log, schedCfg)

	if err := sched.Recover(ctx); err != nil {
		return fmt.Errorf("recover scheduler state: %w", err)
	}

	go runLogExporter(ctx, exporter, log)

	log.Info("poolrund started", slog.String("store_driver", cfg.StoreDriver))
	sched.Run(ctx)
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return store.NewPostgresStore(cfg.StoreDSN)
	case "sqlite", "":
		path := cfg.StoreDSN
		if path == "" {
			path = filepath.Join(cfg.DataDir, "poolrund.db")
		}
		return store.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func buildDexAdapter(cfg *config.Config, priceOracle *oracle.Oracle) (dex.Adapter, error) {
	if cfg.EnableRealTrading {
		if cfg.DexBaseURL == "" {
			return nil, fmt.Errorf("EnableRealTrading is set but DexBaseURL is empty")
		}
		return dex.NewRealAdapter(cfg.DexBaseURL, cfg.DexAPIKey), nil
	}
	referencePrice := func(market string) (int64, error) {
		quote, err := priceOracle.Latest(market, time.Now().UTC())
		if err != nil {
			return 0, err
		}
		return quote.Price, nil
	}
	return dex.NewMockAdapter(1_000_000_00, referencePrice, dex.MathRNG{}), nil
}

// runLogExporter flushes the fast-log mirror to parquet on a fixed
// interval until ctx is cancelled.
func runLogExporter(ctx context.Context, exporter *logs.Exporter, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := exporter.Flush(now.UTC()); err != nil {
				log.Warn("system log parquet export failed", slog.Any("error", err))
			}
		}
	}
}
