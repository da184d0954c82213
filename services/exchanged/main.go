package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"synthex/core/events"
	exchange "synthex/native/exchange"
	"synthex/observability/logging"
	telemetry "synthex/observability/otel"
	"synthex/services/exchanged/config"
	"synthex/services/exchanged/oracle"
	"synthex/services/exchanged/server"
	"synthex/services/exchanged/storage"
)

func main() {
	var (
		cfgPath    string
		breakerBps int64
	)
	flag.StringVar(&cfgPath, "config", "services/exchanged/config.yaml", "path to exchanged configuration file")
	flag.Int64Var(&breakerBps, "deviation-threshold-bps", 300, "atomic fill deviation breaker threshold in basis points")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SYNTHEX_ENV"))
	logger := logging.Setup("exchanged", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("exchanged", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("exchanged: load config: %v", err)
	}

	var exchangeCfg exchange.Config
	if _, err := toml.DecodeFile(cfg.ParamsPath, &exchangeCfg); err != nil {
		log.Fatalf("exchanged: load exchange params: %v", err)
	}
	params, err := exchangeCfg.Parameters()
	if err != nil {
		log.Fatalf("exchanged: invalid exchange params: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("exchanged: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("exchanged: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if cfg.Oracle.SeedBaseRate {
		if err := seedBaseRound(ctx, store, params.BaseAsset); err != nil {
			log.Fatalf("exchanged: seed base round: %v", err)
		}
	}

	prices, err := oracle.New(store, cfg.Oracle.MaxAge.Duration)
	if err != nil {
		log.Fatalf("exchanged: oracle: %v", err)
	}
	breaker := oracle.NewDeviationBreaker(breakerBps)
	emitter := events.SlogEmitter{Logger: logger}

	engine, err := exchange.NewEngine(params, store, prices, store, store, breaker, emitter)
	if err != nil {
		log.Fatalf("exchanged: engine: %v", err)
	}
	engine.SetLogger(logger)

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		BearerToken:   cfg.Admin.BearerToken,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, engine, store, logger)
	if err != nil {
		log.Fatalf("exchanged: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

// seedBaseRound makes sure the base asset has at least one usable round, since
// every quote prices the fee leg against it.
func seedBaseRound(ctx context.Context, store *storage.Storage, base exchange.Asset) error {
	_, found, err := store.LatestRound(ctx, base)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	_, err = store.RecordRound(ctx, base, big.NewRat(1, 1), time.Now(), false)
	return err
}
