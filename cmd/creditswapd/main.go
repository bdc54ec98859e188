package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"creditswap/integrations/webhooks"
	"creditswap/native/bank"
	"creditswap/native/creditswap"
	"creditswap/native/redemption"
	"creditswap/observability/logging"
	telemetry "creditswap/observability/otel"
	"creditswap/services/creditswapd/config"
	"creditswap/services/creditswapd/server"
	"creditswap/services/creditswapd/storage"
	kv "creditswap/storage"
)

func main() {
	var (
		cfgPath   string
		ephemeral bool
	)
	flag.StringVar(&cfgPath, "config", "services/creditswapd/config.yaml", "path to creditswapd configuration file")
	flag.BoolVar(&ephemeral, "ephemeral", false, "keep engine, ledger and redemption state in memory only")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("creditswapd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("CREDITSWAP_ENV"))
	logger, logCloser := logging.SetupWithFile("creditswapd", env, cfg.Log.Level, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "creditswapd",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("creditswapd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, ephemeral, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("creditswapd exited", "error", err)
		os.Exit(1)
	}
	logger.Info("creditswapd stopped")
}

func run(ctx context.Context, cfg config.Config, ephemeral bool, logger *slog.Logger) error {
	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	var db kv.Database
	if ephemeral {
		db = kv.NewMemDB()
	} else {
		level, err := kv.NewLevelDB(cfg.StatePath)
		if err != nil {
			return err
		}
		db = level
	}
	defer db.Close()
	records := kv.NewKV(db)
	state, err := creditswap.NewKVState(records)
	if err != nil {
		return err
	}

	ledger := bank.NewLedger()
	facility, err := buildFacility(ctx, cfg, ledger, records)
	if err != nil {
		return err
	}

	hub := server.NewEventHub()
	sinks := creditswap.Sinks{store, hub}
	if endpoint := strings.TrimSpace(cfg.Webhook.Endpoint); endpoint != "" {
		opts := []webhooks.Option{webhooks.WithKinds(cfg.Webhook.Kinds...), webhooks.WithLogger(logger)}
		if cfg.Webhook.MaxAttempts > 0 {
			opts = append(opts, webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0))
		}
		dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(cfg.Webhook.Secret), opts...)
		if err != nil {
			return err
		}
		defer dispatcher.Close()
		sinks = append(sinks, dispatcher)
	}

	engineAddr := mustAddress(cfg.Engine.Address)
	engineCfg := creditswap.DefaultConfig(mustAddress(cfg.Engine.Owner))
	engineCfg.SupplyAllocation = cfg.Engine.SupplyAllocation
	engineCfg.RepayAllocation = cfg.Engine.RepayAllocation
	engineCfg.LiquidityAllocation = cfg.Engine.LiquidityAllocation
	engine, err := creditswap.NewEngine(engineAddr, engineCfg, state, facility.Client(engineAddr), ledger,
		creditswap.WithEventSink(sinks),
		creditswap.WithPersisters(ledger, facility),
		creditswap.WithLogger(logger.With("module", "creditswap")))
	if err != nil {
		return err
	}

	mgr, err := buildOracle(cfg, store, logger)
	if err != nil {
		return err
	}
	if mgr != nil {
		if err := mgr.Hydrate(ctx); err != nil {
			logger.Warn("creditswapd oracle hydrate failed", "error", err)
		}
	}
	if err := bootstrapEngine(ctx, cfg, engine, mgr); err != nil {
		return err
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Admin.JWTSecret,
		Issuer:     cfg.Admin.Issuer,
		Audience:   cfg.Admin.Audience,
		ClockSkew:  cfg.Admin.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return err
	}
	quota, err := quotaFromConfig(cfg.Quota)
	if err != nil {
		return err
	}
	serverCfg := server.Config{
		ListenAddress: cfg.ListenAddress,
		RateLimit:     server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		Quota:         quota,
	}
	if mgr != nil {
		serverCfg.Oracle = mgr
	}
	opts := []server.Option{server.WithEventStore(store), server.WithEventHub(hub), server.WithLogger(logger)}
	if cfg.Redemption.Enabled {
		tiers, err := tiersFromConfig(cfg.Redemption.Tiers)
		if err != nil {
			return err
		}
		desk, err := redemption.NewDesk(redemption.Config{
			Address:  mustAddress(cfg.Redemption.Address),
			Treasury: mustAddress(cfg.Redemption.Treasury),
			Tiers:    tiers,
		}, engine, ledger, records)
		if err != nil {
			return err
		}
		desk.SetLogger(logger.With("module", "redemption"))
		opts = append(opts, server.WithDesk(desk))
	}
	srv, err := server.New(serverCfg, engine, auth, opts...)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if mgr != nil {
		group.Go(func() error { return mgr.Run(groupCtx) })
	}
	group.Go(func() error { return srv.Run(groupCtx) })
	return group.Wait()
}
