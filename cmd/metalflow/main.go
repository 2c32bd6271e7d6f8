package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"MetalFlow/internal/cashflow"
	"MetalFlow/internal/config"
	"MetalFlow/internal/exports"
	"MetalFlow/internal/marketdata"
	"MetalFlow/internal/observability"
	"MetalFlow/internal/pipeline"
	"MetalFlow/internal/pnl"
	"MetalFlow/internal/server"
	"MetalFlow/internal/store"
	"MetalFlow/internal/timeline"
	"MetalFlow/internal/valuation"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("MF_CONFIG"), "path to YAML config")
	flag.Parse()

	log := observability.NewLogger("metalflow")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Postgres ---
	st, err := store.Open(ctx, cfg.Postgres.URL, log, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	defer st.Close()
	log.Info().Msg("postgres connected")

	migrator := store.NewMigrator(st.DB(), cfg.Postgres.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Timeline (NATS JetStream) ---
	var emitter pipeline.EventEmitter
	if cfg.NATS.Enabled {
		nc, js, err := timeline.Connect(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := timeline.EnsureStream(ctx, js); err != nil {
			log.Fatal().Err(err).Msg("ensure timeline stream")
		}
		emitter = timeline.NewPublisher(js, log).WithMetrics(metrics)
		log.Info().Msg("nats connected")
	}

	// --- Exports (optional object storage) ---
	var exportCreator pipeline.ExportCreator
	{
		var object *minio.Client
		if cfg.Exports.Enabled {
			object, err = minio.New(cfg.Exports.Endpoint, &minio.Options{
				Creds:  credentials.NewStaticV4(cfg.Exports.AccessKey, cfg.Exports.SecretKey, ""),
				Secure: cfg.Exports.UseSSL,
				Region: cfg.Exports.Region,
			})
			if err != nil {
				log.Fatal().Err(err).Msg("object store client")
			}
		}
		exportCreator = exports.NewService(st, object, cfg.Exports.Bucket, log)
	}

	// --- Engines ---
	md := marketdata.NewAccessor(st, marketdata.Config{
		CashSettlementSymbol: cfg.Market.CashSettlementSymbol,
		Proxy3MSymbol:        cfg.Market.Proxy3MSymbol,
		Proxy3MSource:        cfg.Market.Proxy3MSource,
		MaxLookbackDays:      cfg.Market.MaxLookbackDays,
	}).WithMetrics(metrics)
	valuer := valuation.NewEngine(md)
	pnlEngine := pnl.NewEngine(valuer)
	builder := cashflow.NewBuilder(md, valuer, st, st, cfg.Cashflow.FxPolicyMap)

	orch := pipeline.NewOrchestrator(
		st, st, st, md, valuer, pnlEngine, builder, emitter, exportCreator,
		pipeline.Config{
			ResumeFromFailed: cfg.Pipeline.ResumeFromFailed,
			BaselineMethod:   cfg.Cashflow.BaselineMethod,
			ExportType:       cfg.Pipeline.ExportType,
		},
		log, metrics,
	)

	// --- HTTP API ---
	api := server.NewAPI(orch, builder, health, log, metrics)
	srv := server.New(cfg.HTTP.Addr, api, log)

	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start() }()
	health.SetReady(true)
	log.Info().Str("version", cfg.Service.Version).Msg("metalflow ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	health.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
