// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ordermesh/payment-pipeline/internal/breaker"
	"github.com/ordermesh/payment-pipeline/internal/broker"
	"github.com/ordermesh/payment-pipeline/internal/config"
	"github.com/ordermesh/payment-pipeline/internal/ingress"
	"github.com/ordermesh/payment-pipeline/internal/obs"
	"github.com/ordermesh/payment-pipeline/internal/payment"
	"github.com/ordermesh/payment-pipeline/internal/relay"
	"github.com/ordermesh/payment-pipeline/internal/store"
	"github.com/ordermesh/payment-pipeline/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: ingress|relay|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := store.Open("postgres", cfg.Database.DSN, cfg.Database.MaxOpenConn, cfg.Database.MaxIdleConn)
	if err != nil {
		logger.Fatal("failed to open database", obs.Err(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.InitSchema(ctx, db); err != nil {
		logger.Fatal("failed to initialize schema", obs.Err(err))
	}

	readyCheck := func(c context.Context) error { return db.Ping(c) }
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	logger.Info("STARTUP", obs.String("role", role), obs.String("version", version))

	switch role {
	case "ingress":
		runIngress(ctx, cfg, db, logger)
	case "relay":
		if err := runRelay(ctx, cfg, db, logger); err != nil && ctx.Err() == nil {
			logger.Fatal("relay error", obs.Err(err))
		}
	case "worker":
		if err := runWorker(ctx, cfg, db, logger); err != nil && ctx.Err() == nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "all":
		go runIngress(ctx, cfg, db, logger)
		go func() {
			if err := runRelay(ctx, cfg, db, logger); err != nil && ctx.Err() == nil {
				logger.Error("relay error", obs.Err(err))
				cancel()
			}
		}()
		if err := runWorker(ctx, cfg, db, logger); err != nil && ctx.Err() == nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runIngress(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) {
	srv := ingress.New(db, logger)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Ingress.Port), Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	logger.Info("ingress listening", obs.Int("port", cfg.Ingress.Port))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("ingress server error", obs.Err(err))
	}
}

func runRelay(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) error {
	pub, err := broker.NewJetStreamPublisher(cfg.Broker.Addr)
	if err != nil {
		return fmt.Errorf("connect relay publisher: %w", err)
	}
	defer pub.Close()

	r := relay.New(store.NewOutbox(db), pub, logger, relay.Config{
		BatchSize:    cfg.Relay.BatchSize,
		PollInterval: cfg.Relay.PollInterval,
		RetryBackoff: cfg.Relay.RetryBackoff,
	})
	return r.Run(ctx)
}

func runWorker(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) error {
	cb := breaker.New(
		cfg.CircuitBreaker.Window,
		cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.MinSamples,
	)
	payments := payment.NewMockService(cfg.Payment.FailEveryNth)

	subscriberFactory := func(shard int) (broker.Subscriber, error) {
		return broker.NewJetStreamSubscriber(cfg.Broker.Addr, "payment-group", shard, cfg.Worker.FetchTimeout)
	}

	w := worker.New(db, payments, cb, logger, worker.Config{
		Shards:            cfg.Worker.Shards,
		MaxRetries:        cfg.Worker.MaxRetries,
		RetryBackoff:      cfg.Worker.RetryBackoff,
		FetchBatchSize:    cfg.Worker.FetchBatchSize,
		FetchTimeout:      cfg.Worker.FetchTimeout,
		MetricsInterval:   cfg.Observability.MetricsInterval,
		ReconcileInterval: cfg.Worker.ReconcileInterval,
		StuckAfter:        cfg.Worker.StuckAfter,
	}, subscriberFactory)

	return w.Run(ctx)
}
