package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"transit-departures/internal/config"
	"transit-departures/internal/directory"
	"transit-departures/internal/logger"
	"transit-departures/internal/metrics"
	"transit-departures/internal/pushpath"
	"transit-departures/internal/rpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).Error("config error", "error", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, FilePath: cfg.LogFile, Console: true})

	feeds, err := config.LoadFeeds(cfg.FeedsFile)
	if err != nil {
		log.Error("feeds error", "path", cfg.FeedsFile, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr, log)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	nc, err := rpc.Connect(cfg.NATSURL, "transit-pusher", log)
	if err != nil {
		log.Error("nats error", "error", err)
		os.Exit(1)
	}
	defer rpc.Drain(nc)
	js, err := jetstream.New(nc)
	if err != nil {
		log.Error("jetstream error", "error", err)
		os.Exit(1)
	}
	kv, err := directory.OpenKV(ctx, js, cfg.RegistryBucket)
	if err != nil {
		log.Error("registry error", "error", err)
		os.Exit(1)
	}

	pool := rpc.NewPool(cfg.RPCConnectTimeout, cfg.RPCTimeout, mcol, log)
	defer pool.Close()

	adapter := pushpath.NewAdapter(
		directory.NewClient(directory.NewKVRegistry(kv)),
		pushpath.NewFetcher(&http.Client{}),
		pool, mcol, log,
	)
	sched := pushpath.NewScheduler(adapter, log)
	sched.Start(ctx, feeds)
	log.Info("pusher started", "feeds", sched.Running())

	<-ctx.Done()
	sched.Stop()
	log.Info("shutdown complete")
}
