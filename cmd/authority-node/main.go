package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"transit-departures/internal/authority"
	"transit-departures/internal/config"
	"transit-departures/internal/directory"
	"transit-departures/internal/logger"
	"transit-departures/internal/metrics"
	"transit-departures/internal/rpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).Error("config error", "error", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, FilePath: cfg.LogFile, Console: true}).With("node_id", cfg.NodeID)
	if len(cfg.NodeChateaus) == 0 {
		log.Error("config error", "error", "NODE_CHATEAUS must list at least one chateau")
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

	nc, err := rpc.Connect(cfg.NATSURL, "authority-"+cfg.NodeID, log)
	if err != nil {
		log.Error("nats error", "error", err)
		os.Exit(1)
	}
	defer rpc.Drain(nc)

	node := authority.NewNode(cfg.NodeID, cfg.NodeChateaus, log)
	server, err := rpc.Serve(nc, cfg.NodeID, node, cfg.RPCTimeout, mcol, log)
	if err != nil {
		log.Error("rpc serve error", "error", err)
		os.Exit(1)
	}
	defer server.Close()

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
	if err := node.Register(ctx, directory.NewKVRegistry(kv), cfg.NodeAddress, cfg.NodeFeeds); err != nil {
		log.Error("register error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutdown complete")
}
