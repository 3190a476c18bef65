package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/nats-io/nats.go/jetstream"

	"transit-departures/internal/api"
	"transit-departures/internal/config"
	"transit-departures/internal/db"
	"transit-departures/internal/departures"
	"transit-departures/internal/directory"
	"transit-departures/internal/logger"
	"transit-departures/internal/metrics"
	"transit-departures/internal/rpc"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).Error("config error", "error", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, FilePath: cfg.LogFile, Console: true})
	if err := cfg.RequireDatabase(); err != nil {
		fatal(log, "config error", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr, log)
		defer shutdown(srv)
	}

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		fatal(log, "db open error", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		fatal(log, "db ping error", err)
	}

	nc, err := rpc.Connect(cfg.NATSURL, "transit-departures", log)
	if err != nil {
		fatal(log, "nats error", err)
	}
	defer rpc.Drain(nc)
	js, err := jetstream.New(nc)
	if err != nil {
		fatal(log, "jetstream error", err)
	}
	kv, err := directory.OpenKV(ctx, js, cfg.RegistryBucket)
	if err != nil {
		fatal(log, "registry error", err)
	}
	dir := directory.NewClient(directory.NewKVRegistry(kv))

	pool := rpc.NewPool(cfg.RPCConnectTimeout, cfg.RPCTimeout, mcol, log)
	defer pool.Close()

	svc := departures.New(db.NewStore(sqlDB, mcol), pool, mcol, log)
	h := api.NewHandler(svc, dir, sqlDB, mcol, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(cfg.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("departures listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdown(srv)
	log.Info("shutdown complete")
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func fatal(log logger.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
