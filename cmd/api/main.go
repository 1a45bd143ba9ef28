package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"kvbridge/internal/api"
	"kvbridge/internal/codec"
	"kvbridge/internal/config"
	"kvbridge/internal/lookup"
	"kvbridge/internal/sink"
	"kvbridge/internal/store"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "Path to configuration file")
	port := flag.StringP("port", "p", "", "Listen port (overrides api.port and API_PORT)")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	listen := cfg.API.Port
	if env := os.Getenv("API_PORT"); env != "" {
		listen = env
	}
	if *port != "" {
		listen = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dial, err := store.Dialer(cfg.Store)
	if err != nil {
		logrus.Fatalf("failed to configure store: %v", err)
	}
	c, err := codec.New(cfg.Schema, cfg.DataType, cfg.KeyPrefix, cfg.Sink.Expire)
	if err != nil {
		logrus.Fatalf("failed to build codec: %v", err)
	}

	sk, err := sink.New("api", cfg.Sink, c, dial)
	if err != nil {
		logrus.Fatalf("failed to build sink: %v", err)
	}
	if err := sk.Open(ctx); err != nil {
		logrus.Fatalf("failed to open sink: %v", err)
	}
	lk, err := lookup.New(cfg.Lookup, c, dial)
	if err != nil {
		logrus.Fatalf("failed to build lookup: %v", err)
	}
	if err := lk.Open(ctx); err != nil {
		logrus.Fatalf("failed to open lookup: %v", err)
	}

	srv := api.NewServer(cfg, c, dial, sk, lk)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(listen) }()

	select {
	case err := <-errCh:
		logrus.Errorf("server stopped with error: %v", err)
	case <-ctx.Done():
		logrus.Info("interrupt received, shutting down gracefully…")
	}

	// Buffered writes only reach the store on a checkpoint.
	if err := sk.Checkpoint(context.Background()); err != nil {
		logrus.Errorf("final checkpoint failed: %v", err)
	}
	if err := sk.Close(); err != nil {
		logrus.Warnf("close sink: %v", err)
	}
	if err := lk.Close(); err != nil {
		logrus.Warnf("close lookup: %v", err)
	}
}
