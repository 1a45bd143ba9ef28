package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"kvbridge/internal/codec"
	"kvbridge/internal/config"
	"kvbridge/internal/pipeline"
	"kvbridge/internal/store"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "Path to configuration file")
	inputPath := flag.StringP("input", "i", "-", "JSON-lines record file (- reads stdin)")
	flag.Parse()

	// Configure global logger (timestamped, level from config).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	// Cancelled on Ctrl+C or SIGTERM.
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
	runner, err := pipeline.New(cfg, c, dial)
	if err != nil {
		logrus.Fatalf("failed to build pipeline: %v", err)
	}

	var in io.Reader = os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			logrus.Fatalf("failed to open input: %v", err)
		}
		defer f.Close()
		in = f
	}

	if err := runner.Run(ctx, in); err != nil {
		logrus.Fatalf("connector terminated with error: %v", err)
	}
}
