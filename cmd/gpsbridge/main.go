package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"gpsbridge/internal/config"
	"gpsbridge/internal/web"
)

func main() {
	var configPath string
	var summaryPath string
	flag.StringVar(&configPath, "config", "./gpsbridge.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "log-summary", "", "Print a summary of a raw replay log and exit")
	flag.Parse()

	if summaryPath != "" {
		if err := printLogSummary(os.Stdout, summaryPath); err != nil {
			fmt.Fprintf(os.Stderr, "log summary failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logs := web.NewLogBuffer(2000)
	log, err := newLogger(cfg.Log, logs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runMain(ctx, cfg, log, logs); err != nil {
		log.Error("gpsbridge failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func runMain(ctx context.Context, cfg config.Config, log *zap.Logger, logs *web.LogBuffer) error {
	a, err := newApp(cfg, log, logs)
	if err != nil {
		return err
	}
	runErr := a.run(ctx)
	if err := a.close(); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	return runErr
}
