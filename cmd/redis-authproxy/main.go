// Command redis-authproxy runs the transparent Redis AUTH-rewriting proxy.
// See SPEC_FULL.md §6 for configuration and exit codes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/redis-authproxy/redis-authproxy/internal/config"
	"github.com/redis-authproxy/redis-authproxy/internal/metrics"
	"github.com/redis-authproxy/redis-authproxy/internal/proxy"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup error:", err)
		return 1
	}
	defer log.Sync()

	rec := metrics.NewPrometheus()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	go func() {
		if err := rec.ServeHTTP(ctx, metricsAddr); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	p := proxy.New(cfg, log, rec)
	if err := p.Run(ctx); err != nil {
		log.Error("proxy exited with error", zap.Error(err))
		return 1
	}

	log.Info("proxy shut down cleanly")
	return 0
}

func buildLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
