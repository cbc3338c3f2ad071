package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"attendguard/internal/app"
	"attendguard/internal/config"
	"attendguard/internal/events"
	"attendguard/internal/logging"
)

// Worker delivers queued events to the notifier and runs the periodic
// sweeps: expiring sessions, rotating QR tokens, marking stale devices.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("component", "worker"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(cfg, log, prometheus.NewRegistry())
	if err != nil {
		log.Fatal("build failed", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	if err := a.Face.Health(ctx); err != nil {
		log.Warn("photo service not available", zap.Error(err))
	}

	var wg sync.WaitGroup
	if a.Queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := events.Drain(ctx, a.Queue, events.LogNotifier{Log: log}, log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event drain stopped", zap.Error(err))
			}
		}()
	} else {
		log.Info("no event queue configured, notifications disabled", zap.String("backend", cfg.EventBackend))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweep(ctx, a, cfg, log)
	}()

	log.Info("worker started", zap.Duration("sweep_interval", cfg.SweepInterval))
	wg.Wait()
	log.Info("worker stopped")
}

func sweep(ctx context.Context, a *app.App, cfg config.App, log *zap.Logger) {
	t := time.NewTicker(cfg.SweepInterval)
	defer t.Stop()
	for {
		if n, err := a.Service.SweepExpired(ctx); err != nil {
			log.Error("sweep expired sessions", zap.Error(err))
		} else if n > 0 {
			log.Info("stopped expired sessions", zap.Int("count", n))
		}
		if n, err := a.Service.RotateDueTokens(ctx); err != nil {
			log.Error("rotate qr tokens", zap.Error(err))
		} else if n > 0 {
			log.Debug("rotated qr tokens", zap.Int("count", n))
		}
		if n, err := a.Service.MarkStaleDevices(ctx, cfg.DeviceStaleAfter); err != nil {
			log.Error("mark stale devices", zap.Error(err))
		} else if n > 0 {
			log.Info("marked stale devices", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
